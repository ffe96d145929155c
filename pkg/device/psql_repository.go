package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const deviceColumns = `id, user_id, fingerprint, device_info, display_name, is_active,
	first_seen_at, last_activity_at, login_count, deactivated_at, COALESCE(deactivation_reason, '')`

// PostgresDeviceRepository implements DeviceRepository using PostgreSQL
type PostgresDeviceRepository struct {
	db      DBTX
	options DeviceRepositoryOptions
}

// DBTX is an interface that allows us to use either a pool or a transaction.
// Begin on a transaction opens a savepoint.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// NewPostgresDeviceRepository creates a new PostgreSQL device repository
func NewPostgresDeviceRepository(db DBTX) *PostgresDeviceRepository {
	return NewPostgresDeviceRepositoryWithOptions(db, DefaultDeviceRepositoryOptions())
}

// NewPostgresDeviceRepositoryWithOptions creates a new PostgreSQL device repository with custom options
func NewPostgresDeviceRepositoryWithOptions(db DBTX, options DeviceRepositoryOptions) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{
		db:      db,
		options: options,
	}
}

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Fingerprint,
		&d.Info,
		&d.DisplayName,
		&d.IsActive,
		&d.FirstSeenAt,
		&d.LastActivityAt,
		&d.LoginCount,
		&d.DeactivatedAt,
		&d.DeactivationReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, err
	}
	return d, nil
}

func (r *PostgresDeviceRepository) FindActive(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM user_device
		WHERE user_id = $1 AND fingerprint = $2 AND is_active`
	d, err := scanDevice(r.db.QueryRow(ctx, query, userID, fingerprint))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to find active device: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM user_device WHERE user_id = $1 AND fingerprint = $2`
	d, err := scanDevice(r.db.QueryRow(ctx, query, userID, fingerprint))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to find device by fingerprint: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM user_device WHERE id = $1`
	d, err := scanDevice(r.db.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to find device: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	return countActive(ctx, r.db, userID)
}

func countActive(ctx context.Context, db DBTX, userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM user_device WHERE user_id = $1 AND is_active`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active devices: %w", err)
	}
	return count, nil
}

func (r *PostgresDeviceRepository) ListForUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Device, int, error) {
	page = page.Normalize()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_device WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	query := `SELECT ` + deviceColumns + ` FROM user_device
		WHERE user_id = $1
		ORDER BY is_active DESC, last_activity_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, total, nil
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device Device) (Device, error) {
	now := r.options.now()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.FirstSeenAt.IsZero() {
		device.FirstSeenAt = now
	}
	if device.LastActivityAt.IsZero() {
		device.LastActivityAt = now
	}
	return insertDevice(ctx, r.db, device)
}

func insertDevice(ctx context.Context, db DBTX, d Device) (Device, error) {
	query := `INSERT INTO user_device (id, user_id, fingerprint, device_info, display_name, is_active,
			first_seen_at, last_activity_at, login_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + deviceColumns
	created, err := scanDevice(db.QueryRow(ctx, query,
		d.ID, d.UserID, d.Fingerprint, d.Info, d.DisplayName, d.IsActive,
		d.FirstSeenAt, d.LastActivityAt, d.LoginCount))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Device{}, ErrDuplicateDevice
		}
		return Device{}, fmt.Errorf("failed to insert device: %w", err)
	}
	return created, nil
}

func (r *PostgresDeviceRepository) Touch(ctx context.Context, id uuid.UUID) (Device, error) {
	return touchDevice(ctx, r.db, id, r.options)
}

func touchDevice(ctx context.Context, db DBTX, id uuid.UUID, options DeviceRepositoryOptions) (Device, error) {
	query := `UPDATE user_device SET last_activity_at = $2, login_count = login_count + 1
		WHERE id = $1 RETURNING ` + deviceColumns
	d, err := scanDevice(db.QueryRow(ctx, query, id, options.now()))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to touch device: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) UpdateActivity(ctx context.Context, id uuid.UUID) (Device, error) {
	query := `UPDATE user_device SET last_activity_at = $2 WHERE id = $1 RETURNING ` + deviceColumns
	d, err := scanDevice(r.db.QueryRow(ctx, query, id, r.options.now()))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to update device activity: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string) (Device, error) {
	query := `UPDATE user_device
		SET deactivated_at = CASE WHEN is_active THEN $2 ELSE deactivated_at END,
			deactivation_reason = CASE WHEN is_active THEN $3 ELSE deactivation_reason END,
			is_active = FALSE
		WHERE id = $1 RETURNING ` + deviceColumns
	d, err := scanDevice(r.db.QueryRow(ctx, query, id, r.options.now(), reason))
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, fmt.Errorf("failed to deactivate device: %w", err)
	}
	return d, err
}

func (r *PostgresDeviceRepository) DeactivateAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	tag, err := r.db.Exec(ctx, `UPDATE user_device
		SET is_active = FALSE, deactivated_at = $2, deactivation_reason = $3
		WHERE user_id = $1 AND is_active`, userID, r.options.now(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate devices for user: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Claim serializes claims for one user with a transaction scoped advisory
// lock, so the capacity check and the insert happen atomically.
func (r *PostgresDeviceRepository) Claim(ctx context.Context, params ClaimParams) (Device, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Device{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Error("Failed to rollback device claim", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, params.UserID.String()); err != nil {
		return Device{}, false, fmt.Errorf("failed to lock user devices: %w", err)
	}

	now := r.options.now()
	query := `SELECT ` + deviceColumns + ` FROM user_device WHERE user_id = $1 AND fingerprint = $2 FOR UPDATE`
	existing, err := scanDevice(tx.QueryRow(ctx, query, params.UserID, params.Fingerprint))
	found := err == nil
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, false, fmt.Errorf("failed to find device: %w", err)
	}

	if found && existing.IsActive {
		d, err := touchDevice(ctx, tx, existing.ID, r.options)
		if err != nil {
			return Device{}, false, err
		}
		return d, false, tx.Commit(ctx)
	}

	if params.Limit > 0 {
		active, err := countActive(ctx, tx, params.UserID)
		if err != nil {
			return Device{}, false, err
		}
		if active >= params.Limit {
			return Device{}, false, NewDeviceLimitExceeded(params.Limit)
		}
	}

	var claimed Device
	if found {
		reactivate(&existing, params, now)
		claimed, err = scanDevice(tx.QueryRow(ctx, `UPDATE user_device
			SET is_active = TRUE, device_info = $2, display_name = $3, last_activity_at = $4,
				login_count = $5, deactivated_at = NULL, deactivation_reason = NULL
			WHERE id = $1 RETURNING `+deviceColumns,
			existing.ID, existing.Info, existing.DisplayName, existing.LastActivityAt, existing.LoginCount))
		if err != nil {
			return Device{}, false, fmt.Errorf("failed to reactivate device: %w", err)
		}
	} else {
		claimed, err = insertDevice(ctx, tx, newDeviceRecord(params, now))
		if err != nil {
			return Device{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Device{}, false, fmt.Errorf("failed to commit device claim: %w", err)
	}
	return claimed, true, nil
}

func (r *PostgresDeviceRepository) ScanUsage(ctx context.Context, scan UsageScan) ([]UserUsage, error) {
	batch := scan.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	rows, err := r.db.Query(ctx, `SELECT user_id,
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*),
			MAX(last_activity_at)
		FROM user_device
		WHERE user_id > $1
		GROUP BY user_id
		HAVING COUNT(*) FILTER (WHERE is_active) >= $2
		ORDER BY user_id
		LIMIT $3`, scan.After, scan.MinActive, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to scan device usage: %w", err)
	}
	defer rows.Close()

	usage := []UserUsage{}
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.ActiveDevices, &u.TotalDevices, &u.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (r *PostgresDeviceRepository) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByPlatform: make(map[string]int),
		ByBrowser:  make(map[string]int),
	}

	err := r.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM user_device`).
		Scan(&stats.TotalDevices, &stats.ActiveDevices)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count devices: %w", err)
	}
	stats.InactiveDevices = stats.TotalDevices - stats.ActiveDevices

	breakdowns := map[string]map[string]int{
		"platform": stats.ByPlatform,
		"browser":  stats.ByBrowser,
	}
	for field, counts := range breakdowns {
		if err := r.breakdown(ctx, field, counts); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (r *PostgresDeviceRepository) breakdown(ctx context.Context, field string, counts map[string]int) error {
	rows, err := r.db.Query(ctx, `SELECT COALESCE(NULLIF(device_info->>$1, ''), 'Unknown'), COUNT(*)
		FROM user_device WHERE is_active GROUP BY 1`, field)
	if err != nil {
		return fmt.Errorf("failed to break down devices by %s: %w", field, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s breakdown: %w", field, err)
		}
		counts[key] = count
	}
	return rows.Err()
}
