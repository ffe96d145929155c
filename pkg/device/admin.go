package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/audit"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/devicelimit"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/user"
)

const (
	ManualResetReason    = "Manual reset by administrator"
	RemovedByAdminReason = "Removed by administrator"
)

// LimitReducedReason is recorded on devices deactivated by a limit decrease
func LimitReducedReason(limit int) string {
	return fmt.Sprintf("limit reduced to %d", limit)
}

// RoleExemption decides which roles skip device limits
type RoleExemption interface {
	IsUnlimitedRole(role string) bool
}

type UsageStatus string

const (
	UsageAll        UsageStatus = "all"
	UsageOverLimit  UsageStatus = "overLimit"
	UsageUnderLimit UsageStatus = "underLimit"
)

// ParseUsageStatus maps the deviceStatus query value; empty means all
func ParseUsageStatus(s string) (UsageStatus, error) {
	switch UsageStatus(s) {
	case "", UsageAll:
		return UsageAll, nil
	case UsageOverLimit, UsageUnderLimit:
		return UsageStatus(s), nil
	default:
		return "", apperrors.InvalidInput("deviceStatus", "must be one of all, overLimit, underLimit")
	}
}

type UsageFilter struct {
	Status UsageStatus
}

// UsageRow is one user's device usage as seen by administrators
type UsageRow struct {
	UserID         uuid.UUID `json:"userId"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"displayName"`
	Role           string    `json:"role"`
	ActiveDevices  int       `json:"activeDevices"`
	TotalDevices   int       `json:"totalDevices"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IsUnlimited    bool      `json:"isUnlimited"`
	OverLimit      bool      `json:"overLimit"`
}

type UsagePage struct {
	Users        []UsageRow `json:"users"`
	Total        int        `json:"total"`
	Page         int        `json:"page"`
	Limit        int        `json:"limit"`
	CurrentLimit int        `json:"maxDevicesPerUser"`
}

// LimitUpdate is the outcome of SetGlobalLimit
type LimitUpdate struct {
	Accepted      bool                   `json:"accepted"`
	PreviousLimit int                    `json:"previousLimit"`
	CurrentLimit  int                    `json:"maxDevicesPerUser"`
	Reset         *devicelimit.ResetInfo `json:"resetInfo,omitempty"`
}

type StatsReport struct {
	Stats
	UsersOverLimit int `json:"usersOverLimit"`
	CurrentLimit   int `json:"maxDevicesPerUser"`
}

// AdminService implements the administrative device operations. Every
// mutation is recorded through the audit recorder.
type AdminService struct {
	repo      DeviceRepository
	policy    *devicelimit.Policy
	users     user.Lookup
	exemption RoleExemption
	audit     audit.Recorder
	batchSize int
}

type AdminOption func(*AdminService)

// WithBatchSize sets how many users each registry scan reads at once
func WithBatchSize(n int) AdminOption {
	return func(s *AdminService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithAuditRecorder(r audit.Recorder) AdminOption {
	return func(s *AdminService) {
		s.audit = r
	}
}

func NewAdminService(repo DeviceRepository, policy *devicelimit.Policy, users user.Lookup, exemption RoleExemption, opts ...AdminOption) *AdminService {
	s := &AdminService{
		repo:      repo,
		policy:    policy,
		users:     users,
		exemption: exemption,
		audit:     audit.NewLogger(nil),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentLimit returns the limit and its last change
func (s *AdminService) CurrentLimit() (int, *devicelimit.Change) {
	return s.policy.Get(), s.policy.History()
}

// SetGlobalLimit changes the per-user cap. A decrease deactivates every
// device of each restricted user left above the new cap.
func (s *AdminService) SetGlobalLimit(ctx context.Context, actor client.AuthUser, newLimit int) (LimitUpdate, error) {
	previous := s.policy.Get()
	update := LimitUpdate{PreviousLimit: previous, CurrentLimit: previous}

	ok, err := s.policy.Set(ctx, newLimit, nil)
	if err != nil {
		return update, err
	}
	if !ok {
		return update, apperrors.Newf(apperrors.ErrCodeValueOutOfRange,
			"device limit must be between %d and %d", devicelimit.MinLimit, devicelimit.MaxLimit).
			WithDetail("min", devicelimit.MinLimit).
			WithDetail("max", devicelimit.MaxLimit)
	}
	update.Accepted = true
	update.CurrentLimit = newLimit

	event := audit.Event{
		Action:    "device.limit.set",
		ActorID:   actor.UserID,
		ActorRole: actor.Role,
		Outcome:   "success",
	}
	event = event.WithMetadata("previousLimit", previous).WithMetadata("newLimit", newLimit)

	if newLimit >= previous {
		s.audit.Record(ctx, event)
		return update, nil
	}

	reset, scanErr := s.cascade(ctx, newLimit)
	if err := s.policy.RecordReset(ctx, reset); err != nil {
		slog.Error("Failed to record limit reset", "error", err)
	}
	update.Reset = &reset

	event = event.WithMetadata("usersAffected", reset.UsersAffected).
		WithMetadata("devicesDeactivated", reset.DevicesDeactivated)
	if scanErr != nil {
		event.Outcome = "partial"
		event.Message = scanErr.Error()
		s.audit.Record(ctx, event)
		return update, fmt.Errorf("limit reduced but device reset incomplete: %w", scanErr)
	}
	s.audit.Record(ctx, event)
	return update, nil
}

// cascade deactivates all devices of restricted users holding more than
// limit active devices. It scans in keyset batches and stops on ctx cancellation.
func (s *AdminService) cascade(ctx context.Context, limit int) (devicelimit.ResetInfo, error) {
	reset := devicelimit.ResetInfo{Reason: LimitReducedReason(limit)}

	err := s.scan(ctx, limit+1, func(row UserUsage) error {
		u, err := s.lookup(ctx, row.UserID)
		if err != nil {
			return err
		}
		if s.exemption.IsUnlimitedRole(u.Role) {
			return nil
		}
		n, err := s.repo.DeactivateAllForUser(ctx, row.UserID, reset.Reason)
		if err != nil {
			return fmt.Errorf("failed to deactivate devices for user %s: %w", row.UserID, err)
		}
		reset.UsersAffected++
		reset.DevicesDeactivated += n
		return nil
	})

	slog.Info("Device limit reduction applied",
		"limit", limit,
		"usersAffected", reset.UsersAffected,
		"devicesDeactivated", reset.DevicesDeactivated)
	return reset, err
}

// scan walks usage rows with at least minActive active devices in user ID order
func (s *AdminService) scan(ctx context.Context, minActive int, fn func(UserUsage) error) error {
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.repo.ScanUsage(ctx, UsageScan{After: after, MinActive: minActive, BatchSize: s.batchSize})
		if err != nil {
			return fmt.Errorf("failed to scan device usage: %w", err)
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
			after = row.UserID
		}
		if len(rows) < s.batchSize {
			return nil
		}
	}
}

// lookup returns the user behind a device record. Records of users missing
// from the user store are treated as restricted.
func (s *AdminService) lookup(ctx context.Context, userID uuid.UUID) (user.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, user.ErrUserNotFound) {
		slog.Warn("Device records reference unknown user", "userID", userID)
		return user.User{ID: userID}, nil
	}
	return user.User{}, fmt.Errorf("failed to look up user %s: %w", userID, err)
}

// ResetUser deactivates all of a user's devices. An empty reason uses ManualResetReason.
func (s *AdminService) ResetUser(ctx context.Context, actor client.AuthUser, userID uuid.UUID, reason string) (int, error) {
	if userID == uuid.Nil {
		return 0, apperrors.InvalidInput("userId", "is required")
	}
	if reason == "" {
		reason = ManualResetReason
	}

	count, err := s.repo.DeactivateAllForUser(ctx, userID, reason)
	event := audit.Event{
		Action:    "device.user.reset",
		ActorID:   actor.UserID,
		ActorRole: actor.Role,
		TargetID:  userID.String(),
		Outcome:   "success",
	}
	if err != nil {
		event.Outcome = "failure"
		event.Message = err.Error()
		s.audit.Record(ctx, event)
		return 0, fmt.Errorf("failed to reset devices: %w", err)
	}
	s.audit.Record(ctx, event.WithMetadata("devicesDeactivated", count).WithMetadata("reason", reason))
	return count, nil
}

// RemoveDevice deactivates one device record
func (s *AdminService) RemoveDevice(ctx context.Context, actor client.AuthUser, deviceID uuid.UUID) (Device, error) {
	event := audit.Event{
		Action:    "device.remove",
		ActorID:   actor.UserID,
		ActorRole: actor.Role,
		TargetID:  deviceID.String(),
		Outcome:   "success",
	}

	d, err := s.repo.Deactivate(ctx, deviceID, RemovedByAdminReason)
	if err != nil {
		event.Outcome = "failure"
		event.Message = err.Error()
		s.audit.Record(ctx, event)
		if errors.Is(err, ErrDeviceNotFound) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("failed to remove device: %w", err)
	}
	s.audit.Record(ctx, event.WithMetadata("userID", d.UserID.String()))
	return d, nil
}

// ListUsage lists per-user device usage for users that have device records.
// Unlimited users always count as under the limit.
func (s *AdminService) ListUsage(ctx context.Context, filter UsageFilter, page Pagination) (UsagePage, error) {
	page = page.Normalize()
	limit := s.policy.Get()

	var rows []UsageRow
	err := s.scan(ctx, 0, func(usage UserUsage) error {
		u, err := s.lookup(ctx, usage.UserID)
		if err != nil {
			return err
		}
		row := UsageRow{
			UserID:         usage.UserID,
			Email:          u.Email,
			DisplayName:    u.DisplayName,
			Role:           u.Role,
			ActiveDevices:  usage.ActiveDevices,
			TotalDevices:   usage.TotalDevices,
			LastActivityAt: usage.LastActivityAt,
			IsUnlimited:    s.exemption.IsUnlimitedRole(u.Role),
		}
		row.OverLimit = !row.IsUnlimited && row.ActiveDevices > limit

		switch filter.Status {
		case UsageOverLimit:
			if !row.OverLimit {
				return nil
			}
		case UsageUnderLimit:
			if row.OverLimit {
				return nil
			}
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return UsagePage{}, err
	}

	result := UsagePage{
		Users:        []UsageRow{},
		Total:        len(rows),
		Page:         page.Page,
		Limit:        page.Limit,
		CurrentLimit: limit,
	}
	start := page.Offset()
	if start < len(rows) {
		end := start + page.Limit
		if end > len(rows) {
			end = len(rows)
		}
		result.Users = rows[start:end]
	}
	return result, nil
}

func (s *AdminService) ListForUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Device, int, error) {
	devices, total, err := s.repo.ListForUser(ctx, userID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, total, nil
}

// Stats returns registry counts plus the number of restricted users over the limit
func (s *AdminService) Stats(ctx context.Context) (StatsReport, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return StatsReport{}, fmt.Errorf("failed to load device stats: %w", err)
	}

	limit := s.policy.Get()
	report := StatsReport{Stats: stats, CurrentLimit: limit}
	err = s.scan(ctx, limit+1, func(row UserUsage) error {
		u, err := s.lookup(ctx, row.UserID)
		if err != nil {
			return err
		}
		if !s.exemption.IsUnlimitedRole(u.Role) {
			report.UsersOverLimit++
		}
		return nil
	})
	if err != nil {
		return StatsReport{}, err
	}
	return report, nil
}
