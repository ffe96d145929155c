package device

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceRepositoryOptions contains configuration shared by the repositories
type DeviceRepositoryOptions struct {
	// Clock returns the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
}

// DefaultDeviceRepositoryOptions returns the default repository options
func DefaultDeviceRepositoryOptions() DeviceRepositoryOptions {
	return DeviceRepositoryOptions{
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

func (o DeviceRepositoryOptions) now() time.Time {
	if o.Clock == nil {
		return time.Now().UTC()
	}
	return o.Clock()
}

// deviceStore is the map-backed state shared by the in-memory and file
// repositories. Callers hold the owning repository's lock.
type deviceStore struct {
	devices map[uuid.UUID]*Device
	// byKey indexes devices by user ID and fingerprint
	byKey map[string]uuid.UUID
}

func newDeviceStore() *deviceStore {
	return &deviceStore{
		devices: make(map[uuid.UUID]*Device),
		byKey:   make(map[string]uuid.UUID),
	}
}

func deviceKey(userID uuid.UUID, fingerprint string) string {
	return userID.String() + ":" + fingerprint
}

func (s *deviceStore) put(d Device) {
	cp := d
	s.devices[d.ID] = &cp
	s.byKey[deviceKey(d.UserID, d.Fingerprint)] = d.ID
}

func (s *deviceStore) byFingerprint(userID uuid.UUID, fingerprint string) (*Device, bool) {
	id, ok := s.byKey[deviceKey(userID, fingerprint)]
	if !ok {
		return nil, false
	}
	d, ok := s.devices[id]
	return d, ok
}

func (s *deviceStore) countActive(userID uuid.UUID) int {
	count := 0
	for _, d := range s.devices {
		if d.UserID == userID && d.IsActive {
			count++
		}
	}
	return count
}

func (s *deviceStore) create(d Device) (Device, error) {
	if _, exists := s.byFingerprint(d.UserID, d.Fingerprint); exists {
		return Device{}, ErrDuplicateDevice
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.put(d)
	return d, nil
}

func (s *deviceStore) claim(params ClaimParams, now time.Time) (Device, bool, error) {
	existing, found := s.byFingerprint(params.UserID, params.Fingerprint)
	if found && existing.IsActive {
		existing.LastActivityAt = now
		existing.LoginCount++
		return *existing, false, nil
	}

	if params.Limit > 0 {
		if active := s.countActive(params.UserID); active >= params.Limit {
			return Device{}, false, NewDeviceLimitExceeded(params.Limit)
		}
	}

	if found {
		reactivate(existing, params, now)
		return *existing, true, nil
	}

	d := newDeviceRecord(params, now)
	s.put(d)
	return d, true, nil
}

func (s *deviceStore) deactivateAll(userID uuid.UUID, reason string, now time.Time) []*Device {
	var flipped []*Device
	for _, d := range s.devices {
		if d.UserID == userID && d.IsActive {
			deactivate(d, reason, now)
			flipped = append(flipped, d)
		}
	}
	return flipped
}

func (s *deviceStore) listForUser(userID uuid.UUID, page Pagination) ([]Device, int) {
	var all []Device
	for _, d := range s.devices {
		if d.UserID == userID {
			all = append(all, *d)
		}
	}
	// active first, then most recently used
	sort.Slice(all, func(i, j int) bool {
		if all[i].IsActive != all[j].IsActive {
			return all[i].IsActive
		}
		return all[i].LastActivityAt.After(all[j].LastActivityAt)
	})

	page = page.Normalize()
	total := len(all)
	start := page.Offset()
	if start >= total {
		return []Device{}, total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return all[start:end], total
}

func (s *deviceStore) scanUsage(scan UsageScan) []UserUsage {
	usage := make(map[uuid.UUID]*UserUsage)
	for _, d := range s.devices {
		if bytes.Compare(d.UserID[:], scan.After[:]) <= 0 {
			continue
		}
		u, ok := usage[d.UserID]
		if !ok {
			u = &UserUsage{UserID: d.UserID}
			usage[d.UserID] = u
		}
		u.TotalDevices++
		if d.IsActive {
			u.ActiveDevices++
		}
		if d.LastActivityAt.After(u.LastActivityAt) {
			u.LastActivityAt = d.LastActivityAt
		}
	}

	rows := make([]UserUsage, 0, len(usage))
	for _, u := range usage {
		if u.ActiveDevices >= scan.MinActive {
			rows = append(rows, *u)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].UserID[:], rows[j].UserID[:]) < 0
	})

	batch := scan.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if len(rows) > batch {
		rows = rows[:batch]
	}
	return rows
}

func (s *deviceStore) stats() Stats {
	stats := Stats{
		ByPlatform: make(map[string]int),
		ByBrowser:  make(map[string]int),
	}
	for _, d := range s.devices {
		stats.TotalDevices++
		if !d.IsActive {
			stats.InactiveDevices++
			continue
		}
		stats.ActiveDevices++
		stats.ByPlatform[orUnknown(d.Info.Platform)]++
		stats.ByBrowser[orUnknown(d.Info.Browser)]++
	}
	return stats
}

// InMemDeviceRepository implements DeviceRepository using an in-memory map
type InMemDeviceRepository struct {
	store   *deviceStore
	mu      sync.Mutex
	options DeviceRepositoryOptions
}

// NewInMemDeviceRepository creates a new in-memory device repository
func NewInMemDeviceRepository() *InMemDeviceRepository {
	return NewInMemDeviceRepositoryWithOptions(DefaultDeviceRepositoryOptions())
}

// NewInMemDeviceRepositoryWithOptions creates a new in-memory device repository with custom options
func NewInMemDeviceRepositoryWithOptions(options DeviceRepositoryOptions) *InMemDeviceRepository {
	return &InMemDeviceRepository{
		store:   newDeviceStore(),
		options: options,
	}
}

func (r *InMemDeviceRepository) FindActive(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.store.byFingerprint(userID, fingerprint)
	if !ok || !d.IsActive {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *InMemDeviceRepository) FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.store.byFingerprint(userID, fingerprint)
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *InMemDeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.store.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *InMemDeviceRepository) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.countActive(userID), nil
}

func (r *InMemDeviceRepository) ListForUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Device, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, total := r.store.listForUser(userID, page)
	return devices, total, nil
}

// Create stores a device; FirstSeenAt and LastActivityAt default to now
func (r *InMemDeviceRepository) Create(ctx context.Context, device Device) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.options.now()
	if device.FirstSeenAt.IsZero() {
		device.FirstSeenAt = now
	}
	if device.LastActivityAt.IsZero() {
		device.LastActivityAt = now
	}
	created, err := r.store.create(device)
	if err != nil {
		return Device{}, err
	}
	slog.Debug("Device created", "deviceID", created.ID, "userID", created.UserID)
	return created, nil
}

func (r *InMemDeviceRepository) Touch(ctx context.Context, id uuid.UUID) (Device, error) {
	return r.update(id, func(d *Device, now time.Time) {
		d.LastActivityAt = now
		d.LoginCount++
	})
}

func (r *InMemDeviceRepository) UpdateActivity(ctx context.Context, id uuid.UUID) (Device, error) {
	return r.update(id, func(d *Device, now time.Time) {
		d.LastActivityAt = now
	})
}

func (r *InMemDeviceRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string) (Device, error) {
	return r.update(id, func(d *Device, now time.Time) {
		if d.IsActive {
			deactivate(d, reason, now)
		}
	})
}

func (r *InMemDeviceRepository) update(id uuid.UUID, fn func(d *Device, now time.Time)) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.store.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	fn(d, r.options.now())
	return *d, nil
}

func (r *InMemDeviceRepository) DeactivateAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flipped := r.store.deactivateAll(userID, reason, r.options.now())
	return len(flipped), nil
}

func (r *InMemDeviceRepository) Claim(ctx context.Context, params ClaimParams) (Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.claim(params, r.options.now())
}

func (r *InMemDeviceRepository) ScanUsage(ctx context.Context, scan UsageScan) ([]UserUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.scanUsage(scan), nil
}

func (r *InMemDeviceRepository) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.stats(), nil
}
