package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const devicesFileName = "devices.json"

// activityFlushInterval bounds how often activity-only updates rewrite the file
const activityFlushInterval = time.Minute

// FileDeviceRepository implements DeviceRepository using file-based storage.
// Every mutation rewrites the whole file; suitable for single-process deployments.
// Activity timestamps alone are flushed at most once per activityFlushInterval.
type FileDeviceRepository struct {
	dataDir   string
	store     *deviceStore
	options   DeviceRepositoryOptions
	mutex     sync.RWMutex
	lastSaved time.Time
}

// deviceData represents the structure of data stored in the JSON file
type deviceData struct {
	Devices []*Device `json:"devices"`
}

// NewFileDeviceRepository creates a new file-based device repository
func NewFileDeviceRepository(dataDir string, options DeviceRepositoryOptions) (*FileDeviceRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileDeviceRepository{
		dataDir: dataDir,
		store:   newDeviceStore(),
		options: options,
	}

	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	return repo, nil
}

func (r *FileDeviceRepository) FindActive(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	d, ok := r.store.byFingerprint(userID, fingerprint)
	if !ok || !d.IsActive {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *FileDeviceRepository) FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	d, ok := r.store.byFingerprint(userID, fingerprint)
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *FileDeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	d, ok := r.store.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

func (r *FileDeviceRepository) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.store.countActive(userID), nil
}

func (r *FileDeviceRepository) ListForUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Device, int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices, total := r.store.listForUser(userID, page)
	return devices, total, nil
}

func (r *FileDeviceRepository) Create(ctx context.Context, device Device) (Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

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
	if err := r.commit(); err != nil {
		return Device{}, err
	}
	return created, nil
}

func (r *FileDeviceRepository) Touch(ctx context.Context, id uuid.UUID) (Device, error) {
	return r.update(id, func(d *Device, now time.Time) {
		d.LastActivityAt = now
		d.LoginCount++
	})
}

func (r *FileDeviceRepository) UpdateActivity(ctx context.Context, id uuid.UUID) (Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d, ok := r.store.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	now := r.options.now()
	d.LastActivityAt = now
	updated := *d
	if now.Sub(r.lastSaved) < activityFlushInterval {
		return updated, nil
	}
	if err := r.commit(); err != nil {
		return Device{}, err
	}
	return updated, nil
}

func (r *FileDeviceRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string) (Device, error) {
	return r.update(id, func(d *Device, now time.Time) {
		if d.IsActive {
			deactivate(d, reason, now)
		}
	})
}

func (r *FileDeviceRepository) update(id uuid.UUID, fn func(d *Device, now time.Time)) (Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d, ok := r.store.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	fn(d, r.options.now())
	updated := *d
	if err := r.commit(); err != nil {
		return Device{}, err
	}
	return updated, nil
}

func (r *FileDeviceRepository) DeactivateAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	flipped := r.store.deactivateAll(userID, reason, r.options.now())
	if len(flipped) == 0 {
		return 0, nil
	}
	if err := r.commit(); err != nil {
		return 0, err
	}
	return len(flipped), nil
}

func (r *FileDeviceRepository) Claim(ctx context.Context, params ClaimParams) (Device, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d, isNew, err := r.store.claim(params, r.options.now())
	if err != nil {
		return Device{}, false, err
	}
	if err := r.commit(); err != nil {
		return Device{}, false, err
	}
	return d, isNew, nil
}

func (r *FileDeviceRepository) ScanUsage(ctx context.Context, scan UsageScan) ([]UserUsage, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.store.scanUsage(scan), nil
}

func (r *FileDeviceRepository) Stats(ctx context.Context) (Stats, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.store.stats(), nil
}

// commit persists the in-memory state. On failure the state is reloaded from
// disk so memory never runs ahead of the file.
func (r *FileDeviceRepository) commit() error {
	if err := r.save(); err != nil {
		if loadErr := r.load(); loadErr != nil {
			slog.Error("Failed to reload device file after save error", "error", loadErr)
		}
		return fmt.Errorf("failed to save: %w", err)
	}
	return nil
}

// load reads device data from file
func (r *FileDeviceRepository) load() error {
	filePath := filepath.Join(r.dataDir, devicesFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			r.store = newDeviceStore()
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	store := newDeviceStore()
	if len(data) > 0 {
		var devData deviceData
		if err := json.Unmarshal(data, &devData); err != nil {
			return fmt.Errorf("failed to unmarshal data: %w", err)
		}
		for _, device := range devData.Devices {
			store.put(*device)
		}
	}

	r.store = store
	return nil
}

// save writes device data to file atomically
func (r *FileDeviceRepository) save() error {
	devices := make([]*Device, 0, len(r.store.devices))
	for _, device := range r.store.devices {
		devices = append(devices, device)
	}

	jsonData, err := json.MarshalIndent(deviceData{Devices: devices}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Write to temp file first
	tempFile := filepath.Join(r.dataDir, devicesFileName+".tmp")
	if err := os.WriteFile(tempFile, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Atomic rename
	finalFile := filepath.Join(r.dataDir, devicesFileName)
	if err := os.Rename(tempFile, finalFile); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	r.lastSaved = r.options.now()
	return nil
}
