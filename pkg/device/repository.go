package device

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Info is descriptive device metadata. It plays no part in authorization
// decisions beyond the fields that went into the fingerprint.
type Info struct {
	UserAgent        string         `json:"userAgent"`
	Browser          string         `json:"browser"`
	OS               string         `json:"os"`
	Platform         string         `json:"platform"`
	IPAddress        string         `json:"ipAddress"`
	ScreenResolution string         `json:"screenResolution,omitempty"`
	Timezone         string         `json:"timezone,omitempty"`
	Extra            map[string]any `json:"additionalInfo,omitempty"`
}

// Device is one (user, fingerprint) record. An active device occupies one of
// the user's device slots.
type Device struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"userId"`
	Fingerprint        string     `json:"fingerprint"`
	Info               Info       `json:"deviceInfo"`
	DisplayName        string     `json:"displayName"`
	IsActive           bool       `json:"isActive"`
	FirstSeenAt        time.Time  `json:"firstSeenAt"`
	LastActivityAt     time.Time  `json:"lastActivityAt"`
	LoginCount         int        `json:"loginCount"`
	DeactivatedAt      *time.Time `json:"deactivatedAt,omitempty"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
}

// Pagination is 1-based. Zero values fall back to page 1 with DefaultPageSize.
type Pagination struct {
	Page  int
	Limit int
}

const (
	DefaultPageSize  = 20
	MaxPageSize      = 100
	DefaultBatchSize = 500
)

// Normalize clamps the pagination to sane values
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// ClaimParams describes a conditional slot claim
type ClaimParams struct {
	UserID      uuid.UUID
	Fingerprint string
	Info        Info
	DisplayName string
	// Limit is the maximum number of active devices; 0 means unlimited.
	Limit int
}

// UsageScan selects a keyset page of per-user usage rows ordered by user ID
type UsageScan struct {
	After     uuid.UUID
	MinActive int
	BatchSize int
}

// UserUsage aggregates a user's device records
type UserUsage struct {
	UserID         uuid.UUID
	ActiveDevices  int
	TotalDevices   int
	LastActivityAt time.Time
}

// Stats are registry wide counts. Breakdowns only include active devices.
type Stats struct {
	TotalDevices    int            `json:"totalDevices"`
	ActiveDevices   int            `json:"activeDevices"`
	InactiveDevices int            `json:"inactiveDevices"`
	ByPlatform      map[string]int `json:"byPlatform"`
	ByBrowser       map[string]int `json:"byBrowser"`
}

// DeviceRepository defines the interface for device storage operations.
// Records are never hard-deleted.
type DeviceRepository interface {
	// Lookups. Missing records yield ErrDeviceNotFound.
	FindActive(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error)
	FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error)
	FindByID(ctx context.Context, id uuid.UUID) (Device, error)
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	ListForUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Device, int, error)

	// Create inserts an active record; ErrDuplicateDevice if (user, fingerprint) exists.
	Create(ctx context.Context, device Device) (Device, error)
	// Touch records a login-time match: lastActivityAt = now, loginCount++.
	Touch(ctx context.Context, id uuid.UUID) (Device, error)
	// UpdateActivity records a gate-time match: lastActivityAt = now.
	UpdateActivity(ctx context.Context, id uuid.UUID) (Device, error)
	Deactivate(ctx context.Context, id uuid.UUID, reason string) (Device, error)
	// DeactivateAllForUser returns the number of records flipped from active to inactive.
	DeactivateAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error)

	// Claim atomically inserts (or re-activates) a device if the user still has
	// a free slot. The bool reports whether a new slot was taken; when a record
	// for the fingerprint is already active it is touched and returned instead.
	// Returns a DEVICE_LIMIT_EXCEEDED error when no slot is free.
	Claim(ctx context.Context, params ClaimParams) (Device, bool, error)

	ScanUsage(ctx context.Context, scan UsageScan) ([]UserUsage, error)
	Stats(ctx context.Context) (Stats, error)
}

// newDeviceRecord builds the initial state of a freshly claimed device
func newDeviceRecord(params ClaimParams, now time.Time) Device {
	return Device{
		ID:             uuid.New(),
		UserID:         params.UserID,
		Fingerprint:    params.Fingerprint,
		Info:           params.Info,
		DisplayName:    params.DisplayName,
		IsActive:       true,
		FirstSeenAt:    now,
		LastActivityAt: now,
		LoginCount:     1,
	}
}

// reactivate moves an inactive record back into a slot
func reactivate(d *Device, params ClaimParams, now time.Time) {
	d.IsActive = true
	d.Info = params.Info
	d.DisplayName = params.DisplayName
	d.LastActivityAt = now
	d.LoginCount++
	d.DeactivatedAt = nil
	d.DeactivationReason = ""
}

func deactivate(d *Device, reason string, now time.Time) {
	d.IsActive = false
	d.DeactivatedAt = &now
	d.DeactivationReason = reason
}
