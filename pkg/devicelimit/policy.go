// Package devicelimit holds the global per-user device cap and its change history.
//
// A Policy is created once at startup and injected into the device services.
// The state lives in a Store: MemoryStore keeps it for the process lifetime
// (a restart reverts to DefaultLimit) and RedisStore survives restarts.
package devicelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	MinLimit     = 1
	MaxLimit     = 10
	DefaultLimit = 2
)

// ResetInfo summarizes the cascading deactivation triggered by a limit change
type ResetInfo struct {
	UsersAffected      int    `json:"usersAffected"`
	DevicesDeactivated int    `json:"devicesDeactivated"`
	Reason             string `json:"reason"`
}

// Change records the most recent limit update
type Change struct {
	At            time.Time  `json:"changedAt"`
	PreviousLimit int        `json:"previousLimit"`
	NewLimit      int        `json:"newLimit"`
	Reset         *ResetInfo `json:"resetInfo,omitempty"`
}

// State is the persisted form of a Policy
type State struct {
	Limit      int     `json:"maxDevicesPerUser"`
	LastChange *Change `json:"lastLimitChange,omitempty"`
}

// Store persists policy state. Load reports false when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, state State) error
}

// Policy is safe for concurrent use
type Policy struct {
	mu    sync.RWMutex
	state State
	store Store
	clock func() time.Time
}

type Option func(*Policy)

// WithDefaultLimit sets the limit used when the store is empty. Values outside
// [MinLimit, MaxLimit] are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Policy) {
		if Valid(limit) {
			p.state.Limit = limit
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Policy) {
		p.clock = clock
	}
}

// NewPolicy loads persisted state from store, falling back to the default limit
func NewPolicy(ctx context.Context, store Store, opts ...Option) (*Policy, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Policy{
		state: State{Limit: DefaultLimit},
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	saved, ok, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device limit: %w", err)
	}
	if ok {
		if !Valid(saved.Limit) {
			slog.Warn("Ignoring stored device limit outside allowed range", "limit", saved.Limit)
		} else {
			p.state = saved
		}
	}

	slog.Info("Device limit policy loaded", "limit", p.state.Limit, "persisted", ok)
	return p, nil
}

// Valid reports whether limit is within [MinLimit, MaxLimit]
func Valid(limit int) bool {
	return limit >= MinLimit && limit <= MaxLimit
}

// Get returns the current limit, always within [MinLimit, MaxLimit]
func (p *Policy) Get() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Limit
}

// History returns a copy of the last change, or nil if the limit never changed
func (p *Policy) History() *Change {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyChange(p.state.LastChange)
}

// Set updates the limit. It returns false without touching state when
// newLimit is out of range, and false with an error when the store fails.
func (p *Policy) Set(ctx context.Context, newLimit int, reset *ResetInfo) (bool, error) {
	if !Valid(newLimit) {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := State{
		Limit: newLimit,
		LastChange: &Change{
			At:            p.clock(),
			PreviousLimit: p.state.Limit,
			NewLimit:      newLimit,
			Reset:         copyReset(reset),
		},
	}
	if err := p.store.Save(ctx, next); err != nil {
		return false, fmt.Errorf("failed to save device limit: %w", err)
	}
	p.state = next
	return true, nil
}

// RecordReset attaches the cascade summary to the last change
func (p *Policy) RecordReset(ctx context.Context, reset ResetInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.LastChange == nil {
		return fmt.Errorf("no limit change to attach reset to")
	}

	next := p.state
	change := *p.state.LastChange
	change.Reset = &reset
	next.LastChange = &change
	if err := p.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to save device limit reset: %w", err)
	}
	p.state = next
	return nil
}

func copyChange(c *Change) *Change {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Reset = copyReset(c.Reset)
	return &cp
}

func copyReset(r *ResetInfo) *ResetInfo {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
