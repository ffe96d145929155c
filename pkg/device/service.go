package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/learnhub/devicegate/pkg/client"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

// Mode selects how CheckAuthorization treats an unknown fingerprint
type Mode int

const (
	// ModeLogin registers an unknown device if the user has a free slot.
	ModeLogin Mode = iota
	// ModeGate rejects an unknown device with ErrDeviceNotAuthorized.
	ModeGate
)

func (m Mode) String() string {
	if m == ModeGate {
		return "gate"
	}
	return "login"
}

// FailurePolicy decides what the gate does when the check itself fails
type FailurePolicy string

const (
	FailClosed FailurePolicy = "deny"
	FailOpen   FailurePolicy = "allow"
)

// ParseFailurePolicy accepts "deny"/"closed" and "allow"/"open"
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deny", "closed":
		return FailClosed, nil
	case "allow", "open":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (supported: deny, allow)", s)
	}
}

const DefaultUnlimitedRole = "superadmin"

// LimitSource provides the current per-user device cap
type LimitSource interface {
	Get() int
}

// Result describes the outcome of a registration or authorization check
type Result struct {
	Device      *Device
	IsNewDevice bool
	IsUnlimited bool
	// RemainingSlots is set when a new device was registered for a limited user.
	RemainingSlots *int
	// Degraded is set when the gate let a request through after an internal failure.
	Degraded bool
}

// AuthorizationService answers whether a (user, device) pair may proceed and
// registers new devices subject to the user's capacity.
type AuthorizationService struct {
	repo           DeviceRepository
	limits         LimitSource
	unlimitedRoles []string
	failurePolicy  FailurePolicy
}

type Option func(*AuthorizationService)

// WithUnlimitedRoles replaces the roles exempt from device limits
func WithUnlimitedRoles(roles ...string) Option {
	return func(s *AuthorizationService) {
		s.unlimitedRoles = nil
		for _, role := range roles {
			if role = strings.TrimSpace(role); role != "" {
				s.unlimitedRoles = append(s.unlimitedRoles, role)
			}
		}
	}
}

// WithFailurePolicy sets the gate behaviour on internal errors
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(s *AuthorizationService) {
		s.failurePolicy = policy
	}
}

// NewAuthorizationService creates the service. It fails closed and exempts
// DefaultUnlimitedRole unless configured otherwise.
func NewAuthorizationService(repo DeviceRepository, limits LimitSource, opts ...Option) *AuthorizationService {
	s := &AuthorizationService{
		repo:           repo,
		limits:         limits,
		unlimitedRoles: []string{DefaultUnlimitedRole},
		failurePolicy:  FailClosed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsUnlimitedRole reports whether role is exempt from device limits. Every
// exemption decision goes through here.
func (s *AuthorizationService) IsUnlimitedRole(role string) bool {
	for _, r := range s.unlimitedRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// CurrentLimit returns the cap applied to restricted users
func (s *AuthorizationService) CurrentLimit() int {
	return s.limits.Get()
}

// RegisterOrRefresh registers the device a request came from, or refreshes it
// if it is already active. Unlimited roles skip the capacity check.
func (s *AuthorizationService) RegisterOrRefresh(ctx context.Context, user client.AuthUser, req RequestContext, hints ClientHints) (Result, error) {
	fingerprint := Derive(req, hints)

	existing, err := s.repo.FindActive(ctx, user.UserID, fingerprint)
	if err == nil {
		return s.refresh(ctx, existing)
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return Result{}, fmt.Errorf("failed to look up device: %w", err)
	}

	return s.claim(ctx, user, fingerprint, req, hints)
}

// CheckAuthorization verifies the request's device for user. Unlimited roles
// are authorized without any device lookup. In ModeLogin an unknown device is
// registered like RegisterOrRefresh; in ModeGate it is rejected and nothing is
// created.
func (s *AuthorizationService) CheckAuthorization(ctx context.Context, user client.AuthUser, req RequestContext, hints ClientHints, mode Mode) (Result, error) {
	if s.IsUnlimitedRole(user.Role) {
		return Result{IsUnlimited: true}, nil
	}

	result, err := s.checkRestricted(ctx, user, req, hints, mode)
	if err == nil || mode != ModeGate || isExpected(err) {
		return result, err
	}

	if s.failurePolicy == FailOpen {
		slog.Warn("Device authorization check failed, allowing request",
			"userID", user.UserID, "error", err)
		return Result{Degraded: true}, nil
	}
	slog.Error("Device authorization check failed, denying request",
		"userID", user.UserID, "error", err)
	return Result{}, apperrors.InternalWrap(err, "device authorization check failed")
}

func (s *AuthorizationService) checkRestricted(ctx context.Context, user client.AuthUser, req RequestContext, hints ClientHints, mode Mode) (Result, error) {
	fingerprint := Derive(req, hints)

	existing, err := s.repo.FindActive(ctx, user.UserID, fingerprint)
	if err == nil {
		if mode == ModeGate {
			d, err := s.repo.UpdateActivity(ctx, existing.ID)
			if err != nil {
				return Result{}, fmt.Errorf("failed to update device activity: %w", err)
			}
			return Result{Device: &d}, nil
		}
		return s.refresh(ctx, existing)
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return Result{}, fmt.Errorf("failed to look up device: %w", err)
	}

	if mode == ModeGate {
		slog.Info("Rejecting request from unregistered device", "userID", user.UserID)
		return Result{}, ErrDeviceNotAuthorized
	}
	return s.claim(ctx, user, fingerprint, req, hints)
}

func (s *AuthorizationService) refresh(ctx context.Context, existing Device) (Result, error) {
	d, err := s.repo.Touch(ctx, existing.ID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to touch device: %w", err)
	}
	return Result{Device: &d, IsUnlimited: false}, nil
}

// claim takes a new slot. A concurrent writer that registered the same
// fingerprint first turns into a plain refresh.
func (s *AuthorizationService) claim(ctx context.Context, user client.AuthUser, fingerprint string, req RequestContext, hints ClientHints) (Result, error) {
	unlimited := s.IsUnlimitedRole(user.Role)
	limit := 0
	if !unlimited {
		limit = s.limits.Get()
	}

	uaInfo := ParseUserAgent(req.UserAgent)
	platform := uaInfo.Platform
	if hints.Platform != "" {
		platform = hints.Platform
	}
	params := ClaimParams{
		UserID:      user.UserID,
		Fingerprint: fingerprint,
		Info: Info{
			UserAgent:        req.UserAgent,
			Browser:          uaInfo.Browser,
			OS:               uaInfo.OS,
			Platform:         platform,
			IPAddress:        req.IP,
			ScreenResolution: hints.ScreenResolution,
			Timezone:         hints.Timezone,
			Extra:            hints.Extra,
		},
		DisplayName: BuildDisplayName(uaInfo),
		Limit:       limit,
	}

	d, isNew, err := s.repo.Claim(ctx, params)
	if errors.Is(err, ErrDuplicateDevice) {
		existing, findErr := s.repo.FindActive(ctx, user.UserID, fingerprint)
		if findErr != nil {
			return Result{}, fmt.Errorf("failed to re-fetch device after duplicate insert: %w", findErr)
		}
		return s.refresh(ctx, existing)
	}
	if err != nil {
		if IsDeviceLimitExceeded(err) {
			slog.Info("Device limit reached", "userID", user.UserID, "limit", limit)
			return Result{}, err
		}
		return Result{}, fmt.Errorf("failed to register device: %w", err)
	}

	result := Result{Device: &d, IsNewDevice: isNew, IsUnlimited: unlimited}
	if !isNew {
		return result, nil
	}

	slog.Info("Device registered", "userID", user.UserID, "deviceID", d.ID, "displayName", d.DisplayName)
	if !unlimited {
		active, err := s.repo.CountActive(ctx, user.UserID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to count active devices: %w", err)
		}
		remaining := limit - active
		if remaining < 0 {
			remaining = 0
		}
		result.RemainingSlots = &remaining
	}
	return result, nil
}

// isExpected reports errors that are decisions rather than failures
func isExpected(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeDeviceNotAuthorized) ||
		apperrors.IsCode(err, apperrors.ErrCodeDeviceLimitExceeded)
}
