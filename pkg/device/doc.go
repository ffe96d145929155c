// Package device limits how many devices each user may sign in from.
//
// A device is identified by a fingerprint derived from request headers and
// client hints. The registry keeps one record per (user, fingerprint) and
// enforces the global per-user cap when a new fingerprint is claimed.
//
// # Overview
//
// The device package provides:
//   - Fingerprint derivation and user agent parsing
//   - The device registry (memory, JSON file, PostgreSQL)
//   - Authorization at login and at the request gate
//   - Administrative operations: limit changes with cascade reset,
//     per-user reset, device removal, usage listings and stats
//
// # Basic Usage
//
//	repo, err := device.NewDeviceRepository("postgres", device.RepositoryConfig{DB: pool})
//	policy, err := devicelimit.NewPolicy(ctx, devicelimit.NewMemoryStore())
//	authz := device.NewAuthorizationService(repo, policy,
//		device.WithFailurePolicy(device.FailClosed),
//	)
//
//	req := device.RequestContextFromHTTP(r)
//	hints := device.ClientHintsFromHeaders(r.Header)
//	result, err := authz.CheckAuthorization(ctx, user, req, hints, device.ModeLogin)
//	if device.IsDeviceLimitExceeded(err) {
//		// reject the login
//	}
//
// # Login and Gate
//
// ModeLogin registers an unknown fingerprint when a slot is free and counts
// a login on known ones. ModeGate never creates records: an unknown or
// deactivated fingerprint yields ErrDeviceNotAuthorized. Only the gate may
// fail open on storage errors, and only when configured with FailOpen.
//
// Users whose role is unlimited bypass the registry check entirely.
package device
