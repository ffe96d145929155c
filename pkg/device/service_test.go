package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/devicelimit"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLimit int

func (l fixedLimit) Get() int { return int(l) }

// failingRepository fails every lookup with a storage error
type failingRepository struct {
	DeviceRepository
}

func (r failingRepository) FindActive(ctx context.Context, userID uuid.UUID, fingerprint string) (Device, error) {
	return Device{}, errors.New("connection refused")
}

// racingRepository simulates losing a concurrent insert of the same fingerprint
type racingRepository struct {
	*InMemDeviceRepository
	once sync.Once
}

func (r *racingRepository) Claim(ctx context.Context, params ClaimParams) (Device, bool, error) {
	var raced bool
	r.once.Do(func() {
		raced = true
		_, _, _ = r.InMemDeviceRepository.Claim(ctx, params)
	})
	if raced {
		return Device{}, false, ErrDuplicateDevice
	}
	return r.InMemDeviceRepository.Claim(ctx, params)
}

func setupAuthorizationService(t *testing.T, limit int, opts ...Option) (*AuthorizationService, *InMemDeviceRepository) {
	t.Helper()
	repo := NewInMemDeviceRepository()
	return NewAuthorizationService(repo, fixedLimit(limit), opts...), repo
}

func student() client.AuthUser {
	return client.AuthUser{UserID: uuid.New(), Role: "student", Email: "student@example.com"}
}

func fromIP(ip string) RequestContext {
	return testRequest(chromeWindowsUA, ip)
}

func TestAuthorizationService_CapEnforcement(t *testing.T) {
	svc, repo := setupAuthorizationService(t, 2)
	ctx := context.Background()
	u := student()

	// Scenario: A and B fill both slots, C is rejected
	a, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	assert.True(t, a.IsNewDevice)
	require.NotNil(t, a.RemainingSlots)
	assert.Equal(t, 1, *a.RemainingSlots)

	b, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.2"), testHints())
	require.NoError(t, err)
	assert.True(t, b.IsNewDevice)
	assert.Equal(t, 0, *b.RemainingSlots)

	_, err = svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.3"), testHints())
	require.Error(t, err)
	assert.True(t, IsDeviceLimitExceeded(err))
	assert.Equal(t, 2, apperrors.GetDetails(err)["limit"])

	count, err := repo.CountActive(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAuthorizationService_IdempotentRelogin(t *testing.T) {
	svc, repo := setupAuthorizationService(t, 2)
	ctx := context.Background()
	u := student()

	first, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Device.LoginCount)

	again, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	assert.False(t, again.IsNewDevice)
	assert.Nil(t, again.RemainingSlots)
	assert.Equal(t, first.Device.ID, again.Device.ID)
	assert.Equal(t, 2, again.Device.LoginCount)
	assert.False(t, again.Device.LastActivityAt.Before(first.Device.LastActivityAt))

	_, total, err := repo.ListForUser(ctx, u.UserID, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAuthorizationService_UnlimitedRole(t *testing.T) {
	svc, repo := setupAuthorizationService(t, 1)
	ctx := context.Background()
	admin := client.AuthUser{UserID: uuid.New(), Role: "SuperAdmin"}

	for i := 0; i < 5; i++ {
		res, err := svc.RegisterOrRefresh(ctx, admin, fromIP(uuid.NewString()), testHints())
		require.NoError(t, err)
		assert.True(t, res.IsNewDevice)
		assert.True(t, res.IsUnlimited)
		assert.Nil(t, res.RemainingSlots)
	}

	count, err := repo.CountActive(ctx, admin.UserID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// no device work at all for the gate or login check
	res, err := svc.CheckAuthorization(ctx, admin, fromIP("never-seen"), ClientHints{}, ModeGate)
	require.NoError(t, err)
	assert.True(t, res.IsUnlimited)
	assert.Nil(t, res.Device)
}

func TestAuthorizationService_CustomUnlimitedRoles(t *testing.T) {
	svc, _ := setupAuthorizationService(t, 1, WithUnlimitedRoles("owner", " ", "support"))

	assert.True(t, svc.IsUnlimitedRole("owner"))
	assert.True(t, svc.IsUnlimitedRole("SUPPORT"))
	assert.False(t, svc.IsUnlimitedRole("superadmin"))
	assert.False(t, svc.IsUnlimitedRole(""))
}

func TestAuthorizationService_GateVersusLogin(t *testing.T) {
	svc, repo := setupAuthorizationService(t, 2)
	ctx := context.Background()
	u := student()
	unknown := fromIP("192.0.2.55")

	_, err := svc.CheckAuthorization(ctx, u, unknown, testHints(), ModeGate)
	assert.ErrorIs(t, err, ErrDeviceNotAuthorized)

	count, err := repo.CountActive(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "gate never creates records")

	res, err := svc.CheckAuthorization(ctx, u, unknown, testHints(), ModeLogin)
	require.NoError(t, err)
	assert.True(t, res.IsNewDevice)

	gate, err := svc.CheckAuthorization(ctx, u, unknown, testHints(), ModeGate)
	require.NoError(t, err)
	assert.Equal(t, res.Device.ID, gate.Device.ID)
	assert.Equal(t, 1, gate.Device.LoginCount, "gate activity is not a login")

	login, err := svc.CheckAuthorization(ctx, u, unknown, testHints(), ModeLogin)
	require.NoError(t, err)
	assert.False(t, login.IsNewDevice)
	assert.Equal(t, 2, login.Device.LoginCount)
}

func TestAuthorizationService_LoginAtCapacity(t *testing.T) {
	svc, _ := setupAuthorizationService(t, 1)
	ctx := context.Background()
	u := student()

	_, err := svc.CheckAuthorization(ctx, u, fromIP("10.0.0.1"), testHints(), ModeLogin)
	require.NoError(t, err)

	_, err = svc.CheckAuthorization(ctx, u, fromIP("10.0.0.2"), testHints(), ModeLogin)
	assert.True(t, IsDeviceLimitExceeded(err))
}

func TestAuthorizationService_DeactivatedDeviceRejectedAtGate(t *testing.T) {
	svc, repo := setupAuthorizationService(t, 2)
	ctx := context.Background()
	u := student()

	res, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	_, err = repo.Deactivate(ctx, res.Device.ID, RemovedByAdminReason)
	require.NoError(t, err)

	_, err = svc.CheckAuthorization(ctx, u, fromIP("10.0.0.1"), testHints(), ModeGate)
	assert.ErrorIs(t, err, ErrDeviceNotAuthorized)
}

func TestAuthorizationService_DuplicateRecovered(t *testing.T) {
	repo := &racingRepository{InMemDeviceRepository: NewInMemDeviceRepository()}
	svc := NewAuthorizationService(repo, fixedLimit(2))
	ctx := context.Background()
	u := student()

	res, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	assert.False(t, res.IsNewDevice)
	assert.Equal(t, 2, res.Device.LoginCount, "losing writer touches the winner's record")
}

func TestAuthorizationService_FailurePolicy(t *testing.T) {
	ctx := context.Background()
	u := student()
	repo := failingRepository{DeviceRepository: NewInMemDeviceRepository()}

	closed := NewAuthorizationService(repo, fixedLimit(2))
	_, err := closed.CheckAuthorization(ctx, u, fromIP("10.0.0.1"), testHints(), ModeGate)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))

	open := NewAuthorizationService(repo, fixedLimit(2), WithFailurePolicy(FailOpen))
	res, err := open.CheckAuthorization(ctx, u, fromIP("10.0.0.1"), testHints(), ModeGate)
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	// login never fails open
	_, err = open.CheckAuthorization(ctx, u, fromIP("10.0.0.1"), testHints(), ModeLogin)
	assert.Error(t, err)
	_, err = open.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	assert.Error(t, err)
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailClosed, false},
		{"deny", FailClosed, false},
		{"Closed", FailClosed, false},
		{"allow", FailOpen, false},
		{"open", FailOpen, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuthorizationService_UsesInjectedPolicy(t *testing.T) {
	ctx := context.Background()
	policy, err := devicelimit.NewPolicy(ctx, devicelimit.NewMemoryStore(), devicelimit.WithDefaultLimit(1))
	require.NoError(t, err)
	svc := NewAuthorizationService(NewInMemDeviceRepository(), policy)
	u := student()

	_, err = svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.1"), testHints())
	require.NoError(t, err)
	_, err = svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.2"), testHints())
	assert.True(t, IsDeviceLimitExceeded(err))

	ok, err := policy.Set(ctx, 2, nil)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := svc.RegisterOrRefresh(ctx, u, fromIP("10.0.0.2"), testHints())
	require.NoError(t, err)
	assert.Equal(t, 0, *res.RemainingSlots)
}

func TestAuthorizationService_DeviceInfo(t *testing.T) {
	svc, _ := setupAuthorizationService(t, 2)
	hints := ClientHints{ScreenResolution: "390x844", Timezone: "Asia/Tokyo", Extra: map[string]any{"app": "web"}}

	res, err := svc.RegisterOrRefresh(context.Background(), student(), testRequest(safariIPhoneUA, "10.1.1.1"), hints)
	require.NoError(t, err)

	d := res.Device
	assert.Equal(t, "iOS Mobile (Safari)", d.DisplayName)
	assert.Equal(t, PlatformMobile, d.Info.Platform)
	assert.Equal(t, "10.1.1.1", d.Info.IPAddress)
	assert.Equal(t, "390x844", d.Info.ScreenResolution)
	assert.Equal(t, "web", d.Info.Extra["app"])
}
