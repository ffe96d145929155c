package device

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/audit"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/devicelimit"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Record(ctx context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var actions []string
	for _, e := range r.events {
		actions = append(actions, e.Action)
	}
	return actions
}

type adminFixture struct {
	repo    *InMemDeviceRepository
	policy  *devicelimit.Policy
	users   *user.InMemUserRepository
	authz   *AuthorizationService
	admin   *AdminService
	auditor *recordingAuditor
	actor   client.AuthUser
}

func setupAdminFixture(t *testing.T, limit int, opts ...AdminOption) *adminFixture {
	t.Helper()
	ctx := context.Background()

	policy, err := devicelimit.NewPolicy(ctx, devicelimit.NewMemoryStore(), devicelimit.WithDefaultLimit(limit))
	require.NoError(t, err)

	f := &adminFixture{
		repo:    NewInMemDeviceRepository(),
		policy:  policy,
		users:   user.NewInMemUserRepository(),
		auditor: &recordingAuditor{},
		actor:   client.AuthUser{UserID: uuid.New(), Role: "admin"},
	}
	f.authz = NewAuthorizationService(f.repo, policy)
	opts = append([]AdminOption{WithAuditRecorder(f.auditor)}, opts...)
	f.admin = NewAdminService(f.repo, policy, f.users, f.authz, opts...)
	return f
}

func (f *adminFixture) newUser(t *testing.T, role string) client.AuthUser {
	t.Helper()
	u, err := f.users.Create(context.Background(), user.User{
		Email:       uuid.NewString() + "@example.com",
		DisplayName: "Learner",
		Role:        role,
	})
	require.NoError(t, err)
	return client.AuthUser{UserID: u.ID, Role: u.Role, Email: u.Email}
}

func (f *adminFixture) register(t *testing.T, u client.AuthUser, ip string) Result {
	t.Helper()
	res, err := f.authz.RegisterOrRefresh(context.Background(), u, fromIP(ip), testHints())
	require.NoError(t, err)
	return res
}

func TestAdminService_LimitReductionCascade(t *testing.T) {
	f := setupAdminFixture(t, 3)
	ctx := context.Background()
	u := f.newUser(t, "student")
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		f.register(t, u, ip)
	}

	update, err := f.admin.SetGlobalLimit(ctx, f.actor, 1)
	require.NoError(t, err)
	assert.True(t, update.Accepted)
	assert.Equal(t, 3, update.PreviousLimit)
	assert.Equal(t, 1, update.CurrentLimit)
	require.NotNil(t, update.Reset)
	assert.Equal(t, 1, update.Reset.UsersAffected)
	assert.Equal(t, 3, update.Reset.DevicesDeactivated)

	// all devices go, not just the excess
	count, err := f.repo.CountActive(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	devices, _, err := f.repo.ListForUser(ctx, u.UserID, Pagination{})
	require.NoError(t, err)
	for _, d := range devices {
		assert.Equal(t, "limit reduced to 1", d.DeactivationReason)
	}

	res := f.register(t, u, "10.0.0.9")
	assert.True(t, res.IsNewDevice)

	change := f.policy.History()
	require.NotNil(t, change)
	require.NotNil(t, change.Reset)
	assert.Equal(t, 3, change.Reset.DevicesDeactivated)
}

func TestAdminService_CascadeSkipsUnlimitedAndCompliantUsers(t *testing.T) {
	f := setupAdminFixture(t, 3, WithBatchSize(1))
	ctx := context.Background()

	over := f.newUser(t, "student")
	compliant := f.newUser(t, "student")
	super := f.newUser(t, "superadmin")
	for _, ip := range []string{"1", "2", "3"} {
		f.register(t, over, ip)
		f.register(t, super, ip)
	}
	f.register(t, compliant, "1")

	update, err := f.admin.SetGlobalLimit(ctx, f.actor, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, update.Reset.UsersAffected)

	for _, tc := range []struct {
		u    client.AuthUser
		want int
	}{
		{over, 0},
		{compliant, 1},
		{super, 3},
	} {
		count, err := f.repo.CountActive(ctx, tc.u.UserID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, count)
	}
}

func TestAdminService_SetGlobalLimitValidation(t *testing.T) {
	f := setupAdminFixture(t, 2)
	ctx := context.Background()

	for _, invalid := range []int{0, 11} {
		update, err := f.admin.SetGlobalLimit(ctx, f.actor, invalid)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValueOutOfRange))
		assert.False(t, update.Accepted)
		assert.Equal(t, 2, f.policy.Get())
	}

	update, err := f.admin.SetGlobalLimit(ctx, f.actor, 5)
	require.NoError(t, err)
	assert.True(t, update.Accepted)
	assert.Nil(t, update.Reset, "an increase triggers no scan")
	assert.Equal(t, 5, f.policy.Get())
	assert.Equal(t, []string{"device.limit.set"}, f.auditor.actions())
}

func TestAdminService_CascadeCancelled(t *testing.T) {
	f := setupAdminFixture(t, 3)
	u := f.newUser(t, "student")
	for _, ip := range []string{"1", "2", "3"} {
		f.register(t, u, ip)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	update, err := f.admin.SetGlobalLimit(ctx, f.actor, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, update.Accepted)
	assert.Equal(t, 0, update.Reset.UsersAffected)
}

func TestAdminService_ManualResetScenario(t *testing.T) {
	f := setupAdminFixture(t, 2)
	ctx := context.Background()
	u := f.newUser(t, "student")
	f.register(t, u, "A")
	f.register(t, u, "B")

	n, err := f.admin.ResetUser(ctx, f.actor, u.UserID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	devices, _, err := f.admin.ListForUser(ctx, u.UserID, Pagination{})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, d := range devices {
		assert.False(t, d.IsActive)
		assert.Equal(t, ManualResetReason, d.DeactivationReason)
	}

	res := f.register(t, u, "D")
	assert.True(t, res.IsNewDevice)
	assert.Equal(t, 1, *res.RemainingSlots)

	_, err = f.admin.ResetUser(ctx, f.actor, uuid.Nil, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	assert.Contains(t, f.auditor.actions(), "device.user.reset")
}

func TestAdminService_RemoveDevice(t *testing.T) {
	f := setupAdminFixture(t, 2)
	ctx := context.Background()
	u := f.newUser(t, "student")
	res := f.register(t, u, "A")

	removed, err := f.admin.RemoveDevice(ctx, f.actor, res.Device.ID)
	require.NoError(t, err)
	assert.False(t, removed.IsActive)
	assert.Equal(t, RemovedByAdminReason, removed.DeactivationReason)

	_, err = f.admin.RemoveDevice(ctx, f.actor, uuid.New())
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	actions := f.auditor.actions()
	assert.Equal(t, []string{"device.remove", "device.remove"}, actions)
	assert.Equal(t, "failure", f.auditor.events[1].Outcome)
}

func TestAdminService_ListUsage(t *testing.T) {
	f := setupAdminFixture(t, 3)
	ctx := context.Background()

	over := f.newUser(t, "student")
	under := f.newUser(t, "student")
	super := f.newUser(t, "superadmin")
	for _, ip := range []string{"1", "2", "3"} {
		f.register(t, over, ip)
		f.register(t, super, ip)
	}
	f.register(t, under, "1")
	// lower the cap without cascading to leave a user over the limit
	_, err := f.policy.Set(ctx, 2, nil)
	require.NoError(t, err)

	all, err := f.admin.ListUsage(ctx, UsageFilter{Status: UsageAll}, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 2, all.CurrentLimit)

	overPage, err := f.admin.ListUsage(ctx, UsageFilter{Status: UsageOverLimit}, Pagination{})
	require.NoError(t, err)
	require.Len(t, overPage.Users, 1)
	assert.Equal(t, over.UserID, overPage.Users[0].UserID)
	assert.Equal(t, over.Email, overPage.Users[0].Email)
	assert.True(t, overPage.Users[0].OverLimit)

	underPage, err := f.admin.ListUsage(ctx, UsageFilter{Status: UsageUnderLimit}, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, underPage.Total)
	for _, row := range underPage.Users {
		if row.UserID == super.UserID {
			assert.True(t, row.IsUnlimited, "unlimited users always count as under")
			assert.Equal(t, 3, row.ActiveDevices)
		}
	}

	paged, err := f.admin.ListUsage(ctx, UsageFilter{}, Pagination{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Total)
	assert.Len(t, paged.Users, 1)
}

func TestAdminService_StatsAfterCascade(t *testing.T) {
	f := setupAdminFixture(t, 2)
	ctx := context.Background()
	u := f.newUser(t, "student")
	f.register(t, u, "A")
	f.register(t, u, "B")

	_, err := f.policy.Set(ctx, 1, nil)
	require.NoError(t, err)
	stats, err := f.admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UsersOverLimit)
	_, err = f.policy.Set(ctx, 2, nil)
	require.NoError(t, err)

	_, err = f.admin.SetGlobalLimit(ctx, f.actor, 1)
	require.NoError(t, err)

	// Scenario: after the cascade nobody is over the limit
	stats, err = f.admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UsersOverLimit)
	assert.Equal(t, 2, stats.TotalDevices)
	assert.Equal(t, 0, stats.ActiveDevices)
	assert.Equal(t, 2, stats.InactiveDevices)
	assert.Equal(t, 1, stats.CurrentLimit)
}

func TestAdminService_UnknownUsersTreatedAsRestricted(t *testing.T) {
	f := setupAdminFixture(t, 3)
	ctx := context.Background()
	ghost := client.AuthUser{UserID: uuid.New(), Role: "student"}
	for _, ip := range []string{"1", "2", "3"} {
		f.register(t, ghost, ip)
	}

	update, err := f.admin.SetGlobalLimit(ctx, f.actor, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, update.Reset.UsersAffected)
}

func TestParseUsageStatus(t *testing.T) {
	for in, want := range map[string]UsageStatus{"": UsageAll, "all": UsageAll, "overLimit": UsageOverLimit, "underLimit": UsageUnderLimit} {
		got, err := ParseUsageStatus(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseUsageStatus("sideways")
	assert.Error(t, err)
}
