package login

import (
	"context"
	"testing"

	"github.com/learnhub/devicegate/pkg/device"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/tokengenerator"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLimit int

func (l fixedLimit) Get() int { return int(l) }

func setupLoginService(t *testing.T, limit int) (*Service, *user.UserService, *device.InMemDeviceRepository) {
	t.Helper()
	users := user.NewUserService(user.NewInMemUserRepository())
	repo := device.NewInMemDeviceRepository()
	authz := device.NewAuthorizationService(repo, fixedLimit(limit))
	return NewService(users, authz, tokengenerator.NewJwtTokenGenerator("test-secret")), users, repo
}

func createUser(t *testing.T, users *user.UserService, email, role string) user.User {
	t.Helper()
	u, err := users.CreateUser(context.Background(), user.CreateUserParams{
		Email:    email,
		Role:     role,
		Password: "correct horse",
	})
	require.NoError(t, err)
	return u
}

func requestFrom(ip string) device.RequestContext {
	return device.RequestContext{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		IP:        ip,
	}
}

func TestService_Login(t *testing.T) {
	svc, users, _ := setupLoginService(t, 2)
	ctx := context.Background()
	u := createUser(t, users, "learner@example.com", "")

	result, err := svc.Login(ctx, LoginRequest{Email: "Learner@Example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")})
	require.NoError(t, err)
	assert.Equal(t, u.ID, result.User.ID)
	assert.NotEmpty(t, result.AccessToken)
	assert.True(t, result.Device.IsNewDevice)
	assert.Equal(t, "Linux Desktop (Firefox)", result.Device.Device.DisplayName)

	again, err := svc.Login(ctx, LoginRequest{Email: "learner@example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")})
	require.NoError(t, err)
	assert.False(t, again.Device.IsNewDevice)
	assert.Equal(t, 2, again.Device.Device.LoginCount)
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc, users, repo := setupLoginService(t, 2)
	ctx := context.Background()
	u := createUser(t, users, "learner@example.com", "")

	for _, req := range []LoginRequest{
		{Email: "learner@example.com", Password: "wrong", Request: requestFrom("10.0.0.1")},
		{Email: "nobody@example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")},
	} {
		_, err := svc.Login(ctx, req)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidCredentials))
	}

	count, err := repo.CountActive(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "failed logins register nothing")
}

func TestService_LoginDeniedAtDeviceLimit(t *testing.T) {
	svc, users, _ := setupLoginService(t, 1)
	ctx := context.Background()
	createUser(t, users, "learner@example.com", "")

	_, err := svc.Login(ctx, LoginRequest{Email: "learner@example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")})
	require.NoError(t, err)

	result, err := svc.Login(ctx, LoginRequest{Email: "learner@example.com", Password: "correct horse", Request: requestFrom("10.0.0.2")})
	assert.True(t, device.IsDeviceLimitExceeded(err))
	assert.Empty(t, result.AccessToken)
	assert.Equal(t, 1, apperrors.GetDetails(err)["limit"])
}

func TestService_LoginUnlimitedRole(t *testing.T) {
	svc, users, _ := setupLoginService(t, 1)
	ctx := context.Background()
	createUser(t, users, "root@example.com", "superadmin")

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		result, err := svc.Login(ctx, LoginRequest{Email: "root@example.com", Password: "correct horse", Request: requestFrom(ip)})
		require.NoError(t, err)
		assert.True(t, result.Device.IsUnlimited)
	}
}

func TestService_Signup(t *testing.T) {
	svc, _, repo := setupLoginService(t, 2)
	ctx := context.Background()

	result, err := svc.Signup(ctx, SignupRequest{Email: "new@example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")})
	require.NoError(t, err)
	assert.Equal(t, user.DefaultRole, result.User.Role)
	assert.True(t, result.Device.IsNewDevice)
	require.NotNil(t, result.Device.RemainingSlots)
	assert.Equal(t, 1, *result.Device.RemainingSlots)

	count, err := repo.CountActive(ctx, result.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = svc.Signup(ctx, SignupRequest{Email: "new@example.com", Password: "correct horse", Request: requestFrom("10.0.0.1")})
	assert.ErrorIs(t, err, user.ErrUserAlreadyExists)
}
