package bootstrap

import (
	"bytes"
	"context"
	"testing"

	"github.com/learnhub/devicegate/pkg/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapAdminUser_GeneratesPassword(t *testing.T) {
	ctx := context.Background()
	users := user.NewUserService(user.NewInMemUserRepository())

	result, err := BootstrapAdminUser(ctx, AdminBootstrapConfig{
		AdminEmail:  "root@example.com",
		AdminRole:   "superadmin",
		UserService: users,
	})
	require.NoError(t, err)
	require.True(t, result.UserCreated)
	assert.Equal(t, "superadmin", result.Role)
	assert.Len(t, result.Password, 24)

	u, err := users.Authenticate(ctx, "root@example.com", result.Password)
	require.NoError(t, err)
	assert.Equal(t, result.UserID, u.ID)

	var out bytes.Buffer
	PrintBootstrapResult(&out, result)
	assert.Contains(t, out.String(), result.Password)

	// second run is a no-op
	again, err := BootstrapAdminUser(ctx, AdminBootstrapConfig{
		AdminEmail:  "ROOT@example.com",
		AdminRole:   "superadmin",
		UserService: users,
	})
	require.NoError(t, err)
	assert.False(t, again.UserCreated)

	out.Reset()
	PrintBootstrapResult(&out, again)
	assert.Empty(t, out.String())
}

func TestBootstrapAdminUser_PasswordFromEnv(t *testing.T) {
	users := user.NewUserService(user.NewInMemUserRepository())

	result, err := BootstrapAdminUser(context.Background(), AdminBootstrapConfig{
		AdminEmail:    "ops@example.com",
		AdminPassword: "correct horse",
		AdminRole:     "admin",
		UserService:   users,
	})
	require.NoError(t, err)
	assert.True(t, result.PasswordFromEnv)
	assert.Empty(t, result.Password)

	var out bytes.Buffer
	PrintBootstrapResult(&out, result)
	assert.NotContains(t, out.String(), "correct horse")
}

func TestBootstrapAdminUser_InvalidConfig(t *testing.T) {
	_, err := BootstrapAdminUser(context.Background(), AdminBootstrapConfig{AdminRole: "superadmin"})
	assert.ErrorContains(t, err, "admin email is required")
}
