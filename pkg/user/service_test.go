package user

import (
	"context"
	"testing"

	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService_CreateUser(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(NewInMemUserRepository())

	u, err := svc.CreateUser(ctx, CreateUserParams{Email: " Alice@Example.com ", Password: "secret123"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "alice", u.DisplayName)
	assert.Equal(t, DefaultRole, u.Role)
	assert.NotEqual(t, "secret123", u.PasswordHash)

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.CreateUser(ctx, CreateUserParams{Email: "alice@example.com", Password: "other"})
	assert.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestUserService_CreateUserValidation(t *testing.T) {
	svc := NewUserService(NewInMemUserRepository())

	tests := []struct {
		name   string
		params CreateUserParams
	}{
		{"missing email", CreateUserParams{Password: "x"}},
		{"invalid email", CreateUserParams{Email: "nope", Password: "x"}},
		{"missing password", CreateUserParams{Email: "a@b.c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateUser(context.Background(), tt.params)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestUserService_Authenticate(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(NewInMemUserRepository())
	created, err := svc.CreateUser(ctx, CreateUserParams{Email: "bob@example.com", Password: "correct", Role: "admin"})
	require.NoError(t, err)

	u, err := svc.Authenticate(ctx, "BOB@example.com", "correct")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	assert.Equal(t, "admin", u.Role)

	_, err = svc.Authenticate(ctx, "bob@example.com", "wrong")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidCredentials))

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correct")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidCredentials))
}
