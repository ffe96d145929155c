// Package bootstrap creates the first administrator account on startup.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/user"
)

// AdminBootstrapConfig contains configuration for bootstrapping the admin user
type AdminBootstrapConfig struct {
	// Admin user credentials (from ADMIN_EMAIL, ADMIN_PASSWORD)
	AdminEmail    string
	AdminPassword string
	AdminRole     string

	UserService *user.UserService
}

// AdminBootstrapResult contains the result of admin bootstrap operation
type AdminBootstrapResult struct {
	UserID      uuid.UUID
	Email       string
	Role        string
	Password    string // Only populated if auto-generated
	UserCreated bool   // false when the account already existed

	PasswordFromEnv bool
}

// BootstrapAdminUser creates the admin account unless one with the same
// email exists. An empty password is replaced by a generated one.
func BootstrapAdminUser(ctx context.Context, cfg AdminBootstrapConfig) (*AdminBootstrapResult, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid bootstrap configuration: %w", err)
	}

	password := cfg.AdminPassword
	if password == "" {
		generated, err := generatePassword()
		if err != nil {
			return nil, err
		}
		password = generated
	}

	u, err := cfg.UserService.CreateUser(ctx, user.CreateUserParams{
		Email:       cfg.AdminEmail,
		DisplayName: "Administrator",
		Role:        cfg.AdminRole,
		Password:    password,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeUserAlreadyExists) {
			slog.Info("Admin user already exists - skipping admin bootstrap", "email", cfg.AdminEmail)
			return &AdminBootstrapResult{Email: cfg.AdminEmail, Role: cfg.AdminRole}, nil
		}
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}

	result := &AdminBootstrapResult{
		UserID:          u.ID,
		Email:           u.Email,
		Role:            u.Role,
		UserCreated:     true,
		PasswordFromEnv: cfg.AdminPassword != "",
	}
	if !result.PasswordFromEnv {
		result.Password = password
	}
	slog.Info("Admin user created", "email", u.Email, "user_id", u.ID, "role", u.Role)
	return result, nil
}

func validateConfig(cfg AdminBootstrapConfig) error {
	if cfg.AdminEmail == "" {
		return fmt.Errorf("admin email is required")
	}
	if cfg.AdminRole == "" {
		return fmt.Errorf("admin role is required")
	}
	if cfg.UserService == nil {
		return fmt.Errorf("UserService is required")
	}
	return nil
}

func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate admin password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
