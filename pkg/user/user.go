// Package user is the minimal user collaborator: lookup by id and email,
// creation with a bcrypt password hash. General user management lives elsewhere.
package user

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

const DefaultRole = "student"

var (
	ErrUserNotFound      = apperrors.New(apperrors.ErrCodeUserNotFound, "user not found")
	ErrUserAlreadyExists = apperrors.New(apperrors.ErrCodeUserAlreadyExists, "user already exists")
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Lookup is what the device services need from the user store
type Lookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
}

// Repository stores users. Emails are unique and compared case-insensitively.
type Repository interface {
	Lookup
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, user User) (User, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
