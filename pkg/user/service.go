package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type UserService struct {
	repo Repository
}

func NewUserService(repo Repository) *UserService {
	return &UserService{
		repo: repo,
	}
}

type CreateUserParams struct {
	Email       string
	DisplayName string
	Role        string
	Password    string
}

// CreateUser hashes the password with bcrypt and stores the user. An empty
// role becomes DefaultRole.
func (s *UserService) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	email := normalizeEmail(params.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, apperrors.InvalidInput("email", "must be a valid email address")
	}
	if params.Password == "" {
		return User{}, apperrors.InvalidInput("password", "cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	role := params.Role
	if role == "" {
		role = DefaultRole
	}
	displayName := params.DisplayName
	if displayName == "" {
		displayName = strings.Split(email, "@")[0]
	}

	u, err := s.repo.Create(ctx, User{
		Email:        email,
		DisplayName:  displayName,
		Role:         role,
		PasswordHash: string(hash),
	})
	if err != nil {
		return User{}, err
	}
	slog.Info("User created", "userID", u.ID, "role", u.Role)
	return u, nil
}

func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.GetByID(ctx, id)
}

// Authenticate verifies email and password. Unknown emails and wrong
// passwords yield the same INVALID_CREDENTIALS error.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (User, error) {
	invalid := apperrors.New(apperrors.ErrCodeInvalidCredentials, "invalid email or password")

	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, invalid
		}
		return User{}, fmt.Errorf("failed to find user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return User{}, invalid
		}
		return User{}, fmt.Errorf("failed to verify password: %w", err)
	}
	return u, nil
}
