package login

import (
	"context"
	"log/slog"
	"time"

	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/device"
	"github.com/learnhub/devicegate/pkg/user"
)

// TokenIssuer signs access tokens for authenticated users
type TokenIssuer interface {
	GenerateToken(user client.AuthUser) (string, time.Time, error)
}

type Service struct {
	users  *user.UserService
	authz  *device.AuthorizationService
	tokens TokenIssuer
}

func NewService(users *user.UserService, authz *device.AuthorizationService, tokens TokenIssuer) *Service {
	return &Service{
		users:  users,
		authz:  authz,
		tokens: tokens,
	}
}

type LoginRequest struct {
	Email    string
	Password string
	Request  device.RequestContext
	Hints    device.ClientHints
}

type SignupRequest struct {
	Email       string
	DisplayName string
	Password    string
	Request     device.RequestContext
	Hints       device.ClientHints
}

// Result is a successful login or signup
type Result struct {
	User        user.User
	AccessToken string
	ExpiresAt   time.Time
	Device      device.Result
}

func authUser(u user.User) client.AuthUser {
	return client.AuthUser{
		UserID:      u.ID,
		Role:        u.Role,
		Email:       u.Email,
		DisplayName: u.DisplayName,
	}
}

// Login verifies credentials, then admits the device. A user at the device
// limit signing in from a new device is denied with DEVICE_LIMIT_EXCEEDED.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Result, error) {
	u, err := s.users.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return Result{}, err
	}

	au := authUser(u)
	deviceResult, err := s.authz.CheckAuthorization(ctx, au, req.Request, req.Hints, device.ModeLogin)
	if err != nil {
		if device.IsDeviceLimitExceeded(err) {
			slog.Info("Login denied by device limit", "userID", u.ID)
		}
		return Result{}, err
	}

	return s.issue(u, deviceResult)
}

// Signup creates a user with the default role and registers the signup device
func (s *Service) Signup(ctx context.Context, req SignupRequest) (Result, error) {
	u, err := s.users.CreateUser(ctx, user.CreateUserParams{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		return Result{}, err
	}

	deviceResult, err := s.authz.RegisterOrRefresh(ctx, authUser(u), req.Request, req.Hints)
	if err != nil {
		return Result{}, err
	}
	return s.issue(u, deviceResult)
}

func (s *Service) issue(u user.User, deviceResult device.Result) (Result, error) {
	token, expiresAt, err := s.tokens.GenerateToken(authUser(u))
	if err != nil {
		return Result{}, err
	}
	slog.Info("User signed in", "userID", u.ID, "newDevice", deviceResult.IsNewDevice)
	return Result{
		User:        u,
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Device:      deviceResult,
	}, nil
}
