package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

// tokenClaims is the subset of JWT claims the services rely on
type tokenClaims struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// AuthUser is the normalized identity of an authenticated caller. It is built
// once by AuthUserMiddleware and passed by value to the services below it.
type AuthUser struct {
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
}

func (u AuthUser) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user", u.UserID.String()),
		slog.String("role", u.Role),
	)
}

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "devicegate context value " + k.name
}

const (
	ACCESS_TOKEN_NAME = "access_token"
)

var (
	AuthUserKey = &contextKey{"AuthUser"}
)

// NewContext returns a copy of ctx carrying the authenticated user
func NewContext(ctx context.Context, user AuthUser) context.Context {
	return context.WithValue(ctx, AuthUserKey, &user)
}

// FromContext returns the authenticated user stored by AuthUserMiddleware
func FromContext(ctx context.Context) (AuthUser, bool) {
	user, ok := ctx.Value(AuthUserKey).(*AuthUser)
	if !ok || user == nil {
		return AuthUser{}, false
	}
	return *user, true
}

func LoadFromMap[T any](m map[string]interface{}, c *T) error {
	data, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(data, c)
	}
	return err
}

// ParseClaims converts verified JWT claims into an AuthUser
func ParseClaims(claims map[string]interface{}) (AuthUser, error) {
	var tc tokenClaims
	if err := LoadFromMap(claims, &tc); err != nil {
		return AuthUser{}, fmt.Errorf("invalid token claims: %w", err)
	}
	if tc.UserID == "" {
		return AuthUser{}, fmt.Errorf("missing user ID in token")
	}
	userID, err := uuid.Parse(tc.UserID)
	if err != nil {
		return AuthUser{}, fmt.Errorf("invalid user ID in token: %w", err)
	}
	return AuthUser{
		UserID:      userID,
		Role:        tc.Role,
		Email:       tc.Email,
		DisplayName: tc.DisplayName,
	}, nil
}

// AuthUserMiddleware turns the claims verified by jwtauth into an AuthUser
// stored on the request context. Requests without valid claims get a 401.
func AuthUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("missing or invalid JWT: %v", err), http.StatusUnauthorized)
			return
		}
		if claims == nil {
			http.Error(w, "missing JWT claims", http.StatusUnauthorized)
			return
		}

		authUser, err := ParseClaims(claims)
		if err != nil {
			slog.Warn("rejecting token", "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		slog.Debug("authenticated user", "user", authUser)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), authUser)))
	})
}

// Verifier looks for the token in the Authorization header first, then the access_token cookie
func Verifier(ja *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return jwtauth.Verify(ja, jwtauth.TokenFromHeader, TokenFromCookie)(next)
	}
}

func TokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(ACCESS_TOKEN_NAME)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// HasAnyRole reports whether the user's role is one of roles (case-insensitive)
func HasAnyRole(user AuthUser, roles ...string) bool {
	for _, role := range roles {
		if strings.EqualFold(user.Role, role) {
			return true
		}
	}
	return false
}
