package tokengenerator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
)

const DefaultAccessTokenExpiry = 30 * time.Minute

// Claims are the access token claims read back by client.AuthUserMiddleware
type Claims struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// JwtTokenGenerator signs HS256 access tokens
type JwtTokenGenerator struct {
	Secret   string
	Issuer   string
	Audience string
	Expiry   time.Duration
	now      func() time.Time
}

type Option func(*JwtTokenGenerator)

func WithIssuer(issuer string) Option {
	return func(g *JwtTokenGenerator) {
		g.Issuer = issuer
	}
}

func WithAudience(audience string) Option {
	return func(g *JwtTokenGenerator) {
		g.Audience = audience
	}
}

func WithExpiry(expiry time.Duration) Option {
	return func(g *JwtTokenGenerator) {
		if expiry > 0 {
			g.Expiry = expiry
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *JwtTokenGenerator) {
		g.now = now
	}
}

func NewJwtTokenGenerator(secret string, opts ...Option) *JwtTokenGenerator {
	g := &JwtTokenGenerator{
		Secret: secret,
		Expiry: DefaultAccessTokenExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateToken creates an access token for user and returns it with its expiry
func (g *JwtTokenGenerator) GenerateToken(user client.AuthUser) (string, time.Time, error) {
	now := g.now().UTC()
	claims := Claims{
		UserID:      user.UserID.String(),
		Role:        user.Role,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Minute)),
			Issuer:    g.Issuer,
			Subject:   user.UserID.String(),
			ID:        uuid.New().String(),
		},
	}
	if g.Audience != "" {
		claims.Audience = jwt.ClaimStrings{g.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(g.Secret))
	if err != nil {
		slog.Error("Failed to sign JWT", "err", err)
		return "", time.Time{}, err
	}
	return ss, claims.ExpiresAt.Time, nil
}

// ParseToken validates tokenStr and returns its claims
func (g *JwtTokenGenerator) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(g.Secret), nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
