package tokengenerator

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtTokenGenerator_RoundTrip(t *testing.T) {
	g := NewJwtTokenGenerator("secret", WithIssuer("devicegate"), WithExpiry(time.Hour))
	user := client.AuthUser{UserID: uuid.New(), Role: "student", Email: "a@example.com"}

	token, expiresAt, err := g.GenerateToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := g.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.UserID.String(), claims.UserID)
	assert.Equal(t, "student", claims.Role)
	assert.Equal(t, "devicegate", claims.Issuer)

	_, err = NewJwtTokenGenerator("other").ParseToken(token)
	assert.Error(t, err)
}

func TestJwtTokenGenerator_Expired(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	g := NewJwtTokenGenerator("secret", WithExpiry(time.Hour), WithClock(func() time.Time { return issued }))
	token, _, err := g.GenerateToken(client.AuthUser{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = NewJwtTokenGenerator("secret").ParseToken(token)
	assert.Error(t, err)
}

// tokens must be accepted by the middleware that guards the API
func TestJwtTokenGenerator_AcceptedByAuthMiddleware(t *testing.T) {
	g := NewJwtTokenGenerator("secret")
	user := client.AuthUser{UserID: uuid.New(), Role: "admin", Email: "admin@example.com"}
	token, expiresAt, err := g.GenerateToken(user)
	require.NoError(t, err)

	tokenAuth := jwtauth.New("HS256", []byte("secret"), nil)
	var got client.AuthUser
	h := client.Verifier(tokenAuth)(jwtauth.Authenticator(tokenAuth)(client.AuthUserMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = client.FromContext(r.Context())
		}))))

	// cookie path
	rec := httptest.NewRecorder()
	require.NoError(t, SetAccessTokenCookie(NewCookieSetter(true, false), rec, token, expiresAt))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, user.UserID, got.UserID)
	assert.Equal(t, "admin", got.Role)
}
