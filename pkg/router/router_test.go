package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	pkgconfig "github.com/learnhub/devicegate/pkg/config"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"

func testAppConfig(t *testing.T) pkgconfig.AppConfig {
	t.Helper()
	cfg, err := pkgconfig.Load("")
	require.NoError(t, err)
	cfg.Device.PersistenceType = "memory"
	cfg.Device.DefaultLimit = 1
	cfg.JWT.Secret = "router-test-secret"
	return cfg
}

type testApp struct {
	router   *chi.Mux
	services *Services
}

func setupApp(t *testing.T, cfg pkgconfig.AppConfig, deps Dependencies) *testApp {
	t.Helper()
	services, err := NewServices(context.Background(), cfg, deps)
	require.NoError(t, err)

	r := chi.NewRouter()
	SetupRoutes(r, NewConfig(cfg, services))
	return &testApp{router: r, services: services}
}

func (a *testApp) do(t *testing.T, method, path, ip, token, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = ip + ":41000"
	req.Header.Set("User-Agent", firefoxUA)
	req.Header.Set("Accept-Language", "en-GB")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (a *testApp) login(t *testing.T, email, ip string) string {
	t.Helper()
	rec, body := a.do(t, http.MethodPost, "/api/v1/auth/login", ip, "", `{"email":"`+email+`","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return body["accessToken"].(string)
}

func TestSetupRoutes_SignupThenGatedAccess(t *testing.T) {
	app := setupApp(t, testAppConfig(t), Dependencies{})

	rec, body := app.do(t, http.MethodPost, "/api/v1/auth/signup", "10.1.0.1", "", `{"email":"ada@example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := body["accessToken"].(string)

	rec, body = app.do(t, http.MethodGet, "/me", "10.1.0.1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", body["email"])

	rec, body = app.do(t, http.MethodGet, "/api/v1/devices/mine", "10.1.0.1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	// the token is valid but this device was never registered
	rec, body = app.do(t, http.MethodGet, "/api/v1/devices/mine", "10.1.0.2", token, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEVICE_NOT_AUTHORIZED", body["code"])

	rec, body = app.do(t, http.MethodGet, "/me", "10.1.0.2", token, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEVICE_NOT_AUTHORIZED", body["code"])

	rec, _ = app.do(t, http.MethodGet, "/api/v1/devices/stats", "10.1.0.1", token, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSetupRoutes_Unauthenticated(t *testing.T) {
	app := setupApp(t, testAppConfig(t), Dependencies{})

	rec, _ := app.do(t, http.MethodGet, "/api/v1/devices/mine", "10.1.0.1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = app.do(t, http.MethodGet, "/me", "10.1.0.1", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetupRoutes_AdminLimitChangeThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testAppConfig(t)
	cfg.Device.DefaultLimit = 2
	cfg.Device.LimitStore = "redis"
	app := setupApp(t, cfg, Dependencies{Redis: rdb})

	ctx := context.Background()
	for _, p := range []user.CreateUserParams{
		{Email: "root@example.com", Role: "superadmin", Password: "correct horse"},
		{Email: "sam@example.com", Role: "student", Password: "correct horse"},
	} {
		_, err := app.services.Users.CreateUser(ctx, p)
		require.NoError(t, err)
	}

	app.login(t, "sam@example.com", "10.2.0.1")
	app.login(t, "sam@example.com", "10.2.0.2")
	rootToken := app.login(t, "root@example.com", "10.2.0.9")

	rec, body := app.do(t, http.MethodPut, "/api/v1/devices/limit", "10.2.0.9", rootToken, `{"newLimit":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["maxDevicesPerUser"])
	assert.Equal(t, float64(2), body["previousLimit"])

	stored, err := mr.Get(cfg.Redis.Key)
	require.NoError(t, err)
	assert.Contains(t, stored, `"maxDevicesPerUser":1`)

	// the cascade freed the student's devices so a fresh login succeeds
	app.login(t, "sam@example.com", "10.2.0.3")
	rec, _ = app.do(t, http.MethodPost, "/api/v1/auth/login", "10.2.0.4", "", `{"email":"sam@example.com","password":"correct horse"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNewServices_RequiresBackends(t *testing.T) {
	cfg := testAppConfig(t)

	cfg.Device.PersistenceType = "postgres"
	_, err := NewServices(context.Background(), cfg, Dependencies{})
	assert.ErrorContains(t, err, "database pool")

	cfg.Device.PersistenceType = "memory"
	cfg.Device.LimitStore = "redis"
	_, err = NewServices(context.Background(), cfg, Dependencies{})
	assert.ErrorContains(t, err, "redis client")
}

func TestNewServices_FilePersistence(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Device.PersistenceType = "file"
	cfg.Device.DataDir = t.TempDir()

	app := setupApp(t, cfg, Dependencies{})
	rec, _ := app.do(t, http.MethodPost, "/api/v1/auth/signup", "10.3.0.1", "", `{"email":"file@example.com","password":"correct horse"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSetupRoutes_AuthRateLimited(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.RateLimit.Burst = 1
	cfg.RateLimit.PerMinute = 1
	app := setupApp(t, cfg, Dependencies{})

	body := `{"email":"nobody@example.com","password":"wrong password"}`
	rec, _ := app.do(t, http.MethodPost, "/api/v1/auth/login", "10.4.0.1", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := app.do(t, http.MethodPost, "/api/v1/auth/login", "10.4.0.1", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", out["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// device routes are not throttled
	rec, _ = app.do(t, http.MethodGet, "/api/v1/devices/mine", "10.4.0.1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewServices_RedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testAppConfig(t)
	cfg.RateLimit.Store = "redis"
	cfg.RateLimit.PerMinute = 1
	app := setupApp(t, cfg, Dependencies{Redis: rdb})

	body := `{"email":"nobody@example.com","password":"wrong password"}`
	rec, _ := app.do(t, http.MethodPost, "/api/v1/auth/login", "10.5.0.1", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = app.do(t, http.MethodPost, "/api/v1/auth/login", "10.5.0.1", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.True(t, mr.Exists("devicegate:auth-rate:10.5.0.1"))

	cfg.RateLimit.Store = "redis"
	_, err := NewServices(context.Background(), cfg, Dependencies{})
	assert.ErrorContains(t, err, "redis client")
}
