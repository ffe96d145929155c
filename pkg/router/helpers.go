package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnhub/devicegate/pkg/audit"
	pkgconfig "github.com/learnhub/devicegate/pkg/config"
	"github.com/learnhub/devicegate/pkg/device"
	deviceapi "github.com/learnhub/devicegate/pkg/device/api"
	"github.com/learnhub/devicegate/pkg/devicelimit"
	"github.com/learnhub/devicegate/pkg/login"
	"github.com/learnhub/devicegate/pkg/ratelimit"
	"github.com/learnhub/devicegate/pkg/tokengenerator"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/redis/go-redis/v9"
)

// Dependencies are the external connections a deployment may supply.
// Pool is required for postgres persistence and Redis for the redis limit store.
type Dependencies struct {
	Pool   *pgxpool.Pool
	Redis  redis.UniversalClient
	Logger *slog.Logger
	Clock  func() time.Time
}

// Services is the wired service graph behind the routes
type Services struct {
	Users   *user.UserService
	Devices device.DeviceRepository
	Policy  *devicelimit.Policy
	Authz   *device.AuthorizationService
	Admin   *device.AdminService
	Tokens  *tokengenerator.JwtTokenGenerator
	Audit   audit.Recorder

	// RateLimit throttles the credential endpoints. Nil when disabled.
	RateLimit *ratelimit.Middleware
}

// NewServices builds every service from cfg
func NewServices(ctx context.Context, cfg pkgconfig.AppConfig, deps Dependencies) (*Services, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var userRepo user.Repository
	var repoConfig device.RepositoryConfig
	switch cfg.Device.PersistenceType {
	case "postgres", "postgresql":
		if deps.Pool == nil {
			return nil, fmt.Errorf("postgres persistence requires a database pool")
		}
		userRepo = user.NewPostgresUserRepository(deps.Pool)
		repoConfig.DB = deps.Pool
	default:
		userRepo = user.NewInMemUserRepository()
		repoConfig.DataDir = cfg.Device.DataDir
	}
	if deps.Clock != nil {
		opts := device.DefaultDeviceRepositoryOptions()
		opts.Clock = deps.Clock
		repoConfig.Options = &opts
	}
	devices, err := device.NewDeviceRepository(cfg.Device.PersistenceType, repoConfig)
	if err != nil {
		return nil, fmt.Errorf("device repository: %w", err)
	}

	var store devicelimit.Store
	switch cfg.Device.LimitStore {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis limit store requires a redis client")
		}
		store = devicelimit.NewRedisStore(deps.Redis, cfg.Redis.Key)
	default:
		store = devicelimit.NewMemoryStore()
	}
	policyOpts := []devicelimit.Option{devicelimit.WithDefaultLimit(cfg.Device.DefaultLimit)}
	if deps.Clock != nil {
		policyOpts = append(policyOpts, devicelimit.WithClock(deps.Clock))
	}
	policy, err := devicelimit.NewPolicy(ctx, store, policyOpts...)
	if err != nil {
		return nil, fmt.Errorf("device limit policy: %w", err)
	}

	failure, err := device.ParseFailurePolicy(cfg.Device.OnInternalError)
	if err != nil {
		return nil, err
	}
	authz := device.NewAuthorizationService(devices, policy,
		device.WithUnlimitedRoles(cfg.Device.UnlimitedRoleList()...),
		device.WithFailurePolicy(failure),
	)

	recorder := audit.NewLogger(logger)
	users := user.NewUserService(userRepo)
	admin := device.NewAdminService(devices, policy, userRepo, authz,
		device.WithBatchSize(cfg.Device.ScanBatchSize),
		device.WithAuditRecorder(recorder),
	)

	expiry, err := cfg.JWT.ParseAccessTokenExpiry()
	if err != nil {
		return nil, fmt.Errorf("access token expiry: %w", err)
	}
	tokenOpts := []tokengenerator.Option{
		tokengenerator.WithIssuer(cfg.JWT.Issuer),
		tokengenerator.WithAudience(cfg.JWT.Audience),
		tokengenerator.WithExpiry(expiry),
	}
	if deps.Clock != nil {
		tokenOpts = append(tokenOpts, tokengenerator.WithClock(deps.Clock))
	}

	limiter, err := newRateLimit(cfg.RateLimit, deps)
	if err != nil {
		return nil, err
	}

	return &Services{
		RateLimit: limiter,
		Users:     users,
		Devices:   devices,
		Policy:    policy,
		Authz:     authz,
		Admin:     admin,
		Tokens:    tokengenerator.NewJwtTokenGenerator(cfg.JWT.Secret, tokenOpts...),
		Audit:     recorder,
	}, nil
}

// NewConfig wires the handlers for s into a route Config
func NewConfig(cfg pkgconfig.AppConfig, s *Services) Config {
	cookies := &tokengenerator.BaseCookieSetter{
		Path:     "/",
		HttpOnly: cfg.JWT.CookieHttpOnly,
		Secure:   cfg.JWT.CookieSecure,
		SameSite: cfg.JWT.CookieSameSite(),
	}

	var authRateLimit func(http.Handler) http.Handler
	if s.RateLimit != nil {
		authRateLimit = s.RateLimit.Handler
	}

	return Config{
		AuthRateLimit: authRateLimit,
		PrefixConfig:  cfg.Prefix,
		LoginHandle:   login.NewHandle(login.NewService(s.Users, s.Authz, s.Tokens), cookies),
		DeviceHandle:  deviceapi.NewDeviceHandler(s.Authz, s.Devices),
		AdminHandle:   deviceapi.NewAdminHandler(s.Admin),
		Authz:         s.Authz,
		TokenAuth:     jwtauth.New("HS256", []byte(cfg.JWT.Secret), nil),
		AdminRoles:    cfg.Device.AdminRoleList(),
		Audit:         s.Audit,
	}
}

func newRateLimit(cfg pkgconfig.RateLimitConfig, deps Dependencies) (*ratelimit.Middleware, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Store == "redis" {
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis rate limit store requires a redis client")
		}
		return ratelimit.NewSharedMiddleware(
			ratelimit.NewRedisLimiter(deps.Redis, "devicegate:auth-rate", cfg.PerMinute, time.Minute),
		), nil
	}
	rlCfg := ratelimit.PerMinute(cfg.Burst, cfg.PerMinute)
	rlCfg.Now = deps.Clock
	return ratelimit.NewMiddleware(rlCfg), nil
}
