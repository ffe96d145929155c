package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/learnhub/devicegate/pkg/audit"
	"github.com/learnhub/devicegate/pkg/client"
	pkgconfig "github.com/learnhub/devicegate/pkg/config"
	"github.com/learnhub/devicegate/pkg/device"
	deviceapi "github.com/learnhub/devicegate/pkg/device/api"
	"github.com/learnhub/devicegate/pkg/login"
)

// Config holds all the dependencies and handlers needed to setup routes
type Config struct {
	// Prefix configuration for all routes
	PrefixConfig pkgconfig.PrefixConfig

	LoginHandle  login.Handle
	DeviceHandle *deviceapi.DeviceHandler
	AdminHandle  *deviceapi.AdminHandler

	// Authz backs the device gate on authenticated routes
	Authz *device.AuthorizationService

	// JWT authentication
	TokenAuth *jwtauth.JWTAuth

	// AdminRoles may call the device administration endpoints
	AdminRoles []string

	// Audit receives one event per admin request. Optional.
	Audit audit.Recorder

	// AuthRateLimit wraps the login and signup routes. Optional.
	AuthRateLimit func(http.Handler) http.Handler
}

// SetupRoutes mounts the auth and device routes on the provided router
func SetupRoutes(router chi.Router, cfg Config) {
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)

		SetupPublicRoutes(r, cfg)
		SetupAuthenticatedRoutes(r, cfg)
	})
}

// SetupPublicRoutes mounts only public routes (no authentication required)
func SetupPublicRoutes(router chi.Router, cfg Config) {
	if cfg.PrefixConfig.Auth == "" {
		return
	}
	routes := login.Routes(cfg.LoginHandle)
	if cfg.AuthRateLimit != nil {
		routes = cfg.AuthRateLimit(routes)
	}
	router.Mount(cfg.PrefixConfig.Auth, routes)
}

// SetupAuthenticatedRoutes mounts routes that require a valid access token
func SetupAuthenticatedRoutes(router chi.Router, cfg Config) {
	router.Group(func(r chi.Router) {
		r.Use(client.Verifier(cfg.TokenAuth))
		r.Use(jwtauth.Authenticator(cfg.TokenAuth))
		r.Use(client.AuthUserMiddleware)

		gate := deviceapi.Gate(cfg.Authz)

		r.With(gate).Get("/me", func(w http.ResponseWriter, r *http.Request) {
			user, ok := client.FromContext(r.Context())
			if !ok {
				slog.Error("Failed getting me", "err", "no user in context")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			render.JSON(w, r, user)
		})

		adminRoles := cfg.AdminRoles
		if len(adminRoles) == 0 {
			adminRoles = pkgconfig.ParseAdminRoleNames("")
		}
		adminOnly := []func(http.Handler) http.Handler{client.RequireRole(adminRoles...)}
		if cfg.Audit != nil {
			adminOnly = append(adminOnly, audit.NewMiddleware(cfg.Audit).AuditAuthMiddleware)
		}

		r.Mount(cfg.PrefixConfig.Device, deviceapi.Handler(
			cfg.DeviceHandle,
			cfg.AdminHandle,
			gate,
			adminOnly...,
		))
	})
}
