package api

import (
	"log/slog"
	"net/http"

	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/device"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

// Gate returns middleware that rejects requests from devices that are not
// active for the signed-in user. It must run after client.AuthUserMiddleware.
// A rejection carries DEVICE_NOT_AUTHORIZED so clients know to sign in again.
func Gate(authz *device.AuthorizationService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := client.FromContext(r.Context())
			if !ok {
				apperrors.Render(w, r, apperrors.Unauthorized("authentication required"))
				return
			}

			result, err := authz.CheckAuthorization(r.Context(), user,
				device.RequestContextFromHTTP(r), device.ClientHintsFromHeaders(r), device.ModeGate)
			if err != nil {
				if apperrors.IsCode(err, apperrors.ErrCodeDeviceNotAuthorized) {
					slog.Debug("Device gate rejected request", "user", user, "path", r.URL.Path)
				}
				apperrors.Render(w, r, err)
				return
			}
			if result.Degraded {
				w.Header().Set("X-Device-Check", "degraded")
			}
			next.ServeHTTP(w, r)
		})
	}
}
