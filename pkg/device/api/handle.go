package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/device"
	"github.com/learnhub/devicegate/pkg/devicelimit"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/utils"
)

// DeviceResponse is the client view of a device record
type DeviceResponse struct {
	ID                 string      `json:"id"`
	Fingerprint        string      `json:"fingerprint"`
	DisplayName        string      `json:"displayName"`
	Info               device.Info `json:"deviceInfo"`
	IsActive           bool        `json:"isActive"`
	FirstSeenAt        time.Time   `json:"firstSeenAt"`
	LastActivityAt     time.Time   `json:"lastActivityAt"`
	LoginCount         int         `json:"loginCount"`
	DeactivatedAt      *time.Time  `json:"deactivatedAt,omitempty"`
	DeactivationReason string      `json:"deactivationReason,omitempty"`
}

// RegisterResponse is returned by POST /register
type RegisterResponse struct {
	Device         *DeviceResponse `json:"device,omitempty"`
	IsNewDevice    bool            `json:"isNewDevice"`
	RemainingSlots *int            `json:"remainingSlots,omitempty"`
	IsUnlimited    bool            `json:"isUnlimited,omitempty"`
}

type AuthorizationResponse struct {
	Device       *DeviceResponse `json:"device,omitempty"`
	IsAuthorized bool            `json:"isAuthorized"`
	IsUnlimited  bool            `json:"isUnlimited,omitempty"`
}

type DeviceListResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
}

type LimitResponse struct {
	MaxDevicesPerUser int                 `json:"maxDevicesPerUser"`
	LastLimitChange   *devicelimit.Change `json:"lastLimitChange,omitempty"`
}

// UpdateLimitRequest is the body of PUT /limit
type UpdateLimitRequest struct {
	NewLimit *int `json:"newLimit" validate:"required,min=1,max=10"`
}

type UpdateLimitResponse struct {
	MaxDevicesPerUser int                    `json:"maxDevicesPerUser"`
	PreviousLimit     int                    `json:"previousLimit"`
	ResetInfo         *devicelimit.ResetInfo `json:"resetInfo,omitempty"`
	LastLimitChange   *devicelimit.Change    `json:"lastLimitChange,omitempty"`
}

type ResetRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type ResetResponse struct {
	UserID             string `json:"userId"`
	DevicesDeactivated int    `json:"devicesDeactivated"`
	Reason             string `json:"reason"`
}

func toDeviceResponse(d *device.Device) *DeviceResponse {
	if d == nil {
		return nil
	}
	var resp DeviceResponse
	if err := copier.Copy(&resp, d); err != nil {
		slog.Error("Failed to map device", "deviceID", d.ID, "error", err)
	}
	resp.ID = d.ID.String()
	return &resp
}

func toDeviceResponses(devices []device.Device) []DeviceResponse {
	out := make([]DeviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, *toDeviceResponse(&devices[i]))
	}
	return out
}

func pagination(r *http.Request) (device.Pagination, error) {
	page, err := utils.QueryInt(r, "page", 1)
	if err != nil {
		return device.Pagination{}, err
	}
	limit, err := utils.QueryInt(r, "limit", device.DefaultPageSize)
	if err != nil {
		return device.Pagination{}, err
	}
	return device.Pagination{Page: page, Limit: limit}.Normalize(), nil
}

// DeviceHandler serves the device endpoints used by signed-in users
type DeviceHandler struct {
	authz *device.AuthorizationService
	repo  device.DeviceRepository
}

func NewDeviceHandler(authz *device.AuthorizationService, repo device.DeviceRepository) *DeviceHandler {
	return &DeviceHandler{authz: authz, repo: repo}
}

// hints reads client hints from headers, then lets the JSON body override them
func hints(r *http.Request) (device.ClientHints, error) {
	h := device.ClientHintsFromHeaders(r)
	var body device.ClientHints
	if err := utils.DecodeJSON(r, &body, true); err != nil {
		return device.ClientHints{}, err
	}
	if body.Platform != "" {
		h.Platform = body.Platform
	}
	if body.ScreenResolution != "" {
		h.ScreenResolution = body.ScreenResolution
	}
	if body.Timezone != "" {
		h.Timezone = body.Timezone
	}
	h.Extra = body.Extra
	return h, nil
}

// Register handles POST /register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, ok := client.FromContext(r.Context())
	if !ok {
		apperrors.Render(w, r, apperrors.Unauthorized("authentication required"))
		return
	}
	clientHints, err := hints(r)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	result, err := h.authz.RegisterOrRefresh(r.Context(), user, device.RequestContextFromHTTP(r), clientHints)
	if err != nil {
		if device.IsDeviceLimitExceeded(err) {
			slog.Info("Device registration rejected", "user", user, "limit", apperrors.GetDetails(err)["limit"])
		}
		apperrors.Render(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, RegisterResponse{
		Device:         toDeviceResponse(result.Device),
		IsNewDevice:    result.IsNewDevice,
		RemainingSlots: result.RemainingSlots,
		IsUnlimited:    result.IsUnlimited,
	})
}

// CheckAuthorization handles POST /check-authorization. It never registers.
func (h *DeviceHandler) CheckAuthorization(w http.ResponseWriter, r *http.Request) {
	user, ok := client.FromContext(r.Context())
	if !ok {
		apperrors.Render(w, r, apperrors.Unauthorized("authentication required"))
		return
	}
	clientHints, err := hints(r)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	result, err := h.authz.CheckAuthorization(r.Context(), user, device.RequestContextFromHTTP(r), clientHints, device.ModeGate)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, AuthorizationResponse{
		Device:       toDeviceResponse(result.Device),
		IsAuthorized: true,
		IsUnlimited:  result.IsUnlimited,
	})
}

// Mine handles GET /mine
func (h *DeviceHandler) Mine(w http.ResponseWriter, r *http.Request) {
	user, ok := client.FromContext(r.Context())
	if !ok {
		apperrors.Render(w, r, apperrors.Unauthorized("authentication required"))
		return
	}
	page, err := pagination(r)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	devices, total, err := h.repo.ListForUser(r.Context(), user.UserID, page)
	if err != nil {
		apperrors.Render(w, r, apperrors.InternalWrap(err, "failed to list devices"))
		return
	}
	render.JSON(w, r, DeviceListResponse{
		Devices: toDeviceResponses(devices),
		Total:   total,
		Page:    page.Page,
		Limit:   page.Limit,
	})
}

// AdminHandler serves the administrative device endpoints
type AdminHandler struct {
	admin *device.AdminService
}

func NewAdminHandler(admin *device.AdminService) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// GetLimit handles GET /limit
func (h *AdminHandler) GetLimit(w http.ResponseWriter, r *http.Request) {
	limit, change := h.admin.CurrentLimit()
	render.JSON(w, r, LimitResponse{MaxDevicesPerUser: limit, LastLimitChange: change})
}

// UpdateLimit handles PUT /limit
func (h *AdminHandler) UpdateLimit(w http.ResponseWriter, r *http.Request) {
	actor, _ := client.FromContext(r.Context())
	var req UpdateLimitRequest
	if err := utils.DecodeJSON(r, &req, false); err != nil {
		apperrors.Render(w, r, err)
		return
	}

	update, err := h.admin.SetGlobalLimit(r.Context(), actor, *req.NewLimit)
	if err != nil && !update.Accepted {
		apperrors.Render(w, r, err)
		return
	}
	if err != nil {
		// the limit changed even though the cascade did not finish
		slog.Error("Device limit cascade incomplete", "newLimit", *req.NewLimit, "error", err)
	}

	_, change := h.admin.CurrentLimit()
	render.JSON(w, r, UpdateLimitResponse{
		MaxDevicesPerUser: update.CurrentLimit,
		PreviousLimit:     update.PreviousLimit,
		ResetInfo:         update.Reset,
		LastLimitChange:   change,
	})
}

// ListUsers handles GET /users?deviceStatus=&page=&limit=
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	status, err := device.ParseUsageStatus(r.URL.Query().Get("deviceStatus"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	page, err := pagination(r)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	usage, err := h.admin.ListUsage(r.Context(), device.UsageFilter{Status: status}, page)
	if err != nil {
		apperrors.Render(w, r, apperrors.InternalWrap(err, "failed to list device usage"))
		return
	}
	render.JSON(w, r, usage)
}

// ListUserDevices handles GET /users/{userID}/devices
func (h *AdminHandler) ListUserDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.ParseUUID("userId", chi.URLParam(r, "userID"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	page, err := pagination(r)
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	devices, total, err := h.admin.ListForUser(r.Context(), userID, page)
	if err != nil {
		apperrors.Render(w, r, apperrors.InternalWrap(err, "failed to list devices"))
		return
	}
	render.JSON(w, r, DeviceListResponse{
		Devices: toDeviceResponses(devices),
		Total:   total,
		Page:    page.Page,
		Limit:   page.Limit,
	})
}

// ResetUser handles PUT /users/{userID}/reset with an optional reason
func (h *AdminHandler) ResetUser(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := utils.DecodeJSON(r, &req, true); err != nil {
		apperrors.Render(w, r, err)
		return
	}
	h.reset(w, r, req.Reason)
}

// ResetUserManual handles PUT /users/{userID}/reset-manual
func (h *AdminHandler) ResetUserManual(w http.ResponseWriter, r *http.Request) {
	h.reset(w, r, device.ManualResetReason)
}

func (h *AdminHandler) reset(w http.ResponseWriter, r *http.Request, reason string) {
	actor, _ := client.FromContext(r.Context())
	userID, err := utils.ParseUUID("userId", chi.URLParam(r, "userID"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	if reason == "" {
		reason = device.ManualResetReason
	}

	count, err := h.admin.ResetUser(r.Context(), actor, userID, reason)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrCodeInvalidInput) {
			err = apperrors.InternalWrap(err, "failed to reset devices")
		}
		apperrors.Render(w, r, err)
		return
	}
	render.JSON(w, r, ResetResponse{
		UserID:             userID.String(),
		DevicesDeactivated: count,
		Reason:             reason,
	})
}

// RemoveDevice handles DELETE /devices/{deviceID}
func (h *AdminHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	actor, _ := client.FromContext(r.Context())
	deviceID, err := utils.ParseUUID("deviceId", chi.URLParam(r, "deviceID"))
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}

	removed, err := h.admin.RemoveDevice(r.Context(), actor, deviceID)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrCodeDeviceNotFound) {
			err = apperrors.InternalWrap(err, "failed to remove device")
		}
		apperrors.Render(w, r, err)
		return
	}
	render.JSON(w, r, toDeviceResponse(&removed))
}

// Stats handles GET /stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.Stats(r.Context())
	if err != nil {
		apperrors.Render(w, r, apperrors.InternalWrap(err, "failed to load device stats"))
		return
	}
	render.JSON(w, r, report)
}

// Handler returns the device routes. register and check-authorization
// establish or verify the device themselves, every other route runs behind
// gate. adminOnly guards the administrative routes.
func Handler(h *DeviceHandler, admin *AdminHandler, gate func(http.Handler) http.Handler, adminOnly ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/check-authorization", h.CheckAuthorization)

	r.Group(func(r chi.Router) {
		r.Use(gate)
		r.Get("/mine", h.Mine)

		r.Group(func(r chi.Router) {
			r.Use(adminOnly...)
			r.Get("/limit", admin.GetLimit)
			r.Put("/limit", admin.UpdateLimit)
			r.Get("/users", admin.ListUsers)
			r.Get("/users/{userID}/devices", admin.ListUserDevices)
			r.Put("/users/{userID}/reset", admin.ResetUser)
			r.Put("/users/{userID}/reset-manual", admin.ResetUserManual)
			r.Delete("/devices/{deviceID}", admin.RemoveDevice)
			r.Get("/stats", admin.Stats)
		})
	})
	return r
}
