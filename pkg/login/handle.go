package login

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/learnhub/devicegate/pkg/device"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
	"github.com/learnhub/devicegate/pkg/tokengenerator"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/learnhub/devicegate/pkg/utils"
)

type LoginRequestBody struct {
	Email            string         `json:"email" validate:"required,email"`
	Password         string         `json:"password" validate:"required"`
	Platform         string         `json:"platform"`
	ScreenResolution string         `json:"screenResolution"`
	Timezone         string         `json:"timezone"`
	AdditionalInfo   map[string]any `json:"additionalInfo,omitempty"`
}

type SignupRequestBody struct {
	Email            string         `json:"email" validate:"required,email"`
	DisplayName      string         `json:"displayName" validate:"max=100"`
	Password         string         `json:"password" validate:"required,min=8"`
	Platform         string         `json:"platform"`
	ScreenResolution string         `json:"screenResolution"`
	Timezone         string         `json:"timezone"`
	AdditionalInfo   map[string]any `json:"additionalInfo,omitempty"`
}

type DeviceStatus struct {
	ID             string `json:"id,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	IsNewDevice    bool   `json:"isNewDevice"`
	RemainingSlots *int   `json:"remainingSlots,omitempty"`
	IsUnlimited    bool   `json:"isUnlimited,omitempty"`
}

type Response struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	User        user.User    `json:"user"`
	Device      DeviceStatus `json:"device"`
}

type Handle struct {
	service *Service
	cookies tokengenerator.CookieSetter
}

func NewHandle(service *Service, cookies tokengenerator.CookieSetter) Handle {
	return Handle{
		service: service,
		cookies: cookies,
	}
}

func hintsFrom(r *http.Request, platform, screen, timezone string, extra map[string]any) device.ClientHints {
	h := device.ClientHintsFromHeaders(r)
	if platform != "" {
		h.Platform = platform
	}
	if screen != "" {
		h.ScreenResolution = screen
	}
	if timezone != "" {
		h.Timezone = timezone
	}
	h.Extra = extra
	return h
}

// PostLogin handles POST /login
func (h Handle) PostLogin(w http.ResponseWriter, r *http.Request) {
	var body LoginRequestBody
	if err := utils.DecodeJSON(r, &body, false); err != nil {
		apperrors.Render(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), LoginRequest{
		Email:    body.Email,
		Password: body.Password,
		Request:  device.RequestContextFromHTTP(r),
		Hints:    hintsFrom(r, body.Platform, body.ScreenResolution, body.Timezone, body.AdditionalInfo),
	})
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, result)
}

// PostSignup handles POST /signup
func (h Handle) PostSignup(w http.ResponseWriter, r *http.Request) {
	var body SignupRequestBody
	if err := utils.DecodeJSON(r, &body, false); err != nil {
		apperrors.Render(w, r, err)
		return
	}

	result, err := h.service.Signup(r.Context(), SignupRequest{
		Email:       body.Email,
		DisplayName: body.DisplayName,
		Password:    body.Password,
		Request:     device.RequestContextFromHTTP(r),
		Hints:       hintsFrom(r, body.Platform, body.ScreenResolution, body.Timezone, body.AdditionalInfo),
	})
	if err != nil {
		apperrors.Render(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, result)
}

func (h Handle) respond(w http.ResponseWriter, r *http.Request, status int, result Result) {
	if h.cookies != nil {
		if err := tokengenerator.SetAccessTokenCookie(h.cookies, w, result.AccessToken, result.ExpiresAt); err != nil {
			apperrors.Render(w, r, apperrors.InternalWrap(err, "failed to set cookie"))
			return
		}
	}

	resp := Response{
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
		User:        result.User,
		Device: DeviceStatus{
			IsNewDevice:    result.Device.IsNewDevice,
			RemainingSlots: result.Device.RemainingSlots,
			IsUnlimited:    result.Device.IsUnlimited,
		},
	}
	if d := result.Device.Device; d != nil {
		resp.Device.ID = d.ID.String()
		resp.Device.DisplayName = d.DisplayName
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// Routes returns the unauthenticated login routes
func Routes(h Handle) http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.PostLogin)
	r.Post("/signup", h.PostSignup)
	return r
}
