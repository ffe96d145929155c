package device

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const (
	HeaderPlatform         = "X-Device-Platform"
	HeaderScreenResolution = "X-Screen-Resolution"
	HeaderTimezone         = "X-Timezone"

	fingerprintSeparator = "|"
)

// RequestContext holds the request metadata that goes into a fingerprint
type RequestContext struct {
	UserAgent      string
	IP             string
	AcceptLanguage string
	AcceptEncoding string
}

// ClientHints are optional, client-supplied device attributes. Extra is stored
// with the device record but never affects the fingerprint.
type ClientHints struct {
	Platform         string         `json:"platform"`
	ScreenResolution string         `json:"screenResolution"`
	Timezone         string         `json:"timezone"`
	Extra            map[string]any `json:"additionalInfo,omitempty"`
}

// Derive creates a fingerprint for a device from the request metadata and client hints.
// The fingerprint is a hex encoded SHA-256 hash of
// User-Agent|IP|Accept-Language|Accept-Encoding|platform|screenResolution|timezone.
// Changing networks or upgrading the browser yields a new fingerprint.
func Derive(req RequestContext, hints ClientHints) string {
	combined := strings.Join([]string{
		req.UserAgent,
		req.IP,
		req.AcceptLanguage,
		req.AcceptEncoding,
		hints.Platform,
		hints.ScreenResolution,
		hints.Timezone,
	}, fingerprintSeparator)

	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// RequestContextFromHTTP extracts the fingerprint inputs from an HTTP request.
// The client IP is taken from RemoteAddr, so proxies must be handled by
// middleware.RealIP before this runs.
func RequestContextFromHTTP(r *http.Request) RequestContext {
	return RequestContext{
		UserAgent:      r.UserAgent(),
		IP:             clientIP(r.RemoteAddr),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// ClientHintsFromHeaders reads client hints sent as headers. Used by the
// per-request gate where requests usually have no body.
func ClientHintsFromHeaders(r *http.Request) ClientHints {
	return ClientHints{
		Platform:         r.Header.Get(HeaderPlatform),
		ScreenResolution: r.Header.Get(HeaderScreenResolution),
		Timezone:         r.Header.Get(HeaderTimezone),
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
