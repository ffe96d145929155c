package device

import (
	"fmt"
	"strings"
)

const (
	PlatformDesktop = "Desktop"
	PlatformMobile  = "Mobile"
	PlatformTablet  = "Tablet"

	unknown = "Unknown"
)

// UserAgentInfo is the descriptive result of parsing a User-Agent header
type UserAgentInfo struct {
	Browser  string `json:"browser"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
}

// ParseUserAgent classifies a User-Agent string by substring matching.
// Order matters: Edge UAs also contain "Chrome" and "Safari", Chrome UAs contain
// "Safari", Android UAs contain "Linux" and iOS UAs contain "Mac OS X".
func ParseUserAgent(userAgent string) UserAgentInfo {
	return UserAgentInfo{
		Browser:  parseBrowser(userAgent),
		OS:       parseOS(userAgent),
		Platform: parsePlatform(userAgent),
	}
}

// BuildDisplayName renders "<os> <platform> (<browser>)", e.g. "Windows Desktop (Chrome)"
func BuildDisplayName(info UserAgentInfo) string {
	os := orUnknown(info.OS)
	platform := info.Platform
	if platform == "" {
		platform = PlatformDesktop
	}
	return fmt.Sprintf("%s %s (%s)", os, platform, orUnknown(info.Browser))
}

func parseBrowser(ua string) string {
	switch {
	case contains(ua, "Edg"):
		return "Edge"
	case contains(ua, "Firefox"), contains(ua, "FxiOS"):
		return "Firefox"
	case contains(ua, "Chrome"), contains(ua, "CriOS"):
		return "Chrome"
	case contains(ua, "Safari"):
		return "Safari"
	default:
		return unknown
	}
}

func parseOS(ua string) string {
	switch {
	case contains(ua, "Windows"):
		return "Windows"
	case contains(ua, "Android"):
		return "Android"
	case contains(ua, "iPhone"), contains(ua, "iPad"), contains(ua, "iPod"):
		return "iOS"
	case contains(ua, "Macintosh"), contains(ua, "Mac OS X"):
		return "macOS"
	case contains(ua, "Linux"), contains(ua, "CrOS"):
		return "Linux"
	default:
		return unknown
	}
}

func parsePlatform(ua string) string {
	switch {
	case contains(ua, "iPad"), contains(ua, "Tablet"):
		return PlatformTablet
	case contains(ua, "Android") && !contains(ua, "Mobile"):
		return PlatformTablet
	case contains(ua, "Mobile"), contains(ua, "iPhone"), contains(ua, "iPod"):
		return PlatformMobile
	default:
		return PlatformDesktop
	}
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// contains is a helper function to check if a string contains a substring (case insensitive)
func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
