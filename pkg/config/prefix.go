package config

import (
	"fmt"
	"strings"
)

// PrefixConfig holds the API route prefixes.
//
//	API_PREFIX_BASE=/api/v1
//	API_PREFIX_AUTH=/api/v1/auth
//	API_PREFIX_DEVICE=/api/v1/devices
type PrefixConfig struct {
	Base   string `env:"API_PREFIX_BASE" env-default:"/api/v1"`
	Auth   string `env:"API_PREFIX_AUTH"`
	Device string `env:"API_PREFIX_DEVICE"`
}

// DefaultV1Prefixes returns the default v1 prefixes
func DefaultV1Prefixes() PrefixConfig {
	return BuildPrefixesFromBase("/api/v1")
}

// BuildPrefixesFromBase appends the route group segments to basePath
func BuildPrefixesFromBase(basePath string) PrefixConfig {
	basePath = strings.TrimSuffix(basePath, "/")
	return PrefixConfig{
		Base:   basePath,
		Auth:   basePath + "/auth",
		Device: basePath + "/devices",
	}
}

// Resolve fills unset prefixes from Base. Explicit prefixes win.
func (p PrefixConfig) Resolve() PrefixConfig {
	defaults := BuildPrefixesFromBase(p.Base)
	if p.Auth == "" {
		p.Auth = defaults.Auth
	}
	if p.Device == "" {
		p.Device = defaults.Device
	}
	p.Base = defaults.Base
	return p
}

// Validate checks that all prefix paths are valid (non-empty and start with /)
func (p PrefixConfig) Validate() error {
	for name, prefix := range map[string]string{"Auth": p.Auth, "Device": p.Device} {
		if prefix == "" {
			return fmt.Errorf("prefix configuration missing: %s", name)
		}
		if prefix[0] != '/' {
			return fmt.Errorf("prefix must start with '/': %s = %s", name, prefix)
		}
	}
	return nil
}
