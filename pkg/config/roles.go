package config

import "strings"

// ParseRoleList parses a comma-separated list of role names. Empty entries
// are dropped; an empty result falls back to defaults.
func ParseRoleList(envValue string, defaults ...string) []string {
	roles := make([]string, 0, 4)
	for _, part := range strings.Split(envValue, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	if len(roles) == 0 {
		return append([]string(nil), defaults...)
	}
	return roles
}

// ParseAdminRoleNames parses ADMIN_ROLES. Default roles if empty: ["admin", "superadmin"]
func ParseAdminRoleNames(envValue string) []string {
	return ParseRoleList(envValue, "admin", "superadmin")
}
