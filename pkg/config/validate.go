// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Upload.SessionStore == "redis" && strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if strings.TrimSpace(c.Drive.ClientID) == "" {
		missing = append(missing, "DRIVE_CLIENT_ID")
	}
	if strings.TrimSpace(c.Drive.ClientSecret) == "" {
		missing = append(missing, "DRIVE_CLIENT_SECRET")
	}
	if strings.TrimSpace(c.Drive.RefreshToken) == "" {
		missing = append(missing, "DRIVE_REFRESH_TOKEN")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Upload.SessionStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("UPLOAD_SESSION_STORE must be memory or redis, got %q", c.Upload.SessionStore)
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("UPLOAD_SESSION_TTL must be positive")
	}

	return nil
}
