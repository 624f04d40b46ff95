package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ServiceAccount holds the push gateway service account credentials, parsed
// from the JSON blob issued by the messaging console.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Config holds all runtime configuration. It is built once at startup and
// passed by parameter; no other package reads environment variables.
type Config struct {
	DatabaseDSN     string
	ServiceAccount  ServiceAccount
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	AllowedOrigins  []string
	Port            string
}

// Load reads configuration from the environment and validates it. Any
// required variable that is missing or empty makes the whole load fail.
func Load() (*Config, error) {
	var missing []string
	require := func(key string) string {
		value, exists := os.LookupEnv(key)
		if !exists || value == "" {
			missing = append(missing, key)
		}
		return value
	}

	cfg := &Config{}

	// In production, use the platform-provided DATABASE_URL. In development,
	// build the DSN from individual connection parameters.
	if os.Getenv("GIN_MODE") == "release" {
		cfg.DatabaseDSN = require("DATABASE_URL")
	} else {
		host := require("DB_HOST")
		user := require("DB_USER")
		password := require("DB_PASSWORD")
		dbname := require("DB_NAME")
		port := require("DB_PORT")
		sslMode := os.Getenv("DB_SSL_MODE")
		if sslMode == "" {
			sslMode = "disable" // Default to disable for local development
		}

		cfg.DatabaseDSN = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC connect_timeout=10",
			host, user, password, dbname, port, sslMode)
	}

	serviceAccountBlob := require("FCM_SERVICE_ACCOUNT")
	cfg.VAPIDPublicKey = require("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = require("VAPID_PRIVATE_KEY")
	cfg.VAPIDSubject = require("VAPID_SUBJECT")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, strings.TrimSpace(origin))
		}
	} else {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	serviceAccount, err := ParseServiceAccount(serviceAccountBlob)
	if err != nil {
		return nil, err
	}
	cfg.ServiceAccount = serviceAccount

	return cfg, nil
}

// ParseServiceAccount decodes the service account JSON blob and rejects blobs
// missing any field the credential exchange needs, so a half-configured
// deployment fails at startup instead of at the token endpoint.
func ParseServiceAccount(blob string) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal([]byte(blob), &sa); err != nil {
		return sa, fmt.Errorf("invalid FCM_SERVICE_ACCOUNT JSON: %w", err)
	}

	var missing []string
	if sa.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if sa.ClientEmail == "" {
		missing = append(missing, "client_email")
	}
	if sa.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if sa.TokenURI == "" {
		missing = append(missing, "token_uri")
	}
	if len(missing) > 0 {
		return sa, fmt.Errorf("FCM_SERVICE_ACCOUNT missing fields: %s", strings.Join(missing, ", "))
	}

	return sa, nil
}
