package config

import "time"

// Config is the console's configuration surface. Values come from
// environment variables, layered over an optional YAML file pointed at by
// CONSOLE_CONFIG (env wins).
type Config interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string

	// Identity service
	GetIdentityURL() string
	GetDefaultDomain() string   // domain name used for authentication requests
	GetDefaultDomainID() string // domain id owning created identities and scopes
	GetDefaultScope() string    // fallback scope name for logins

	// Authorization
	GetAdminName() string
	GetMemberRole() string

	// Self-registration bootstrap identity
	GetBootstrapUser() string
	GetBootstrapPassword() string
	GetBootstrapScope() string

	// Session persistence and cache refresh
	GetSessionFile() string
	GetRefreshInterval() time.Duration
}

type mainConfig struct {
	EnvVars
}

// New loads the configuration.
func New() Config {
	return mainConfig{EnvVars: newEnvVars()}
}
