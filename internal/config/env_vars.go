package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFileEnvVar = "CONSOLE_CONFIG"

	defaultRefreshInterval = 30 * time.Second
)

// fileValues mirrors the optional YAML configuration file. Every field has
// an environment-variable override.
type fileValues struct {
	AppName           string `yaml:"app_name"`
	LogLevel          string `yaml:"log_level"`
	IdentityURL       string `yaml:"identity_url"`
	DefaultDomain     string `yaml:"default_domain"`
	DefaultDomainID   string `yaml:"default_domain_id"`
	DefaultScope      string `yaml:"default_scope"`
	AdminName         string `yaml:"admin_name"`
	MemberRole        string `yaml:"member_role"`
	BootstrapUser     string `yaml:"bootstrap_user"`
	BootstrapPassword string `yaml:"bootstrap_password"`
	BootstrapScope    string `yaml:"bootstrap_scope"`
	SessionFile       string `yaml:"session_file"`
	RefreshInterval   string `yaml:"refresh_interval"`
}

type EnvVars struct {
	file fileValues
}

var _ Config = EnvVars{}

func newEnvVars() EnvVars {
	e := EnvVars{}
	path := os.Getenv(configFileEnvVar)
	if path == "" {
		return e
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return e
	}
	// A malformed file is ignored rather than fatal; env vars and defaults
	// still apply.
	_ = yaml.Unmarshal(data, &e.file)
	return e
}

func (e EnvVars) GetAppName() string {
	return e.get("APP_NAME", e.file.AppName, "Cloud Console")
}

func (e EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func (e EnvVars) GetLogLevel() string {
	return e.get("LOG_LEVEL", e.file.LogLevel, "info")
}

func (e EnvVars) GetIdentityURL() string {
	return e.get("IDENTITY_URL", e.file.IdentityURL, "http://localhost:5000/v3")
}

func (e EnvVars) GetDefaultDomain() string {
	return e.get("DEFAULT_DOMAIN", e.file.DefaultDomain, "Default")
}

func (e EnvVars) GetDefaultDomainID() string {
	return e.get("DEFAULT_DOMAIN_ID", e.file.DefaultDomainID, "default")
}

func (e EnvVars) GetDefaultScope() string {
	return e.get("DEFAULT_SCOPE", e.file.DefaultScope, "admin")
}

func (e EnvVars) GetAdminName() string {
	return e.get("ADMIN_NAME", e.file.AdminName, "admin")
}

func (e EnvVars) GetMemberRole() string {
	return e.get("MEMBER_ROLE", e.file.MemberRole, "member")
}

func (e EnvVars) GetBootstrapUser() string {
	return e.get("BOOTSTRAP_USER", e.file.BootstrapUser, "")
}

func (e EnvVars) GetBootstrapPassword() string {
	return e.get("BOOTSTRAP_PASSWORD", e.file.BootstrapPassword, "")
}

func (e EnvVars) GetBootstrapScope() string {
	return e.get("BOOTSTRAP_SCOPE", e.file.BootstrapScope, "")
}

func (e EnvVars) GetSessionFile() string {
	if v := e.get("SESSION_FILE", e.file.SessionFile, ""); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cloud-console", "session.json")
	}
	return filepath.Join(home, ".cloud-console", "session.json")
}

func (e EnvVars) GetRefreshInterval() time.Duration {
	v := e.get("REFRESH_INTERVAL", e.file.RefreshInterval, "")
	if v == "" {
		return defaultRefreshInterval
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultRefreshInterval
	}
	return d
}

// get resolves env var > config file > default.
func (e EnvVars) get(envVar, fileValue, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}
