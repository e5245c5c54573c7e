package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway holds all configuration for the gateway auth core.
type Gateway struct {
	// ListenAddress is where the built-in line-protocol adapter listens
	// when no external proxy framework is attached.
	ListenAddress string `yaml:"listen_address"`

	// Backends
	StagingBackend string `yaml:"staging_backend"`
	MainBackend    string `yaml:"main_backend"`

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Security
	Security SecurityConfig `yaml:"security"`

	// Identity verification authority
	Verifier VerifierConfig `yaml:"verifier"`

	// Admission queue
	Queue QueueConfig `yaml:"queue"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// SecurityConfig holds credential and session enforcement parameters.
type SecurityConfig struct {
	// EncryptionSecret is the secret the credential cipher key is derived from.
	EncryptionSecret  string `yaml:"encryption_secret"`
	MinPasswordLength int    `yaml:"min_password_length"`
	MaxPasswordLength int    `yaml:"max_password_length"`

	// AuthTimeoutSeconds is how long an unauthenticated connection may stay
	// before being disconnected. Zero or negative disables the timeout.
	AuthTimeoutSeconds int  `yaml:"auth_timeout_seconds"`
	ShowCountdown      bool `yaml:"show_countdown"`
}

// AuthTimeout returns the authentication deadline as a duration.
func (s SecurityConfig) AuthTimeout() time.Duration {
	return time.Duration(s.AuthTimeoutSeconds) * time.Second
}

// VerifierConfig holds parameters for the external identity authority.
type VerifierConfig struct {
	// URL is the profile endpoint; the claimed name is appended as a path segment.
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// HandshakeTimeoutSeconds bounds how long a handshake stays suspended
	// waiting for verification before falling back to the unverified path.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
}

// Timeout returns the per-request authority timeout.
func (v VerifierConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the overall handshake suspension deadline.
func (v VerifierConfig) HandshakeTimeout() time.Duration {
	return time.Duration(v.HandshakeTimeoutSeconds) * time.Second
}

// QueueConfig holds admission queue parameters.
type QueueConfig struct {
	TickSeconds  int `yaml:"tick_seconds"`
	AdmitPerTick int `yaml:"admit_per_tick"`

	// BypassPermission is the permission node exempting an identity from
	// queue position ordering.
	BypassPermission string `yaml:"bypass_permission"`
}

// TickInterval returns the queue processing interval.
func (q QueueConfig) TickInterval() time.Duration {
	return time.Duration(q.TickSeconds) * time.Second
}

// DefaultGateway returns Gateway config with sensible defaults.
func DefaultGateway() Gateway {
	return Gateway{
		ListenAddress:  "127.0.0.1:25577",
		StagingBackend: "auth",
		MainBackend:    "main",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "authgate",
			Password: "authgate",
			DBName:   "authgate",
			SSLMode:  "disable",
		},
		Security: SecurityConfig{
			EncryptionSecret:   "change-me",
			MinPasswordLength:  6,
			MaxPasswordLength:  32,
			AuthTimeoutSeconds: 60,
			ShowCountdown:      true,
		},
		Verifier: VerifierConfig{
			URL:                     "https://api.mojang.com/users/profiles/minecraft",
			TimeoutSeconds:          5,
			HandshakeTimeoutSeconds: 8,
		},
		Queue: QueueConfig{
			TickSeconds:      5,
			AdmitPerTick:     1,
			BypassPermission: "openmc.queue.bypass",
		},
	}
}

// LoadGateway loads gateway config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
