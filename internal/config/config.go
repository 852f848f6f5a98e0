// Package config provides hostbridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/hostbridge/pkg/endpoint"
	"github.com/morezero/hostbridge/pkg/transport"
)

const logPrefix = "config:LoadConfig"

// Config holds hostbridge configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL. Empty disables NATS.
	COMMSURL      string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"hostbridge"`
	COMMSRequired bool   `envconfig:"COMMS_REQUIRED" default:"false"`

	// Subject overrides (empty = commsutil defaults)
	CommandSubject string `envconfig:"HOSTBRIDGE_COMMAND_SUBJECT"`
	HostSubject    string `envconfig:"HOSTBRIDGE_HOST_SUBJECT"`
	EventPrefix    string `envconfig:"HOSTBRIDGE_EVENT_PREFIX"`
	EventsOnStart  bool   `envconfig:"HOSTBRIDGE_EVENTS_ON_START" default:"false"`

	// Host forwarding. HostViaComms sends host commands over NATS request/reply
	// when the connection is up instead of opening a socket.
	HostCommands []string `envconfig:"HOSTBRIDGE_HOST_COMMANDS"`
	HostViaComms bool     `envconfig:"HOSTBRIDGE_HOST_VIA_COMMS" default:"false"`

	// Dispatch
	CommandTimeout time.Duration `envconfig:"HOSTBRIDGE_COMMAND_TIMEOUT" default:"30s"`
	PolicyFile     string        `envconfig:"HOSTBRIDGE_POLICY_FILE"`
	SchemaDir      string        `envconfig:"HOSTBRIDGE_SCHEMA_DIR"`

	// Command endpoint
	ListenAddr  string        `envconfig:"HOSTBRIDGE_LISTEN_ADDR" default:"127.0.0.1:9877"`
	Framing     string        `envconfig:"HOSTBRIDGE_FRAMING" default:"line"`
	IdleTimeout time.Duration `envconfig:"HOSTBRIDGE_IDLE_TIMEOUT" default:"0s"`

	// Ops HTTP (health, handlers, metrics)
	HTTPAddr string `envconfig:"HOSTBRIDGE_HTTP_ADDR" default:":8080"`

	// Audit storage. Empty URLs leave the sink out.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH"`
	RedisURL      string `envconfig:"REDIS_URL"`
	AuditRedisKey string `envconfig:"AUDIT_REDIS_KEY" default:"hostbridge:audit"`
	AuditRedisMax int64  `envconfig:"AUDIT_REDIS_MAX" default:"1000"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Transport and receiver settings stay raw so malformed values fall back
	// to defaults instead of failing the load.
	HostbridgeHost           string `envconfig:"HOSTBRIDGE_HOST"`
	HostbridgePort           string `envconfig:"HOSTBRIDGE_PORT"`
	HostbridgeRetries        string `envconfig:"HOSTBRIDGE_RETRIES"`
	HostbridgeBackoff        string `envconfig:"HOSTBRIDGE_BACKOFF"`
	HostbridgeBufferSize     string `envconfig:"HOSTBRIDGE_BUFFER_SIZE"`
	HostbridgeTimeout        string `envconfig:"HOSTBRIDGE_TIMEOUT"`
	HostbridgeMaxMessageSize string `envconfig:"HOSTBRIDGE_MAX_MESSAGE_SIZE"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the bridge.
func (c *Config) ValidateForServe() error {
	if c.CommandTimeout < 0 {
		return fmt.Errorf("%s - HOSTBRIDGE_COMMAND_TIMEOUT must not be negative", logPrefix)
	}
	if c.ListenAddr == "" && c.COMMSURL == "" {
		return fmt.Errorf("%s - HOSTBRIDGE_LISTEN_ADDR or COMMS_URL is required for serve", logPrefix)
	}
	if _, err := endpoint.ParseMode(c.Framing); err != nil {
		return fmt.Errorf("%s - HOSTBRIDGE_FRAMING: %w", logPrefix, err)
	}
	if c.AuditRedisMax <= 0 {
		return fmt.Errorf("%s - AUDIT_REDIS_MAX must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands.
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// Transport returns the host transport settings. Every malformed or
// out-of-range value is replaced by its default and logged.
func (c *Config) Transport() transport.Config {
	t := transport.DefaultConfig()

	if h := strings.TrimSpace(c.HostbridgeHost); h != "" {
		t.Host = h
	}
	t.Port = positiveInt("HOSTBRIDGE_PORT", c.HostbridgePort, t.Port)
	t.BufferSize = positiveInt("HOSTBRIDGE_BUFFER_SIZE", c.HostbridgeBufferSize, t.BufferSize)
	t.MaxMessageSize = positiveInt("HOSTBRIDGE_MAX_MESSAGE_SIZE", c.HostbridgeMaxMessageSize, t.MaxMessageSize)
	t.Backoff = positiveSeconds("HOSTBRIDGE_BACKOFF", c.HostbridgeBackoff, t.Backoff)
	t.Timeout = positiveSeconds("HOSTBRIDGE_TIMEOUT", c.HostbridgeTimeout, t.Timeout)

	// Zero retries is meaningful: a single attempt.
	if raw := strings.TrimSpace(c.HostbridgeRetries); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			warnDefault("HOSTBRIDGE_RETRIES", raw, t.Retries)
		} else {
			t.Retries = n
		}
	}
	return t
}

func positiveInt(name, raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		warnDefault(name, raw, def)
		return def
	}
	return n
}

// positiveSeconds accepts a Go duration ("250ms") or a number of seconds ("0.1").
func positiveSeconds(name, raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d > 0 {
			return d
		}
		warnDefault(name, raw, def)
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		warnDefault(name, raw, def)
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func warnDefault(name, raw string, def interface{}) {
	slog.Warn(fmt.Sprintf("%s - invalid %s=%q, using default %v", logPrefix, name, raw, def))
}
