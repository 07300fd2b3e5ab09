// Package config provides configuration management for Autofleet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Autofleet.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Ports       PortsConfig       `mapstructure:"ports"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	AskUser     AskUserConfig     `mapstructure:"askUser"`
	Screenshots ScreenshotsConfig `mapstructure:"screenshots"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Mode            string `mapstructure:"mode"`            // release, debug
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" (default) uses Path; driver "postgres" uses the
// host/port/user fields to build a DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the optional terminal-task snapshot cache configuration.
// An empty URL selects the in-process cache.
type RedisConfig struct {
	URL         string `mapstructure:"url"`
	SnapshotTTL int    `mapstructure:"snapshotTtl"` // in seconds
}

// LLMConfig holds the model provider configuration.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"baseUrl"`
	APIKey      string  `mapstructure:"apiKey"`
	Model       string  `mapstructure:"model"`
	VisionModel string  `mapstructure:"visionModel"`
	Timeout     int     `mapstructure:"timeout"` // in seconds
	MaxTokens   int     `mapstructure:"maxTokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// AgentConfig holds kernel loop tuning.
type AgentConfig struct {
	MaxSteps               int `mapstructure:"maxSteps"`
	ContextWindow          int `mapstructure:"contextWindow"`          // kept user/assistant exchanges
	SettleDelayMs          int `mapstructure:"settleDelayMs"`          // post-action settling wait
	MaxConsecutiveFailures int `mapstructure:"maxConsecutiveFailures"` // structured kernel bailout
	MaxEmptyUI             int `mapstructure:"maxEmptyUi"`             // structured kernel bailout
	MaxParseErrors         int `mapstructure:"maxParseErrors"`
	ContextNoticeSteps     int `mapstructure:"contextNoticeSteps"` // vision watchdog: log
	ContextWarnSteps       int `mapstructure:"contextWarnSteps"`   // vision watchdog: warn
}

// PortsConfig holds the tunnel port bands and scanner tuning.
type PortsConfig struct {
	PhoneStart   int `mapstructure:"phoneStart"`
	PhoneEnd     int `mapstructure:"phoneEnd"`
	PCStart      int `mapstructure:"pcStart"`
	PCEnd        int `mapstructure:"pcEnd"`
	ScanInterval int `mapstructure:"scanInterval"` // in seconds
	ProbeTimeout int `mapstructure:"probeTimeout"` // in seconds
	ScanBatch    int `mapstructure:"scanBatch"`    // parallel probes per batch
}

// ReaperConfig holds zombie port reclamation tuning.
type ReaperConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Interval  int  `mapstructure:"interval"`  // in seconds
	ZombieAge int  `mapstructure:"zombieAge"` // in seconds
}

// HeartbeatConfig holds the device WebSocket liveness tuning.
type HeartbeatConfig struct {
	PingInterval int `mapstructure:"pingInterval"` // in seconds
	PongTimeout  int `mapstructure:"pongTimeout"`  // in seconds
}

// AskUserConfig holds the user-interaction rendezvous tuning.
type AskUserConfig struct {
	Timeout int `mapstructure:"timeout"` // in seconds
}

// ScreenshotsConfig holds the screenshot store configuration.
type ScreenshotsConfig struct {
	Root    string `mapstructure:"root"`
	Workers int    `mapstructure:"workers"` // compression pool size, 0 = NumCPU
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// TimeoutDuration returns the LLM request timeout as a time.Duration.
func (l *LLMConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// SettleDelay returns the post-action settling wait as a time.Duration.
func (a *AgentConfig) SettleDelay() time.Duration {
	return time.Duration(a.SettleDelayMs) * time.Millisecond
}

// ScanIntervalDuration returns the scanner period as a time.Duration.
func (p *PortsConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(p.ScanInterval) * time.Second
}

// ProbeTimeoutDuration returns the per-port probe timeout as a time.Duration.
func (p *PortsConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(p.ProbeTimeout) * time.Second
}

// IntervalDuration returns the reaper period as a time.Duration.
func (r *ReaperConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// ZombieAgeDuration returns the zombie threshold as a time.Duration.
func (r *ReaperConfig) ZombieAgeDuration() time.Duration {
	return time.Duration(r.ZombieAge) * time.Second
}

// PingIntervalDuration returns the WebSocket ping period as a time.Duration.
func (h *HeartbeatConfig) PingIntervalDuration() time.Duration {
	return time.Duration(h.PingInterval) * time.Second
}

// PongTimeoutDuration returns the pong deadline as a time.Duration.
func (h *HeartbeatConfig) PongTimeoutDuration() time.Duration {
	return time.Duration(h.PongTimeout) * time.Second
}

// OfflineAfter returns the silence threshold past which a device is
// marked offline (twice the ping interval).
func (h *HeartbeatConfig) OfflineAfter() time.Duration {
	return 2 * h.PingIntervalDuration()
}

// TimeoutDuration returns the ask-user wait as a time.Duration.
func (a *AskUserConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// SnapshotTTLDuration returns the snapshot cache TTL as a time.Duration.
func (r *RedisConfig) SnapshotTTLDuration() time.Duration {
	return time.Duration(r.SnapshotTTL) * time.Second
}

// WorkerCount returns the compression pool size, defaulting to NumCPU.
func (s *ScreenshotsConfig) WorkerCount() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return runtime.NumCPU()
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "console" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AUTOFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// HTTP server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 30)

	// Database defaults - sqlite file store
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/autofleet.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "autofleet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "autofleet")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Event bus: no URL keeps events in process.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "autofleet")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty URL means in-process snapshot cache
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.snapshotTtl", 3600)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.visionModel", "gpt-4o")
	v.SetDefault("llm.timeout", 120)
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.temperature", 0.1)

	// Agent loop defaults
	v.SetDefault("agent.maxSteps", 40)
	v.SetDefault("agent.contextWindow", 5)
	v.SetDefault("agent.settleDelayMs", 400)
	v.SetDefault("agent.maxConsecutiveFailures", 3)
	v.SetDefault("agent.maxEmptyUi", 2)
	v.SetDefault("agent.maxParseErrors", 2)
	v.SetDefault("agent.contextNoticeSteps", 30)
	v.SetDefault("agent.contextWarnSteps", 80)

	// Port band defaults: phones 6100-6199, PCs 6200-6299
	v.SetDefault("ports.phoneStart", 6100)
	v.SetDefault("ports.phoneEnd", 6199)
	v.SetDefault("ports.pcStart", 6200)
	v.SetDefault("ports.pcEnd", 6299)
	v.SetDefault("ports.scanInterval", 10)
	v.SetDefault("ports.probeTimeout", 2)
	v.SetDefault("ports.scanBatch", 10)

	// Reaper defaults
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", 300)
	v.SetDefault("reaper.zombieAge", 600)

	// Heartbeat defaults: 30s ping, 10s pong deadline
	v.SetDefault("heartbeat.pingInterval", 30)
	v.SetDefault("heartbeat.pongTimeout", 10)

	// Ask-user rendezvous defaults
	v.SetDefault("askUser.timeout", 300)

	// Screenshot store defaults
	v.SetDefault("screenshots.root", "./data/screenshots")
	v.SetDefault("screenshots.workers", 0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTOFLEET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/autofleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTOFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only swaps dots for underscores, so camelCase keys
	// whose env names carry an extra underscore need explicit bindings.
	_ = v.BindEnv("llm.baseUrl", "AUTOFLEET_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "AUTOFLEET_LLM_API_KEY")
	_ = v.BindEnv("llm.visionModel", "AUTOFLEET_LLM_VISION_MODEL")
	_ = v.BindEnv("database.dbName", "AUTOFLEET_DATABASE_DB_NAME")
	_ = v.BindEnv("redis.snapshotTtl", "AUTOFLEET_REDIS_SNAPSHOT_TTL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/autofleet/")

	// A missing config file is fine: env vars and defaults carry a
	// bare install. Any other read error is fatal.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.Mode != "release" && cfg.Server.Mode != "debug" {
		errs = append(errs, "server.mode must be one of: release, debug")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Ports.PhoneStart <= 0 || cfg.Ports.PhoneEnd < cfg.Ports.PhoneStart {
		errs = append(errs, "ports.phoneStart/phoneEnd must describe a non-empty range")
	}
	if cfg.Ports.PCStart <= 0 || cfg.Ports.PCEnd < cfg.Ports.PCStart {
		errs = append(errs, "ports.pcStart/pcEnd must describe a non-empty range")
	}
	if cfg.Ports.PhoneEnd >= cfg.Ports.PCStart && cfg.Ports.PCEnd >= cfg.Ports.PhoneStart {
		// Band classification relies on disjoint ranges.
		if overlaps(cfg.Ports.PhoneStart, cfg.Ports.PhoneEnd, cfg.Ports.PCStart, cfg.Ports.PCEnd) {
			errs = append(errs, "ports.phone and ports.pc bands must not overlap")
		}
	}
	if cfg.Ports.ScanBatch <= 0 {
		errs = append(errs, "ports.scanBatch must be positive")
	}

	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, "agent.maxSteps must be positive")
	}
	if cfg.Agent.ContextWindow <= 0 {
		errs = append(errs, "agent.contextWindow must be positive")
	}

	if cfg.Heartbeat.PingInterval <= 0 || cfg.Heartbeat.PongTimeout <= 0 {
		errs = append(errs, "heartbeat.pingInterval and heartbeat.pongTimeout must be positive")
	}

	if cfg.AskUser.Timeout <= 0 {
		errs = append(errs, "askUser.timeout must be positive")
	}

	if cfg.Screenshots.Root == "" {
		errs = append(errs, "screenshots.root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func overlaps(aLo, aHi, bLo, bHi int) bool {
	return aLo <= bHi && bLo <= aHi
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// PortBand reports which band a port falls in: "phone", "pc", or "".
func (p *PortsConfig) PortBand(port int) string {
	switch {
	case port >= p.PhoneStart && port <= p.PhoneEnd:
		return "phone"
	case port >= p.PCStart && port <= p.PCEnd:
		return "pc"
	default:
		return ""
	}
}
