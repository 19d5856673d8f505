// Package config loads the service configuration from YAML with environment
// overrides for the operational knobs.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Engine    EngineConfig    `yaml:"engine"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Actions   ActionsConfig   `yaml:"actions"`
	Stream    StreamConfig    `yaml:"stream"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	WindowMs    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

type EngineConfig struct {
	AgentTimeoutMs int `yaml:"agent_timeout_ms"`
	RunTimeoutMs   int `yaml:"run_timeout_ms"`
}

type CircuitConfig struct {
	FailThreshold int `yaml:"fail_threshold"`
	ResetMs       int `yaml:"reset_ms"`
}

type ActionsConfig struct {
	OTPTTLMs         int    `yaml:"otp_ttl_ms"`
	IdempotencyTTLMs int    `yaml:"idempotency_ttl_ms"`
	BusinessTimezone string `yaml:"business_timezone"`
}

type StreamConfig struct {
	HeartbeatMs  int `yaml:"heartbeat_ms"`
	GraceDelayMs int `yaml:"grace_delay_ms"`
	BufferSize   int `yaml:"buffer_size"`
}

// Default returns the documented defaults for every knob.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", Env: "development"},
		Database:  DatabaseConfig{},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		RateLimit: RateLimitConfig{WindowMs: 60000, MaxRequests: 300},
		Engine:    EngineConfig{AgentTimeoutMs: 1000, RunTimeoutMs: 5000},
		Circuit:   CircuitConfig{FailThreshold: 3, ResetMs: 30000},
		Actions: ActionsConfig{
			OTPTTLMs:         300000,
			IdempotencyTTLMs: 3600000,
			BusinessTimezone: "Local",
		},
		Stream: StreamConfig{HeartbeatMs: 30000, GraceDelayMs: 200, BufferSize: 64},
	}
}

// Load reads a YAML file on top of the defaults, then applies env overrides.
// A missing file is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	strVar(&c.Server.Port, "PORT")
	strVar(&c.Database.URL, "DATABASE_URL")
	strVar(&c.Redis.Addr, "REDIS_ADDR")
	strVar(&c.Redis.Password, "REDIS_PASSWORD")
	strVar(&c.Actions.BusinessTimezone, "BUSINESS_TIMEZONE")

	intVar(&c.RateLimit.WindowMs, "RATE_LIMIT_WINDOW_MS")
	intVar(&c.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")
	intVar(&c.Engine.AgentTimeoutMs, "AGENT_TIMEOUT_MS")
	intVar(&c.Engine.RunTimeoutMs, "RUN_TIMEOUT_MS")
	intVar(&c.Circuit.FailThreshold, "CIRCUIT_FAIL_THRESHOLD")
	intVar(&c.Circuit.ResetMs, "CIRCUIT_RESET_MS")
	intVar(&c.Actions.OTPTTLMs, "OTP_TTL_MS")
	intVar(&c.Actions.IdempotencyTTLMs, "IDEMPOTENCY_TTL_MS")
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

// Duration helpers so callers never multiply milliseconds by hand.

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

func (c EngineConfig) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutMs) * time.Millisecond
}

func (c EngineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMs) * time.Millisecond
}

func (c CircuitConfig) Reset() time.Duration {
	return time.Duration(c.ResetMs) * time.Millisecond
}

func (c ActionsConfig) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMs) * time.Millisecond
}

func (c ActionsConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMs) * time.Millisecond
}

func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (c StreamConfig) GraceDelay() time.Duration {
	return time.Duration(c.GraceDelayMs) * time.Millisecond
}

// Location resolves the business-hours timezone. "Local" or an empty value
// falls back to the process timezone.
func (c ActionsConfig) Location() *time.Location {
	if c.BusinessTimezone == "" || c.BusinessTimezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}
