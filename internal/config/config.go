package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the abuseguard service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Counter     CounterConfig     `mapstructure:"counter"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Mitigation  MitigationConfig  `mapstructure:"mitigation"`
	Audit       AuditConfig       `mapstructure:"audit"`
	AccessList  AccessListConfig  `mapstructure:"accesslist"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig holds Redis configuration for shared counter and mitigation state
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	QueueGroup    string        `mapstructure:"queue_group"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// AuthConfig holds operator token settings for the admin API
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// CounterConfig holds windowed counter settings
type CounterConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MinRetention  time.Duration `mapstructure:"min_retention"`
}

// PolicyConfig is one endpoint-class rate limit policy
type PolicyConfig struct {
	Window             time.Duration `mapstructure:"window"`
	MaxRequests        int           `mapstructure:"max_requests"`
	ExponentialBackoff bool          `mapstructure:"exponential_backoff"`
	UseAccessLists     bool          `mapstructure:"use_access_lists"`
}

// RateLimitConfig holds rate limit decider settings
type RateLimitConfig struct {
	DefaultPolicy string                  `mapstructure:"default_policy"`
	AutoDenyTTL   time.Duration           `mapstructure:"auto_deny_ttl"`
	Policies      map[string]PolicyConfig `mapstructure:"policies"`
}

// RiskWeights holds the score increment of every heuristic
type RiskWeights struct {
	Volume          int `mapstructure:"volume"`
	Connections     int `mapstructure:"connections"`
	ErrorRate       int `mapstructure:"error_rate"`
	ClientSignature int `mapstructure:"client_signature"`
	MissingHeaders  int `mapstructure:"missing_headers"`
	Burst           int `mapstructure:"burst"`
	Coordinated     int `mapstructure:"coordinated"`
	Volumetric      int `mapstructure:"volumetric"`
	Malformed       int `mapstructure:"malformed"`
	AttackSignature int `mapstructure:"attack_signature"`
	Reputation      int `mapstructure:"reputation"`
}

// RiskConfig holds traffic risk scorer settings
type RiskConfig struct {
	Window              time.Duration `mapstructure:"window"`
	MaxRequests         int           `mapstructure:"max_requests"`
	MaxConnections      int           `mapstructure:"max_connections"`
	ErrorRateThreshold  float64       `mapstructure:"error_rate_threshold"`
	MaxUserAgentLength  int           `mapstructure:"max_user_agent_length"`
	BurstRequests       int           `mapstructure:"burst_requests"`
	BurstWindow         time.Duration `mapstructure:"burst_window"`
	SubnetMinIdentities int           `mapstructure:"subnet_min_identities"`
	SubnetMinScore      int           `mapstructure:"subnet_min_score"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
	MaxWindowBytes      int64         `mapstructure:"max_window_bytes"`
	FloodRequests       int           `mapstructure:"flood_requests"`
	FloodFailures       int           `mapstructure:"flood_failures"`
	SuspiciousThreshold int           `mapstructure:"suspicious_threshold"`
	BlockThreshold      int           `mapstructure:"block_threshold"`
	BlockDuration       time.Duration `mapstructure:"block_duration"`
	IdleTTL             time.Duration `mapstructure:"idle_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	Weights             RiskWeights   `mapstructure:"weights"`
}

// CorrelationConfig holds threat correlation engine settings
type CorrelationConfig struct {
	PatternsFile    string        `mapstructure:"patterns_file"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxEventsPerKey int           `mapstructure:"max_events_per_key"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// MitigationConfig holds mitigation actuator settings
type MitigationConfig struct {
	DefaultBlockDuration   time.Duration `mapstructure:"default_block_duration"`
	DefaultSuspendDuration time.Duration `mapstructure:"default_suspend_duration"`
	MaxDuration            time.Duration `mapstructure:"max_duration"`
}

// AuditConfig holds audit export settings
type AuditConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	SigningKey string `mapstructure:"signing_key"`
	Publish    bool   `mapstructure:"publish"`
}

// AccessListConfig holds statically configured allow and deny entries
type AccessListConfig struct {
	Allow         []string      `mapstructure:"allow"`
	Deny          []string      `mapstructure:"deny"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("ABUSEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.key_prefix", "abuseguard")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.queue_group", "abuseguard")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "abuseguard")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("counter.sweep_interval", "5m")
	v.SetDefault("counter.min_retention", "1h")

	v.SetDefault("ratelimit.default_policy", "api")
	v.SetDefault("ratelimit.auto_deny_ttl", "1h")
	for name, p := range DefaultPolicies() {
		prefix := "ratelimit.policies." + name + "."
		v.SetDefault(prefix+"window", p.Window.String())
		v.SetDefault(prefix+"max_requests", p.MaxRequests)
		v.SetDefault(prefix+"exponential_backoff", p.ExponentialBackoff)
		v.SetDefault(prefix+"use_access_lists", p.UseAccessLists)
	}

	v.SetDefault("risk.window", "1m")
	v.SetDefault("risk.max_requests", 300)
	v.SetDefault("risk.max_connections", 50)
	v.SetDefault("risk.error_rate_threshold", 0.5)
	v.SetDefault("risk.max_user_agent_length", 512)
	v.SetDefault("risk.burst_requests", 20)
	v.SetDefault("risk.burst_window", "5s")
	v.SetDefault("risk.subnet_min_identities", 6)
	v.SetDefault("risk.subnet_min_score", 50)
	v.SetDefault("risk.max_body_bytes", 10<<20)
	v.SetDefault("risk.max_window_bytes", 100<<20)
	v.SetDefault("risk.flood_requests", 1000)
	v.SetDefault("risk.flood_failures", 100)
	v.SetDefault("risk.suspicious_threshold", 80)
	v.SetDefault("risk.block_threshold", 90)
	v.SetDefault("risk.block_duration", "15m")
	v.SetDefault("risk.idle_ttl", "30m")
	v.SetDefault("risk.sweep_interval", "5m")
	v.SetDefault("risk.weights.volume", 30)
	v.SetDefault("risk.weights.connections", 25)
	v.SetDefault("risk.weights.error_rate", 20)
	v.SetDefault("risk.weights.client_signature", 15)
	v.SetDefault("risk.weights.missing_headers", 10)
	v.SetDefault("risk.weights.burst", 25)
	v.SetDefault("risk.weights.coordinated", 30)
	v.SetDefault("risk.weights.volumetric", 20)
	v.SetDefault("risk.weights.malformed", 15)
	v.SetDefault("risk.weights.attack_signature", 25)
	v.SetDefault("risk.weights.reputation", 20)

	v.SetDefault("correlation.patterns_file", "")
	v.SetDefault("correlation.queue_size", 4096)
	v.SetDefault("correlation.max_events_per_key", 1000)
	v.SetDefault("correlation.sweep_interval", "10m")
	v.SetDefault("correlation.alert_retention", "24h")

	v.SetDefault("mitigation.default_block_duration", "1h")
	v.SetDefault("mitigation.default_suspend_duration", "24h")
	v.SetDefault("mitigation.max_duration", "720h")

	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.signing_key", "")
	v.SetDefault("audit.publish", true)

	v.SetDefault("accesslist.allow", []string{})
	v.SetDefault("accesslist.deny", []string{})
	v.SetDefault("accesslist.sweep_interval", "1m")
}

// DefaultPolicies returns the built-in endpoint-class policies.
func DefaultPolicies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		"api":        {Window: time.Minute, MaxRequests: 100, UseAccessLists: true},
		"auth":       {Window: 15 * time.Minute, MaxRequests: 5, ExponentialBackoff: true, UseAccessLists: true},
		"upload":     {Window: time.Hour, MaxRequests: 20, UseAccessLists: true},
		"conversion": {Window: time.Hour, MaxRequests: 50, UseAccessLists: true},
		"payment":    {Window: time.Hour, MaxRequests: 10, ExponentialBackoff: true, UseAccessLists: true},
		"admin":      {Window: time.Minute, MaxRequests: 30, UseAccessLists: true},
	}
}

// Validate reports configuration that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if len(c.RateLimit.Policies) == 0 {
		return fmt.Errorf("ratelimit.policies must not be empty")
	}
	for name, p := range c.RateLimit.Policies {
		if p.Window <= 0 {
			return fmt.Errorf("ratelimit.policies.%s.window must be positive", name)
		}
		if p.MaxRequests <= 0 {
			return fmt.Errorf("ratelimit.policies.%s.max_requests must be positive", name)
		}
	}
	if _, ok := c.RateLimit.Policies[c.RateLimit.DefaultPolicy]; !ok {
		return fmt.Errorf("ratelimit.default_policy %q is not a configured policy", c.RateLimit.DefaultPolicy)
	}
	if c.Risk.SuspiciousThreshold > c.Risk.BlockThreshold {
		return fmt.Errorf("risk.suspicious_threshold (%d) must not exceed risk.block_threshold (%d)",
			c.Risk.SuspiciousThreshold, c.Risk.BlockThreshold)
	}
	if c.Correlation.QueueSize <= 0 {
		return fmt.Errorf("correlation.queue_size must be positive")
	}
	return nil
}
