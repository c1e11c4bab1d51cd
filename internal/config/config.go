// Package config loads the relay configuration from defaults, an optional
// config file, environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Call      CallConfig      `mapstructure:"call"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	GRPCPort        string        `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists reverse proxy addresses or CIDRs whose
	// X-Forwarded-For is believed when keying the auth rate limit.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	ReceiptTTL time.Duration `mapstructure:"receipt_ttl"`
	TransitTTL time.Duration `mapstructure:"transit_ttl"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	// Keys is "kid:secret,kid2:secret2"; it enables key rotation.
	Keys      string        `mapstructure:"keys"`
	ActiveKid string        `mapstructure:"active_kid"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	// RPM applies per client IP to register and login.
	RPM   int `mapstructure:"rpm"`
	Burst int `mapstructure:"burst"`
	// EventsPerMinute applies per user to realtime events.
	EventsPerMinute int `mapstructure:"events_per_minute"`
	EventBurst      int `mapstructure:"event_burst"`
}

type TLSConfig struct {
	Cert    string `mapstructure:"cert"`
	Key     string `mapstructure:"key"`
	Require bool   `mapstructure:"require"`
}

// Enabled reports whether a certificate pair is configured.
func (t TLSConfig) Enabled() bool { return t.Cert != "" && t.Key != "" }

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type SessionConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	EventTimeout time.Duration `mapstructure:"event_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envNames keeps the historical unprefixed variable names.
var envNames = map[string]string{
	"server.port":                  "PORT",
	"server.grpc_port":             "GRPC_PORT",
	"server.shutdown_timeout":      "SHUTDOWN_TIMEOUT",
	"server.allowed_origins":       "ALLOWED_ORIGINS",
	"server.trusted_proxies":       "TRUSTED_PROXIES",
	"mongo.uri":                    "MONGODB_URI",
	"mongo.database":               "MONGODB_DATABASE",
	"redis.url":                    "REDIS_URL",
	"store.backend":                "STORE_BACKEND",
	"store.receipt_ttl":            "RECEIPT_TTL",
	"store.transit_ttl":            "TRANSIT_TTL",
	"jwt.secret":                   "JWT_SECRET",
	"jwt.keys":                     "JWT_KEYS",
	"jwt.active_kid":               "JWT_ACTIVE_KID",
	"jwt.ttl":                      "JWT_TTL",
	"rate_limit.rpm":               "RATE_LIMIT_RPM",
	"rate_limit.burst":             "RATE_LIMIT_BURST",
	"rate_limit.events_per_minute": "EVENT_RATE_LIMIT_RPM",
	"rate_limit.event_burst":       "EVENT_RATE_LIMIT_BURST",
	"tls.cert":                     "TLS_CERT",
	"tls.key":                      "TLS_KEY",
	"tls.require":                  "REQUIRE_TLS",
	"call.ring_timeout":            "RING_TIMEOUT",
	"session.send_buffer":          "SEND_BUFFER",
	"session.event_timeout":        "EVENT_TIMEOUT",
	"log.level":                    "LOG_LEVEL",
	"log.format":                   "LOG_FORMAT",
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"port":        "server.port",
	"grpc-port":   "server.grpc_port",
	"store":       "store.backend",
	"mongodb-uri": "mongo.uri",
	"redis-url":   "redis.url",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.grpc_port", "50051")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("mongo.database", "securechat")
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("store.backend", BackendMongo)
	v.SetDefault("store.receipt_ttl", "168h")
	v.SetDefault("store.transit_ttl", "720h")

	v.SetDefault("jwt.ttl", "24h")

	v.SetDefault("rate_limit.rpm", 10)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("rate_limit.events_per_minute", 600)
	v.SetDefault("rate_limit.event_burst", 50)

	v.SetDefault("tls.require", false)

	v.SetDefault("call.ring_timeout", "45s")

	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.event_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlags registers the relay flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("port", "8080", "HTTP and WebSocket listen port")
	fs.String("grpc-port", "50051", "gRPC listen port")
	fs.String("store", BackendMongo, "transit store backend: mongo, redis or memory")
	fs.String("mongodb-uri", "", "MongoDB connection string")
	fs.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis backend")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "text", "log format: text or json")
}

// Load builds the configuration. fs may be nil; when given it must have been
// prepared by BindFlags and parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" && c.JWT.Keys == "" {
		errs = append(errs, errors.New("either JWT_SECRET or JWT_KEYS must be set"))
	}
	if c.JWT.Keys != "" {
		keys, err := c.JWT.KeyMap()
		if err != nil {
			errs = append(errs, err)
		} else if c.JWT.ActiveKid == "" {
			errs = append(errs, errors.New("JWT_ACTIVE_KID must be set with JWT_KEYS"))
		} else if _, ok := keys[c.JWT.ActiveKid]; !ok {
			errs = append(errs, fmt.Errorf("JWT_ACTIVE_KID %q not found in JWT_KEYS", c.JWT.ActiveKid))
		}
	}
	// users always live in MongoDB; the backend only selects the transit store
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("MONGODB_URI must be set"))
	}
	switch c.Store.Backend {
	case BackendMongo, BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.TLS.Require && !c.TLS.Enabled() {
		errs = append(errs, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured"))
	}
	if c.JWT.TTL <= 0 {
		errs = append(errs, errors.New("jwt ttl must be positive"))
	}
	if c.Call.RingTimeout < 0 {
		errs = append(errs, errors.New("ring timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// KeyMap parses Keys into kid -> secret.
func (j JWTConfig) KeyMap() (map[string]string, error) {
	out := map[string]string{}
	for _, p := range splitList(j.Keys) {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
