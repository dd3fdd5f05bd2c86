// Package config loads lwf configuration.
//
// Configuration comes from a single YAML file, named either explicitly or
// through the LWF_CONFIG environment variable. There is no discovery and no
// environment override of individual values; the only expansion performed
// is ${VAR} and ${VAR:-default} in addresses.
//
//	log:
//	  level: info
//	codec:
//	  max_depth: 64
//	  trailing: report
//	server:
//	  listen: ":8080"
//	  advertise: "${POD_IP:-127.0.0.1}:8080"
//	  compression: zstd
//	client:
//	  balancer: consistent_hash
//	registry:
//	  endpoints: ["localhost:2379"]
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"lwf/codec"
	"lwf/protocol"
	"lwf/schema"
)

// EnvVar names the environment variable read by Load.
const EnvVar = "LWF_CONFIG"

// Balancer names accepted in ClientConfig.Balancer.
const (
	RoundRobin     = "round_robin"
	WeightedRandom = "weighted_random"
	ConsistentHash = "consistent_hash"
)

// Config is the complete configuration of an lwf process. A process that
// only serves or only calls ignores the other section.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Codec    CodecConfig    `yaml:"codec"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// CodecConfig configures schema encoding and decoding.
type CodecConfig struct {
	// MaxDepth bounds array nesting.
	// Default: 64
	MaxDepth int `yaml:"max_depth"`

	// Trailing decides what Decode does with unread bytes: report, ignore
	// or reject.
	// Default: report
	Trailing string `yaml:"trailing"`

	// Header writes and expects the one-byte format version.
	// Default: true
	Header bool `yaml:"header"`
}

// ServerConfig configures server.NewFromConfig.
type ServerConfig struct {
	// Network is passed to net.Listen.
	// Default: tcp
	Network string `yaml:"network"`

	// Listen is the local address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Advertise is the routable address put in the registry. Empty means
	// the server does not register itself.
	Advertise string `yaml:"advertise"`

	// Weight is advertised for weighted balancing.
	// Default: 1
	Weight int `yaml:"weight"`

	// RequestTimeout bounds each handler call. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit is requests per second across the server. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// ShutdownTimeout bounds the wait for in-flight requests.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// PublishSchemas stores endpoint schemas in the registry on Serve.
	PublishSchemas bool `yaml:"publish_schemas"`
}

// ClientConfig configures client.NewFromConfig.
type ClientConfig struct {
	// Codec is the envelope codec: binary, json or cbor.
	// Default: binary
	Codec string `yaml:"codec"`

	// Compression is the frame body compression: none, lz4 or zstd.
	// Default: none
	Compression string `yaml:"compression"`

	// Balancer is round_robin, weighted_random or consistent_hash.
	// Default: round_robin
	Balancer string `yaml:"balancer"`

	// PoolSize is the number of connections kept per server address.
	// Default: 1
	PoolSize int `yaml:"pool_size"`

	// Retries is how often a call failing at the transport level is
	// retried. Codec and schema errors are never retried.
	Retries int `yaml:"retries"`

	// RetryBackoff is the first retry delay; it doubles on each attempt.
	// Default: 50ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// CallTimeout applies when the caller's context has no deadline.
	// Default: 5s
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Heartbeat is the interval between keep-alive frames. Zero disables them.
	// Default: 30s
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// RegistryConfig configures the etcd registry.
type RegistryConfig struct {
	// Endpoints lists etcd members. Empty means no registry.
	Endpoints []string `yaml:"endpoints"`

	// DialTimeout bounds the initial connection.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// TTL is the service lease in seconds.
	// Default: 10
	TTL int64 `yaml:"ttl"`

	// Prefix roots every key the registry writes.
	// Default: /lwf
	Prefix string `yaml:"prefix"`
}

// Default returns the configuration used as a base before a file is
// loaded on top of it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Codec: CodecConfig{
			MaxDepth: codec.DefaultMaxDepth,
			Trailing: schema.TrailingReport.String(),
			Header:   true,
		},
		Server: ServerConfig{
			Network:         "tcp",
			Weight:          1,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Codec:        codec.CodecTypeBinary.String(),
			Compression:  protocol.CompressionNone.String(),
			Balancer:     RoundRobin,
			PoolSize:     1,
			RetryBackoff: 50 * time.Millisecond,
			CallTimeout:  5 * time.Second,
			Heartbeat:    30 * time.Second,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
			Prefix:      "/lwf",
		},
	}
}

// Load loads the file named by LWF_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your config file", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads and validates configuration from path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, expands variables and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Server.Listen = expandVars(c.Server.Listen)
	c.Server.Advertise = expandVars(c.Server.Advertise)
	for i, ep := range c.Registry.Endpoints {
		c.Registry.Endpoints[i] = expandVars(ep)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Log.zapLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Codec.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("codec.max_depth must be positive, got %d", c.Codec.MaxDepth))
	}
	if _, err := schema.ParseTrailingPolicy(c.Codec.Trailing); err != nil {
		errs = append(errs, fmt.Errorf("codec.trailing: %w", err))
	}
	if c.Server.Weight < 0 {
		errs = append(errs, fmt.Errorf("server.weight must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_burst must be at least 1 when rate_limit is set"))
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		errs = append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if _, err := protocol.ParseCompression(c.Client.Compression); err != nil {
		errs = append(errs, fmt.Errorf("client.compression: %w", err))
	}
	switch c.Client.Balancer {
	case RoundRobin, WeightedRandom, ConsistentHash:
	default:
		errs = append(errs, fmt.Errorf("client.balancer: unknown balancer %q", c.Client.Balancer))
	}
	if c.Client.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("client.pool_size must be at least 1, got %d", c.Client.PoolSize))
	}
	if c.Client.Retries < 0 {
		errs = append(errs, fmt.Errorf("client.retries must not be negative"))
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.TTL < 1 {
		errs = append(errs, fmt.Errorf("registry.ttl must be at least 1 second"))
	}
	if c.Server.Advertise != "" && len(c.Registry.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("server.advertise is set but registry.endpoints is empty"))
	}

	return errors.Join(errs...)
}

// SchemaOptions returns the schema encode and decode options described
// by the codec section.
func (c *Config) SchemaOptions() []schema.Option {
	opts := []schema.Option{schema.WithMaxDepth(c.Codec.MaxDepth)}
	if p, err := schema.ParseTrailingPolicy(c.Codec.Trailing); err == nil {
		opts = append(opts, schema.WithTrailing(p))
	}
	if !c.Codec.Header {
		opts = append(opts, schema.WithoutHeader())
	}
	return opts
}
