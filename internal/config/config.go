// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"httptrading/internal/broker"
	"httptrading/internal/registry"
	"httptrading/internal/util"
)

// DefaultPath is used when neither --config nor HTTPTRADING_CONFIG is set.
const DefaultPath = "config/httptrading.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    Server     `yaml:"server"`
	Logging   Logging    `yaml:"logging"`
	Bridge    Bridge     `yaml:"bridge"`
	Health    Health     `yaml:"health"`
	Instances []Instance `yaml:"instances"`
}

// Server holds network listener configuration.
type Server struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	GRPCPort     int           `yaml:"grpc_port"` // 0 disables the health service
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Bridge sizes the blocking-call worker pool.
type Bridge struct {
	Workers     int           `yaml:"workers"`
	PerInstance int           `yaml:"per_instance"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Health configures the background ping check.
type Health struct {
	Interval time.Duration `yaml:"interval"`
}

// Instance is one configured broker binding. Args is handed to the adapter
// factory untouched.
type Instance struct {
	ID     string    `yaml:"id"`
	Broker string    `yaml:"broker"`
	Tokens []string  `yaml:"tokens"`
	Args   yaml.Node `yaml:"args"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from HTTPTRADING_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("HTTPTRADING_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, expands ${VAR}
// references, applies defaults and environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	// Resolved after overrides since it depends on the worker count.
	if cfg.Bridge.PerInstance == 0 {
		cfg.Bridge.PerInstance = min(4, cfg.Bridge.Workers)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its environment value. A bare $ is kept so
// tokens may contain it.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Bridge.Workers == 0 {
		c.Bridge.Workers = 16
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = 10 * time.Second
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("HTTPTRADING_HOST"); v != "" {
		c.Server.Host = v
	}
	if err := envInt("HTTPTRADING_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := envInt("HTTPTRADING_GRPC_PORT", &c.Server.GRPCPort); err != nil {
		return err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if err := envInt("BRIDGE_WORKERS", &c.Bridge.Workers); err != nil {
		return err
	}
	if v := os.Getenv("BRIDGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BRIDGE_TIMEOUT: %w", err)
		}
		c.Bridge.Timeout = d
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	if c.Bridge.Workers < 1 {
		errs = append(errs, errors.New("bridge.workers must be at least 1"))
	}
	if c.Bridge.PerInstance < 1 {
		errs = append(errs, errors.New("bridge.per_instance must be at least 1"))
	} else if c.Bridge.Workers >= 1 && c.Bridge.PerInstance > c.Bridge.Workers {
		errs = append(errs, fmt.Errorf("bridge.per_instance %d exceeds bridge.workers %d", c.Bridge.PerInstance, c.Bridge.Workers))
	}
	if c.Bridge.Timeout <= 0 {
		errs = append(errs, errors.New("bridge.timeout must be positive"))
	}
	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("no instances configured"))
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		where := fmt.Sprintf("instances[%d]", i)
		if !registry.ValidID(inst.ID) {
			errs = append(errs, fmt.Errorf("%s: id must be 16-32 word characters", where))
		} else if seen[inst.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %s", where, util.Redact(inst.ID)))
		}
		seen[inst.ID] = true
		if !broker.Known(inst.Broker) {
			errs = append(errs, fmt.Errorf("%s: unknown broker %q", where, inst.Broker))
		}
		if len(inst.Tokens) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one token is required", where))
		}
		for j, tok := range inst.Tokens {
			if !registry.ValidToken(tok) {
				errs = append(errs, fmt.Errorf("%s: token %d must be %d-%d chars", where, j, registry.MinTokenLen, registry.MaxTokenLen))
			}
		}
	}
	if err := registry.CheckSharedState(c.Specs()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Specs converts the instance list for registry.Build.
func (c *Config) Specs() []registry.Spec {
	specs := make([]registry.Spec, 0, len(c.Instances))
	for i := range c.Instances {
		inst := &c.Instances[i]
		var args broker.Args = broker.NoArgs()
		if inst.Args.Kind != 0 {
			args = &inst.Args
		}
		specs = append(specs, registry.Spec{
			ID:     inst.ID,
			Broker: inst.Broker,
			Tokens: inst.Tokens,
			Args:   args,
		})
	}
	return specs
}
