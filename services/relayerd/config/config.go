package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rebasenet/native/bridge"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for relayerd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	JournalDSN    string        `yaml:"journal"`
	ReconDir      string        `yaml:"recon_dir"`
	Admin         AdminConfig   `yaml:"admin"`
	Routes        []RouteConfig `yaml:"routes"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

// Secret resolves the HMAC secret, preferring the environment reference.
func (a AdminConfig) Secret() string {
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.JWTSecret)
}

// EndpointConfig points at one ledger node's JSON-RPC listener.
type EndpointConfig struct {
	URL      string   `yaml:"url"`
	TokenEnv string   `yaml:"token_env"`
	Timeout  Duration `yaml:"timeout"`
}

// Token resolves the bearer token from the configured environment variable.
func (e EndpointConfig) Token() string {
	env := strings.TrimSpace(e.TokenEnv)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

// RouteConfig describes one source outbox to destination node pairing.
type RouteConfig struct {
	Name         string            `yaml:"name"`
	Source       EndpointConfig    `yaml:"source"`
	Dest         EndpointConfig    `yaml:"dest"`
	PollInterval Duration          `yaml:"poll_interval"`
	BatchLimit   int               `yaml:"batch_limit"`
	Budget       bridge.FlowBudget `yaml:"budget"`
	Paused       bool              `yaml:"paused"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8650"
	}
	cfg.JournalDSN = strings.TrimSpace(cfg.JournalDSN)
	if cfg.JournalDSN == "" {
		cfg.JournalDSN = "relayerd.db"
	}
	cfg.ReconDir = strings.TrimSpace(cfg.ReconDir)
	if cfg.ReconDir == "" {
		cfg.ReconDir = "recon"
	}
	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		route.Name = strings.TrimSpace(route.Name)
		route.Source.URL = strings.TrimSpace(route.Source.URL)
		route.Dest.URL = strings.TrimSpace(route.Dest.URL)
		if route.PollInterval.Duration <= 0 {
			route.PollInterval.Duration = 5 * time.Second
		}
		if route.BatchLimit <= 0 {
			route.BatchLimit = 32
		}
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if route.Name == "" {
			return fmt.Errorf("route %d: name required", i)
		}
		if _, dup := seen[route.Name]; dup {
			return fmt.Errorf("route %q: duplicate name", route.Name)
		}
		seen[route.Name] = struct{}{}
		if route.Source.URL == "" {
			return fmt.Errorf("route %q: source url required", route.Name)
		}
		if route.Dest.URL == "" {
			return fmt.Errorf("route %q: dest url required", route.Name)
		}
		if route.Source.URL == route.Dest.URL {
			return fmt.Errorf("route %q: source and dest must differ", route.Name)
		}
	}
	return nil
}
