package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/cache-worker/cache"
	classifier "github.com/always-cache/cache-worker/pkg/request-classifier"
)

var ErrInvalidConfig = errors.New("invalid config")

// DefaultGeneration identifies the cache generation of this deployment.
const DefaultGeneration = "openmotors-v1"

// DefaultStaticAssets are populated into the cache on install.
var DefaultStaticAssets = []string{
	"/static/img/favicon.png",
	"/static/img/icon-192.png",
	"/static/img/icon-512.png",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
	"https://fonts.googleapis.com/css2?family=DM+Sans:ital,wght@0,300;0,400;0,500;0,600;1,300&family=DM+Mono:wght@400;500&display=swap",
	"https://fonts.googleapis.com/css2?family=Poppins:wght@300;400;500;600;700&display=swap",
}

type Config struct {
	Server  Server  `yaml:"server"`
	Worker  Worker  `yaml:"worker"`
	Storage Storage `yaml:"storage"`
}

type Server struct {
	Port        int    `yaml:"port"`
	ControlPort int    `yaml:"controlPort"`
	Origin      string `yaml:"origin"`
}

type Worker struct {
	Generation       string   `yaml:"generation"`
	StaticAssets     []string `yaml:"staticAssets"`
	classifier.Rules `yaml:",inline"`
}

type Storage struct {
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

func Default() Config {
	assets := make([]string, len(DefaultStaticAssets))
	copy(assets, DefaultStaticAssets)
	return Config{
		Server: Server{
			Port:        8080,
			ControlPort: 9090,
		},
		Worker: Worker{
			Generation:   DefaultGeneration,
			StaticAssets: assets,
			Rules:        classifier.DefaultRules(),
		},
		Storage: Storage{
			Provider: cache.ProviderSQLite,
			Path:     "cache.db",
		},
	}
}

// Load reads the YAML file at path on top of the defaults.
// Fields missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes the origin.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	return c.Storage.Validate()
}

func (s *Server) Validate() error {
	if s.Origin == "" {
		return fmt.Errorf("%w: server.origin is required", ErrInvalidConfig)
	}
	origin, err := url.Parse(s.Origin)
	if err != nil {
		return fmt.Errorf("%w: server.origin: %v", ErrInvalidConfig, err)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return fmt.Errorf("%w: server.origin must be an absolute http(s) URL, got %q", ErrInvalidConfig, s.Origin)
	}
	if origin.Path != "" && origin.Path != "/" {
		return fmt.Errorf("%w: server.origin must not have a path, got %q", ErrInvalidConfig, s.Origin)
	}
	s.Origin = strings.TrimRight(s.Origin, "/")

	if s.Port <= 0 {
		return fmt.Errorf("%w: server.port must be positive", ErrInvalidConfig)
	}
	if s.ControlPort < 0 {
		return fmt.Errorf("%w: server.controlPort must not be negative", ErrInvalidConfig)
	}
	if s.ControlPort == s.Port {
		return fmt.Errorf("%w: server.controlPort must differ from server.port", ErrInvalidConfig)
	}
	return nil
}

func (w *Worker) Validate() error {
	if strings.TrimSpace(w.Generation) == "" {
		return fmt.Errorf("%w: worker.generation is required", ErrInvalidConfig)
	}
	for i, asset := range w.StaticAssets {
		if _, err := url.Parse(asset); err != nil || asset == "" {
			return fmt.Errorf("%w: worker.staticAssets[%d]: invalid URL %q", ErrInvalidConfig, i, asset)
		}
	}
	return nil
}

func (s *Storage) Validate() error {
	switch s.Provider {
	case cache.ProviderSQLite, cache.ProviderLevelDB, cache.ProviderMemory:
	default:
		return fmt.Errorf("%w: storage.provider: unsupported %q", ErrInvalidConfig, s.Provider)
	}
	if s.Provider != cache.ProviderMemory && s.Path == "" {
		return fmt.Errorf("%w: storage.path is required for %s", ErrInvalidConfig, s.Provider)
	}
	return nil
}

// OriginURL returns the parsed origin. Call Validate first.
func (c Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Server.Origin)
	return u
}
