// Package config handles loading, validating, and writing meshd's
// configuration from ~/.meshd/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Upstream LLM provider URLs (Anthropic, OpenAI, Moonshot, Qwen, MiniMax, Zhipu, custom)
//   - Interceptor config: per-provider API keys, hub mode/endpoint, a
//     custom API base URL override
//   - Dashboard toggle
//
// Defaults to a loopback-only server bind, extended with the
// interceptor's persistent routing config (apiKeys/hubMode/
// hubHttpUrl/hubToken/apiBaseUrl) needed to broker multiple provider
// keys across a browser-resident fabric.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is meshd's top-level configuration, loaded from
// ~/.meshd/config.yaml with sensible defaults for anything unset.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Interceptor InterceptorConfig         `yaml:"interceptor"`
	Dashboard   DashboardConfig           `yaml:"dashboard"`
}

// ServerConfig defines where meshd's HTTP surface (interceptor +
// dashboard + hub link control) listens. Default: 127.0.0.1:3100 —
// loopback only, never 0.0.0.0.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProviderConfig maps a provider key (e.g. "anthropic") to its
// upstream URL, overridable per-provider by InterceptorConfig.APIBaseURL
// for self-hosted/compatible endpoints.
type ProviderConfig struct {
	Upstream string `yaml:"upstream"`
}

// InterceptorConfig is the request interceptor's persistent routing
// state: local API keys per provider, hub mode (routes every request
// through the hub instead of a local key), and an optional base URL
// override for a self-hosted or compatible upstream.
//
// Persists across restarts — written by configure_keys/configure_hub/
// configure_api_base and re-read on every interceptor request, not
// cached in a handler closure.
type InterceptorConfig struct {
	APIKeys    map[string]string `yaml:"apiKeys,omitempty"`
	HubMode    bool              `yaml:"hubMode"`
	HubHTTPURL string            `yaml:"hubHttpUrl,omitempty"`
	HubToken   string            `yaml:"hubToken,omitempty"`
	APIBaseURL string            `yaml:"apiBaseUrl,omitempty"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes cfg back to path, used by configure_keys/configure_hub/
// configure_api_base so interceptor state survives a restart.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600) // 0600: apiKeys live in this file
}

// WriteDefault writes a config.yaml with all fields populated and a
// comment header. Used by first-run setup and `meshd config edit` when
// no config file exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# meshd configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3100)
#
# providers:
#   <key>:
#     upstream: Full URL to the real LLM API
#
# interceptor:
#   apiKeys: per-provider API keys used when hubMode is false
#   hubMode: true routes every request through the connected hub instead
#   hubHttpUrl / hubToken: the hub endpoint and auth token
#   apiBaseUrl: override the upstream base URL (self-hosted/compatible endpoint)
#
# dashboard:
#   enabled: serve the web UI at /dashboard on the same port

`
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3100,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {Upstream: "https://api.anthropic.com"},
			"openai":    {Upstream: "https://api.openai.com"},
			"moonshot":  {Upstream: "https://api.moonshot.cn"},
			"qwen":      {Upstream: "https://dashscope.aliyuncs.com/compatible-mode"},
			"minimax":   {Upstream: "https://api.minimax.io"},
			"zhipu":     {Upstream: "https://open.bigmodel.cn/api"},
		},
		Interceptor: InterceptorConfig{
			APIKeys: map[string]string{},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	for name, p := range cfg.Providers {
		if p.Upstream == "" {
			return fmt.Errorf("provider %q: upstream URL is required", name)
		}
	}

	if cfg.Interceptor.HubMode && cfg.Interceptor.HubHTTPURL == "" {
		return fmt.Errorf("interceptor.hubMode is enabled but hubHttpUrl is empty")
	}

	return nil
}
