package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Providers []ProviderConfig `toml:"providers"`
	Gateway   GatewayConfig    `toml:"gateway"`
	Database  DatabaseConfig   `toml:"database"`
	Workspace WorkspaceConfig  `toml:"workspace"`
	Engine    EngineConfig     `toml:"engine"`
	Bus       BusConfig        `toml:"bus"`
	Tools     ToolsConfig      `toml:"tools"`
	Observer  ObserverConfig   `toml:"observer"`
}

type ProviderConfig struct {
	Provider      string `toml:"provider"`
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	RPM           int    `toml:"rpm"`
	TPM           int    `toml:"tpm"`
	MaxContext    int    `toml:"max_context"`
	NoTemperature bool   `toml:"no_temperature"`
}

type GatewayConfig struct {
	Chain           []string `toml:"chain"`
	CooldownSeconds int      `toml:"cooldown_seconds"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

type WorkspaceConfig struct {
	Root string `toml:"root"`
}

type EngineConfig struct {
	PhaseTimeoutMinutes int `toml:"phase_timeout_minutes"`
	MaxRounds           int `toml:"max_rounds"`
}

type BusConfig struct {
	MailboxCapacity int `toml:"mailbox_capacity"`
	// RetentionDays bounds how long terminal runs keep their message log.
	// 0 keeps the 7-day default; negative disables pruning.
	RetentionDays int `toml:"retention_days"`
}

type ToolsConfig struct {
	CallQuota     int    `toml:"call_quota"`
	WriteQuota    int    `toml:"write_quota"`
	CallTimeoutMS int    `toml:"call_timeout_ms"`
	ExecTimeoutMS int    `toml:"exec_timeout_ms"`
	BuildCmd      string `toml:"build_cmd"`
	TestCmd       string `toml:"test_cmd"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Database:  DatabaseConfig{Driver: "sqlite", Path: "atelier.db"},
		Workspace: WorkspaceConfig{Root: filepath.Join(home, "atelier-workspace")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "atelier.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ATELIER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ATELIER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ATELIER_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("ATELIER_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("ATELIER_PHASE_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.PhaseTimeoutMinutes = n
		}
	}
	if os.Getenv("ATELIER_OBSERVER_ENABLED") == "true" || os.Getenv("ATELIER_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("ATELIER_FALLBACK_CHAIN"); v != "" {
		cfg.Gateway.Chain = splitList(v)
	}
	if v := os.Getenv("ATELIER_PROVIDER_DEFAULT"); v != "" {
		cfg.Gateway.Chain = frontOfChain(cfg.Gateway.Chain, v)
	}
	if v := os.Getenv("ATELIER_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.CooldownSeconds = n
		}
	}
	if v := os.Getenv("ATELIER_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MailboxCapacity = n
		}
	}
	if v := os.Getenv("ATELIER_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.RetentionDays = n
		}
	}
	if v := os.Getenv("ATELIER_TOOL_CALL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tools.CallTimeoutMS = n
		}
	}

	// A single ATELIER_API_KEY fills every provider entry that has none.
	if v := os.Getenv("ATELIER_API_KEY"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].APIKey == "" {
				cfg.Providers[i].APIKey = v
			}
		}
	}
	// Per-provider keys win: ATELIER_API_KEY_OPENAI, ATELIER_API_KEY_ANTHROPIC, ...
	for i := range cfg.Providers {
		if v := os.Getenv("ATELIER_API_KEY_" + envSuffix(cfg.Providers[i].Provider)); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}

	return cfg
}

// splitList parses a comma-separated env value, dropping empty elements.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// frontOfChain moves name to the head of the fallback chain, adding it when
// absent.
func frontOfChain(chain []string, name string) []string {
	out := []string{name}
	for _, c := range chain {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

func envSuffix(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
