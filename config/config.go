package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Upstream UpstreamConfig `toml:"upstream"`
	Verifier VerifierConfig `toml:"verifier"`
	Cache    CacheConfig    `toml:"cache"`
}

type ServerConfig struct {
	BaseHost            string `toml:"base_host"`
	Port                int    `toml:"port"`
	InternalAddr        string `toml:"internal_addr"`
	CacheDir            string `toml:"cache_dir"`
	LogLevel            string `toml:"log_level"`
	BackfillOnStartup   bool   `toml:"backfill_on_startup"`
	BackfillConcurrency int    `toml:"backfill_concurrency"`
	CacheOnly           bool   `toml:"cache_only"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type UpstreamConfig struct {
	StreamURL    string `toml:"stream_url"`
	PLCDirectory string `toml:"plc_directory"`
}

type VerifierConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
}

type CacheConfig struct {
	FileBudgetMB int `toml:"file_budget_mb"`
	HTMLBudgetMB int `toml:"html_budget_mb"`
	MetaEntries  int `toml:"meta_entries"`
}

// Load reads the TOML file at path and applies env var and built-in
// defaults. An empty path skips the file and configures from env alone.
func Load(path string) (*Config, error) {
	var cfg Config
	var md toml.MetaData
	if path != "" {
		var err error
		md, err = toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}

		// Warn about unknown keys (likely typos).
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			slog.Warn("unknown keys in config file (check for typos)", "keys", strings.Join(keys, ", "))
		}
	}

	// All fields follow TOML > env var > default precedence.
	strDefault(&cfg.Server.BaseHost, "WISP_BASE_HOST", "wisp.place")
	strDefault(&cfg.Server.InternalAddr, "WISP_INTERNAL_ADDR", "")
	strDefault(&cfg.Server.CacheDir, "WISP_CACHE_DIR", "./cache")
	strDefault(&cfg.Server.LogLevel, "WISP_LOG_LEVEL", "info")
	strDefault(&cfg.Database.URL, "DATABASE_URL", "")
	strDefault(&cfg.Upstream.StreamURL, "WISP_STREAM_URL", "wss://jetstream2.us-east.bsky.network/subscribe")
	strDefault(&cfg.Upstream.PLCDirectory, "WISP_PLC_DIRECTORY", "https://plc.directory")

	if err := intDefault(md, &cfg.Server.Port, "WISP_PORT", 8080, "server", "port"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Server.BackfillConcurrency, "WISP_BACKFILL_CONCURRENCY", 4, "server", "backfill_concurrency"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Verifier.IntervalMinutes, "WISP_VERIFY_INTERVAL_MINUTES", 60, "verifier", "interval_minutes"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.FileBudgetMB, "WISP_FILE_CACHE_MB", 256, "cache", "file_budget_mb"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.HTMLBudgetMB, "WISP_HTML_CACHE_MB", 64, "cache", "html_budget_mb"); err != nil {
		return nil, err
	}
	if err := intDefault(md, &cfg.Cache.MetaEntries, "WISP_META_CACHE_ENTRIES", 4096, "cache", "meta_entries"); err != nil {
		return nil, err
	}

	boolDefault(md, &cfg.Server.BackfillOnStartup, "WISP_BACKFILL_ON_STARTUP", false, "server", "backfill_on_startup")
	boolDefault(md, &cfg.Server.CacheOnly, "WISP_CACHE_ONLY", false, "server", "cache_only")

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.BackfillConcurrency < 1 {
		return nil, fmt.Errorf("backfill_concurrency must be positive, got %d", cfg.Server.BackfillConcurrency)
	}
	if cfg.Verifier.IntervalMinutes < 1 {
		return nil, fmt.Errorf("interval_minutes must be positive, got %d", cfg.Verifier.IntervalMinutes)
	}
	if cfg.Cache.FileBudgetMB < 0 || cfg.Cache.HTMLBudgetMB < 0 {
		return nil, fmt.Errorf("cache budgets must be non-negative")
	}
	if !cfg.Server.CacheOnly && cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url (or DATABASE_URL) is required unless cache_only is set")
	}

	return &cfg, nil
}

// strDefault fills *dst from envKey if *dst is empty (not set in TOML),
// then falls back to def.
func strDefault(dst *string, envKey, def string) {
	if *dst == "" {
		*dst = os.Getenv(envKey)
	}
	if *dst == "" {
		*dst = def
	}
}

// intDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def.
func intDefault(md toml.MetaData, dst *int, envKey string, def int, tomlPath ...string) error {
	if md.IsDefined(tomlPath...) {
		return nil
	}
	if v := os.Getenv(envKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		*dst = n
		return nil
	}
	*dst = def
	return nil
}

// boolDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def. Accepts "true" and "1" as truthy values.
func boolDefault(md toml.MetaData, dst *bool, envKey string, def bool, tomlPath ...string) {
	if md.IsDefined(tomlPath...) {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		*dst = v == "true" || v == "1"
		return
	}
	*dst = def
}
