package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

type ExchangeConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	WsURL              string `toml:"ws_url" yaml:"ws_url"`
	SubscribeTimeoutMs int    `toml:"subscribe_timeout_ms" yaml:"subscribe_timeout_ms"`
	PingIntervalSec    int    `toml:"ping_interval_sec" yaml:"ping_interval_sec"`
}

type Config struct {
	App struct {
		PrintEverySec    int    `toml:"print_every_sec" yaml:"print_every_sec"`
		SnapshotEveryMin int    `toml:"snapshot_every_min" yaml:"snapshot_every_min"`
		LogLevel         string `toml:"log_level" yaml:"log_level"`
		LogFile          string `toml:"log_file" yaml:"log_file"`
	} `toml:"app" yaml:"app"`

	Exchanges map[string]ExchangeConfig `toml:"exchanges" yaml:"exchanges"`

	Payload struct {
		DefaultMaxBytes int            `toml:"default_max_bytes" yaml:"default_max_bytes"`
		MaxBytesByKind  map[string]int `toml:"max_bytes_by_kind" yaml:"max_bytes_by_kind"`
	} `toml:"payload" yaml:"payload"`

	Cache struct {
		MaxChartLastBarEntries int `toml:"max_chart_last_bar_entries" yaml:"max_chart_last_bar_entries"`
	} `toml:"cache" yaml:"cache"`

	Subscriptions struct {
		MaxTrackedKeys int    `toml:"max_tracked_keys" yaml:"max_tracked_keys"`
		ReleasePolicy  string `toml:"release_policy" yaml:"release_policy"`
	} `toml:"subscriptions" yaml:"subscriptions"`

	Reconnect struct {
		MaxAttemptsBeforeCooldown int     `toml:"max_attempts_before_cooldown" yaml:"max_attempts_before_cooldown"`
		CooldownMs                int     `toml:"cooldown_ms" yaml:"cooldown_ms"`
		BaseDelayMs               int     `toml:"base_delay_ms" yaml:"base_delay_ms"`
		MaxDelayMs                int     `toml:"max_delay_ms" yaml:"max_delay_ms"`
		Multiplier                float64 `toml:"multiplier" yaml:"multiplier"`
	} `toml:"reconnect" yaml:"reconnect"`

	Streams struct {
		Coins           []string `toml:"coins" yaml:"coins"`
		CandleIntervals []string `toml:"candle_intervals" yaml:"candle_intervals"`
		Books           bool     `toml:"books" yaml:"books"`
		Trades          bool     `toml:"trades" yaml:"trades"`
		AllMids         bool     `toml:"all_mids" yaml:"all_mids"`
		Users           []string `toml:"users" yaml:"users"`
	} `toml:"streams" yaml:"streams"`

	HTTP struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		Addr    string `toml:"addr" yaml:"addr"`
	} `toml:"http" yaml:"http"`

	Redis struct {
		Enabled      bool   `toml:"enabled" yaml:"enabled"`
		Addr         string `toml:"addr" yaml:"addr"`
		Password     string `toml:"password" yaml:"password"`
		DB           int    `toml:"db" yaml:"db"`
		Prefix       string `toml:"prefix" yaml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds" yaml:"ttl_seconds"`
		EventStream  string `toml:"event_stream" yaml:"event_stream"`
		EventChannel string `toml:"event_channel" yaml:"event_channel"`
	} `toml:"redis" yaml:"redis"`

	SQLite struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		Path    string `toml:"path" yaml:"path"`
	} `toml:"sqlite" yaml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		DSN     string `toml:"dsn" yaml:"dsn"`
	} `toml:"postgres" yaml:"postgres"`
}

var validIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Load 读取配置文件，.yaml/.yml 按 YAML 解析，其余按 TOML 解析
func Load(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied and Hyperliquid enabled.
func Default() *Config {
	var cfg Config
	cfg.Exchanges = map[string]ExchangeConfig{
		"HYPERLIQUID": {Enabled: true, WsURL: "wss://api.hyperliquid.xyz/ws"},
	}
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEverySec <= 0 {
		cfg.App.PrintEverySec = 10
	}
	if cfg.App.SnapshotEveryMin <= 0 {
		cfg.App.SnapshotEveryMin = 5
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	normalized := make(map[string]ExchangeConfig, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		if ex.SubscribeTimeoutMs <= 0 {
			ex.SubscribeTimeoutMs = 10000
		}
		if ex.PingIntervalSec <= 0 {
			ex.PingIntervalSec = 50
		}
		ex.WsURL = strings.TrimSpace(ex.WsURL)
		normalized[strings.ToUpper(strings.TrimSpace(name))] = ex
	}
	cfg.Exchanges = normalized

	if cfg.Payload.DefaultMaxBytes <= 0 {
		cfg.Payload.DefaultMaxBytes = 512 * 1024
	}
	defaults := map[string]int{
		"l2Book":   1 << 20,
		"webData2": 2 << 20,
		"trades":   256 * 1024,
		"candle":   64 * 1024,
		"allMids":  512 * 1024,
	}
	if cfg.Payload.MaxBytesByKind == nil {
		cfg.Payload.MaxBytesByKind = make(map[string]int, len(defaults))
	}
	for kind, n := range defaults {
		if _, ok := cfg.Payload.MaxBytesByKind[kind]; !ok {
			cfg.Payload.MaxBytesByKind[kind] = n
		}
	}

	if cfg.Cache.MaxChartLastBarEntries <= 0 {
		cfg.Cache.MaxChartLastBarEntries = 256
	}
	if cfg.Subscriptions.MaxTrackedKeys <= 0 {
		cfg.Subscriptions.MaxTrackedKeys = 200
	}
	if cfg.Subscriptions.ReleasePolicy == "" {
		cfg.Subscriptions.ReleasePolicy = "delete"
	}

	if cfg.Reconnect.MaxAttemptsBeforeCooldown <= 0 {
		cfg.Reconnect.MaxAttemptsBeforeCooldown = 5
	}
	if cfg.Reconnect.CooldownMs <= 0 {
		cfg.Reconnect.CooldownMs = 60000
	}
	if cfg.Reconnect.BaseDelayMs <= 0 {
		cfg.Reconnect.BaseDelayMs = 1000
	}
	if cfg.Reconnect.MaxDelayMs <= 0 {
		cfg.Reconnect.MaxDelayMs = 30000
	}
	if cfg.Reconnect.Multiplier <= 0 {
		cfg.Reconnect.Multiplier = 2
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "hlstream"
	}
	if cfg.Redis.EventStream == "" {
		cfg.Redis.EventStream = cfg.Redis.Prefix + ":events"
	}
	if cfg.Redis.EventChannel == "" {
		cfg.Redis.EventChannel = cfg.Redis.Prefix + ":events:pub"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/hlstream.db"
	}
}

func validate(cfg *Config) error {
	// 币种区分大小写（kPEPE），只去空格和去重
	cfg.Streams.Coins = normalizeList(cfg.Streams.Coins, keepCase)
	cfg.Streams.Users = normalizeList(cfg.Streams.Users, strings.ToLower)
	cfg.Streams.CandleIntervals = normalizeList(cfg.Streams.CandleIntervals, keepCase)

	if len(cfg.GetEnabledExchanges()) == 0 {
		return errors.New("no exchange enabled")
	}
	for name, ex := range cfg.Exchanges {
		if ex.Enabled && ex.WsURL == "" {
			return fmt.Errorf("exchanges.%s.ws_url empty but enabled", strings.ToLower(name))
		}
	}
	for _, iv := range cfg.Streams.CandleIntervals {
		if !validIntervals[iv] {
			return fmt.Errorf("streams.candle_intervals: unsupported interval %q", iv)
		}
	}
	for kind, n := range cfg.Payload.MaxBytesByKind {
		if n <= 0 {
			return fmt.Errorf("payload.max_bytes_by_kind.%s must be positive", kind)
		}
	}
	if _, err := service.ParseReleasePolicy(cfg.Subscriptions.ReleasePolicy); err != nil {
		return fmt.Errorf("subscriptions.release_policy: %w", err)
	}
	if cfg.Reconnect.BaseDelayMs > cfg.Reconnect.MaxDelayMs {
		return errors.New("reconnect.base_delay_ms exceeds max_delay_ms")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	return nil
}

// GetEnabledExchanges 返回已启用的交易所名称（大写，排序）
func (c *Config) GetEnabledExchanges() []string {
	var out []string
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PayloadLimits converts the [payload] section.
func (c *Config) PayloadLimits() domain.PayloadLimits {
	byKind := make(map[string]int, len(c.Payload.MaxBytesByKind))
	for k, v := range c.Payload.MaxBytesByKind {
		byKind[k] = v
	}
	return domain.PayloadLimits{Default: c.Payload.DefaultMaxBytes, ByKind: byKind}
}

// ReconnectPolicy converts the [reconnect] section.
func (c *Config) ReconnectPolicy() domain.ReconnectPolicy {
	return domain.ReconnectPolicy{
		BaseDelay:                 time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:                  time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		Multiplier:                c.Reconnect.Multiplier,
		MaxAttemptsBeforeCooldown: c.Reconnect.MaxAttemptsBeforeCooldown,
		Cooldown:                  time.Duration(c.Reconnect.CooldownMs) * time.Millisecond,
	}
}

func keepCase(s string) string { return s }

func normalizeList(in []string, norm func(string) string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := norm(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
