// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRIARB_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"okx-triarb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. It is constructed once at startup and passed by value to the
// subsystems; nothing mutates it afterwards.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Mode    string        `mapstructure:"mode"` // "auto" (trading) or "monitor" (observe only)
	Trading TradingConfig `mapstructure:"trading"`
	Risk    RiskConfig    `mapstructure:"risk"`
	API     APIConfig     `mapstructure:"api"`
	Status  StatusConfig  `mapstructure:"status"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`

	// Warnings collected during Load (deprecated keys etc.), logged by main.
	Warnings []string `mapstructure:"-"`
}

// TradingConfig tunes the evaluator and executor.
//
//   - FeeRate: default taker fee per pair; FeeRateOverrides wins per pair.
//   - SlippageTolerance: marketable-limit price cushion per leg.
//   - MinProfitThreshold: minimum net round-trip rate to emit an opportunity.
//   - MaxProfitRateThreshold: sanity cap — rates above this are treated as
//     data artifacts and skipped.
//   - OrderTimeout: per-leg deadline before the order is cancelled.
//   - FreshnessBudget: maximum order-book age on the evaluation path.
//   - DustThreshold: unfilled fraction below which a partial leg still
//     continues the chain.
type TradingConfig struct {
	FeeRate                float64            `mapstructure:"fee_rate"`
	FeeRateOverrides       map[string]float64 `mapstructure:"fee_rate_overrides"`
	SlippageTolerance      float64            `mapstructure:"slippage_tolerance"`
	MinProfitThreshold     float64            `mapstructure:"min_profit_threshold"`
	MaxProfitRateThreshold float64            `mapstructure:"max_profit_rate_threshold"`
	OrderTimeout           time.Duration      `mapstructure:"order_timeout"`
	MinTradeAmount         float64            `mapstructure:"min_trade_amount"`
	MonitorInterval        time.Duration      `mapstructure:"monitor_interval"`
	FreshnessBudget        time.Duration      `mapstructure:"freshness_budget"`
	MaxOpportunityAge      time.Duration      `mapstructure:"max_opportunity_age"`
	DustThreshold          float64            `mapstructure:"dust_threshold"`
	StablecoinRangeMin     float64            `mapstructure:"stablecoin_price_range_min"`
	StablecoinRangeMax     float64            `mapstructure:"stablecoin_price_range_max"`
	Paths                  []PathSpec         `mapstructure:"paths"`
}

// PathSpec is a configured arbitrage path: a human-readable route plus the
// explicit trade steps that realize it.
type PathSpec struct {
	Route string     `mapstructure:"route" json:"route"`
	Steps []StepSpec `mapstructure:"steps" json:"steps"`
}

// StepSpec is one configured leg.
type StepSpec struct {
	Pair   string `mapstructure:"pair" json:"pair"`
	Action string `mapstructure:"action" json:"action"`
}

// RiskConfig sets the hard limits enforced by the risk gate.
type RiskConfig struct {
	MaxPositionRatio     float64       `mapstructure:"max_position_ratio"`
	MaxSingleTradeRatio  float64       `mapstructure:"max_single_trade_ratio"`
	MinArbitrageInterval time.Duration `mapstructure:"min_arbitrage_interval"`
	MaxDailyTrades       int           `mapstructure:"max_daily_trades"`
	MaxDailyLossRatio    float64       `mapstructure:"max_daily_loss_ratio"`
	StopLossRatio        float64       `mapstructure:"stop_loss_ratio"`
	NetworkRetryCount    int           `mapstructure:"network_retry_count"`
	NetworkRetryDelay    time.Duration `mapstructure:"network_retry_delay"`
	BalanceCheckInterval time.Duration `mapstructure:"balance_check_interval"`
}

// APIConfig holds OKX endpoints and credentials. Empty credentials put the
// engine in public-only mode: market data works, trading is refused.
type APIConfig struct {
	RestBaseURL string `mapstructure:"rest_base_url"`
	WSPublicURL string `mapstructure:"ws_public_url"`
	ApiKey      string `mapstructure:"api_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Passphrase  string `mapstructure:"passphrase"`
	Simulated   bool   `mapstructure:"simulated"` // demo-trading flag ("1")
}

// PublicOnly reports whether no API credentials are configured.
func (a APIConfig) PublicOnly() bool {
	return a.ApiKey == "" || a.SecretKey == "" || a.Passphrase == ""
}

// StatusConfig controls the operator status HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig sets where trade records are persisted (JSON lines).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRIARB_API_KEY, TRIARB_SECRET_KEY,
// TRIARB_PASSPHRASE, TRIARB_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRIARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config

	// Deprecated: trading.price_adjustment is the old name for
	// trading.slippage_tolerance.
	if v.InConfig("trading.price_adjustment") {
		if !v.InConfig("trading.slippage_tolerance") {
			v.Set("trading.slippage_tolerance", v.GetFloat64("trading.price_adjustment"))
		}
		cfg.Warnings = append(cfg.Warnings,
			"trading.price_adjustment is deprecated, use trading.slippage_tolerance")
	}

	if err := rejectUnknownKeys(v); err != nil {
		return nil, err
	}

	warnings := cfg.Warnings
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Warnings = warnings

	// Legacy path1, path2, ... keys carry JSON-encoded path objects.
	legacy, err := legacyPaths(v)
	if err != nil {
		return nil, err
	}
	cfg.Trading.Paths = append(cfg.Trading.Paths, legacy...)

	// Override sensitive fields from env
	if key := os.Getenv("TRIARB_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("TRIARB_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if pass := os.Getenv("TRIARB_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("TRIARB_DRY_RUN") == "true" || os.Getenv("TRIARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "monitor")
	v.SetDefault("trading.fee_rate", 0.001)
	v.SetDefault("trading.slippage_tolerance", 0.002)
	v.SetDefault("trading.min_profit_threshold", 0.003)
	v.SetDefault("trading.max_profit_rate_threshold", 0.01)
	v.SetDefault("trading.order_timeout", "3s")
	v.SetDefault("trading.min_trade_amount", 100.0)
	v.SetDefault("trading.monitor_interval", "1s")
	v.SetDefault("trading.freshness_budget", "500ms")
	v.SetDefault("trading.max_opportunity_age", "5s")
	v.SetDefault("trading.dust_threshold", 0.05)
	v.SetDefault("trading.stablecoin_price_range_min", 0.95)
	v.SetDefault("trading.stablecoin_price_range_max", 1.05)
	v.SetDefault("risk.max_position_ratio", 0.2)
	v.SetDefault("risk.max_single_trade_ratio", 0.1)
	v.SetDefault("risk.min_arbitrage_interval", "10s")
	v.SetDefault("risk.max_daily_trades", 100)
	v.SetDefault("risk.max_daily_loss_ratio", 0.05)
	v.SetDefault("risk.stop_loss_ratio", 0.1)
	v.SetDefault("risk.network_retry_count", 3)
	v.SetDefault("risk.network_retry_delay", "1s")
	v.SetDefault("risk.balance_check_interval", "60s")
	v.SetDefault("api.rest_base_url", "https://www.okx.com")
	v.SetDefault("api.ws_public_url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("api.simulated", true)
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8088)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.data_dir", "data")
}

// knownKeyPrefixes are the config subtrees whose member keys are free-form
// (per-pair maps, path lists) and therefore exempt from unknown-key checks.
var knownKeyPrefixes = []string{
	"trading.fee_rate_overrides.",
	"trading.paths",
	"trading.path", // legacy path1, path2, ... JSON keys
}

// rejectUnknownKeys fails fast on config keys that nothing reads.
// A typoed limit silently falling back to its default is worse than a
// startup error.
func rejectUnknownKeys(v *viper.Viper) error {
	known := make(map[string]bool)
	for _, k := range []string{
		"dry_run", "mode",
		"trading.fee_rate", "trading.slippage_tolerance", "trading.price_adjustment",
		"trading.min_profit_threshold", "trading.max_profit_rate_threshold",
		"trading.order_timeout", "trading.min_trade_amount", "trading.monitor_interval",
		"trading.freshness_budget", "trading.max_opportunity_age", "trading.dust_threshold",
		"trading.stablecoin_price_range_min", "trading.stablecoin_price_range_max",
		"risk.max_position_ratio", "risk.max_single_trade_ratio", "risk.min_arbitrage_interval",
		"risk.max_daily_trades", "risk.max_daily_loss_ratio", "risk.stop_loss_ratio",
		"risk.network_retry_count", "risk.network_retry_delay", "risk.balance_check_interval",
		"api.rest_base_url", "api.ws_public_url", "api.api_key", "api.secret_key",
		"api.passphrase", "api.simulated",
		"status.enabled", "status.port",
		"logging.level", "logging.format",
		"store.data_dir",
	} {
		known[k] = true
	}

	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if known[key] {
			continue
		}
		exempt := false
		for _, prefix := range knownKeyPrefixes {
			if strings.HasPrefix(key, prefix) {
				exempt = true
				break
			}
		}
		if !exempt {
			return &types.ConfigError{Key: key, Msg: "unknown key"}
		}
	}
	return nil
}

// legacyPaths parses trading.path1, trading.path2, ... JSON-string keys.
func legacyPaths(v *viper.Viper) ([]PathSpec, error) {
	var specs []PathSpec
	for i := 1; ; i++ {
		key := fmt.Sprintf("trading.path%d", i)
		raw := v.GetString(key)
		if raw == "" {
			break
		}
		var spec PathSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, &types.ConfigError{Key: key, Msg: fmt.Sprintf("invalid path JSON: %v", err)}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParsedPaths converts the configured path specs into validated types.Path
// values.
func (c *Config) ParsedPaths() ([]types.Path, error) {
	if len(c.Trading.Paths) == 0 {
		return nil, &types.ConfigError{Key: "trading.paths", Msg: "at least one path is required"}
	}
	paths := make([]types.Path, 0, len(c.Trading.Paths))
	for _, spec := range c.Trading.Paths {
		steps := make([]types.PathStep, 0, len(spec.Steps))
		for _, s := range spec.Steps {
			pair, err := types.ParsePair(s.Pair)
			if err != nil {
				return nil, &types.ConfigError{Key: "trading.paths", Msg: err.Error()}
			}
			action := types.Side(strings.ToLower(s.Action))
			steps = append(steps, types.PathStep{Pair: pair, Action: action})
		}
		path := types.Path{Route: spec.Route, Steps: steps}
		if err := path.Validate(); err != nil {
			return nil, &types.ConfigError{Key: "trading.paths", Msg: err.Error()}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// FeeFor returns the fee rate for a pair, honoring per-pair overrides.
func (c *Config) FeeFor(pair string) float64 {
	if fee, ok := c.Trading.FeeRateOverrides[pair]; ok {
		return fee
	}
	return c.Trading.FeeRate
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != "auto" && c.Mode != "monitor" {
		return &types.ConfigError{Key: "mode", Msg: "must be \"auto\" or \"monitor\""}
	}
	t := c.Trading
	if t.FeeRate < 0 || t.FeeRate > 1 {
		return &types.ConfigError{Key: "trading.fee_rate", Msg: "must be in [0, 1]"}
	}
	if t.SlippageTolerance < 0 || t.SlippageTolerance > 0.02 {
		return &types.ConfigError{Key: "trading.slippage_tolerance", Msg: "must be in [0, 0.02]"}
	}
	if t.MinProfitThreshold < 0 || t.MinProfitThreshold > 0.05 {
		return &types.ConfigError{Key: "trading.min_profit_threshold", Msg: "must be in [0, 0.05]"}
	}
	if t.OrderTimeout <= 0 || t.OrderTimeout > time.Minute {
		return &types.ConfigError{Key: "trading.order_timeout", Msg: "must be in (0, 60s]"}
	}
	if t.MinTradeAmount <= 0 {
		return &types.ConfigError{Key: "trading.min_trade_amount", Msg: "must be > 0"}
	}
	if t.MonitorInterval <= 0 {
		return &types.ConfigError{Key: "trading.monitor_interval", Msg: "must be > 0"}
	}
	if t.FreshnessBudget <= 0 {
		return &types.ConfigError{Key: "trading.freshness_budget", Msg: "must be > 0"}
	}
	if t.DustThreshold < 0 || t.DustThreshold >= 1 {
		return &types.ConfigError{Key: "trading.dust_threshold", Msg: "must be in [0, 1)"}
	}

	r := c.Risk
	if r.MaxPositionRatio <= 0 || r.MaxPositionRatio > 1 {
		return &types.ConfigError{Key: "risk.max_position_ratio", Msg: "must be in (0, 1]"}
	}
	if r.MaxSingleTradeRatio <= 0 || r.MaxSingleTradeRatio > 1 {
		return &types.ConfigError{Key: "risk.max_single_trade_ratio", Msg: "must be in (0, 1]"}
	}
	if r.MaxSingleTradeRatio > r.MaxPositionRatio {
		return &types.ConfigError{Key: "risk.max_single_trade_ratio", Msg: "must not exceed risk.max_position_ratio"}
	}
	if r.MinArbitrageInterval < 0 || r.MinArbitrageInterval > time.Hour {
		return &types.ConfigError{Key: "risk.min_arbitrage_interval", Msg: "must be in [0, 1h]"}
	}
	if r.MaxDailyTrades < 1 || r.MaxDailyTrades > 10000 {
		return &types.ConfigError{Key: "risk.max_daily_trades", Msg: "must be in [1, 10000]"}
	}
	if r.MaxDailyLossRatio <= 0 || r.MaxDailyLossRatio > 1 {
		return &types.ConfigError{Key: "risk.max_daily_loss_ratio", Msg: "must be in (0, 1]"}
	}
	if r.StopLossRatio <= 0 || r.StopLossRatio > 1 {
		return &types.ConfigError{Key: "risk.stop_loss_ratio", Msg: "must be in (0, 1]"}
	}
	if r.NetworkRetryCount < 0 || r.NetworkRetryCount > 10 {
		return &types.ConfigError{Key: "risk.network_retry_count", Msg: "must be in [0, 10]"}
	}

	if c.API.RestBaseURL == "" {
		return &types.ConfigError{Key: "api.rest_base_url", Msg: "is required"}
	}
	if c.API.WSPublicURL == "" {
		return &types.ConfigError{Key: "api.ws_public_url", Msg: "is required"}
	}
	if c.Mode == "auto" && c.API.PublicOnly() && !c.DryRun {
		return &types.ConfigError{Key: "mode", Msg: "auto mode requires API credentials (or dry_run)"}
	}

	if _, err := c.ParsedPaths(); err != nil {
		return err
	}
	return nil
}
