// Package config loads the executor configuration from a JSON file
// (default: config.json). Top-level keys are exchange names, each with
// its own portfolio settings; orderbook_weights tunes the weighted
// average pricing strategy. Credentials never live in the file — they
// come from <EXCHANGE>_API_KEY / _API_SECRET / _PASSPHRASE env vars.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultOrderbookWeights weights the synthetic best level and the five
// depth levels used by the weighted average strategy.
var DefaultOrderbookWeights = []float64{4, 2, 1, 1, 0, 0}

// ExchangeConfig is one exchange's portfolio configuration.
type ExchangeConfig struct {
	BaseAsset string   `mapstructure:"base_asset"`
	Universe  []string `mapstructure:"universe"`
	Fee       float64  `mapstructure:"fee"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig sets the HTTP listen port.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Config is the process-wide configuration. Immutable after Load.
type Config struct {
	Exchanges        map[string]ExchangeConfig
	OrderbookWeights []float64
	Logging          LoggingConfig
	Server           ServerConfig
}

// reserved top-level keys that are not exchange sections.
var reservedKeys = map[string]bool{
	"orderbook_weights": true,
	"logging":           true,
	"server":            true,
}

// Load reads config from a JSON file. Any top-level object that is not
// a reserved section is treated as an exchange configuration keyed by
// the (upper-cased) exchange name.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Exchanges:        make(map[string]ExchangeConfig),
		OrderbookWeights: DefaultOrderbookWeights,
		Server:           ServerConfig{Port: 8000},
	}

	if v.IsSet("orderbook_weights") {
		var weights []float64
		if err := v.UnmarshalKey("orderbook_weights", &weights); err != nil {
			return nil, fmt.Errorf("unmarshal orderbook_weights: %w", err)
		}
		cfg.OrderbookWeights = weights
	}
	if v.IsSet("logging") {
		if err := v.UnmarshalKey("logging", &cfg.Logging); err != nil {
			return nil, fmt.Errorf("unmarshal logging: %w", err)
		}
	}
	if v.IsSet("server") {
		if err := v.UnmarshalKey("server", &cfg.Server); err != nil {
			return nil, fmt.Errorf("unmarshal server: %w", err)
		}
	}

	for key, raw := range v.AllSettings() {
		if reservedKeys[key] {
			continue
		}
		if _, ok := raw.(map[string]any); !ok {
			continue
		}
		var ec ExchangeConfig
		if err := v.UnmarshalKey(key, &ec); err != nil {
			return nil, fmt.Errorf("unmarshal exchange %q: %w", key, err)
		}
		cfg.Exchanges[strings.ToUpper(key)] = ec
	}

	return cfg, cfg.Validate()
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("no exchange sections configured")
	}
	if len(c.OrderbookWeights) != 6 {
		return fmt.Errorf("orderbook_weights must have 6 entries, got %d", len(c.OrderbookWeights))
	}
	for i, w := range c.OrderbookWeights {
		if w < 0 {
			return fmt.Errorf("orderbook_weights[%d] must be >= 0", i)
		}
	}
	for name, ec := range c.Exchanges {
		if ec.BaseAsset == "" {
			return fmt.Errorf("%s: base_asset is required", name)
		}
		if len(ec.Universe) == 0 {
			return fmt.Errorf("%s: universe must not be empty", name)
		}
		if ec.Fee < 0 || ec.Fee >= 1 {
			return fmt.Errorf("%s: fee must be in [0, 1)", name)
		}
	}
	return nil
}
