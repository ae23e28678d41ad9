package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{
		"binance": {"base_asset": "USDT", "universe": ["BTC", "ETH"], "fee": 0.001},
		"bitkub": {"base_asset": "THB", "universe": ["BTC"], "fee": 0.0025},
		"orderbook_weights": [5, 2, 1, 1, 1, 0],
		"logging": {"level": "debug", "format": "text"},
		"server": {"port": 9000}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Exchanges) != 2 {
		t.Fatalf("exchanges = %d, want 2", len(cfg.Exchanges))
	}
	binance, ok := cfg.Exchanges["BINANCE"]
	if !ok {
		t.Fatal("exchange keys must be upper-cased")
	}
	if binance.BaseAsset != "USDT" || len(binance.Universe) != 2 || binance.Fee != 0.001 {
		t.Errorf("binance config = %+v", binance)
	}
	if cfg.OrderbookWeights[0] != 5 {
		t.Errorf("weights = %v", cfg.OrderbookWeights)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{
		"binance": {"base_asset": "USDT", "universe": ["BTC"]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default port = %d, want 8000", cfg.Server.Port)
	}
	if len(cfg.OrderbookWeights) != 6 || cfg.OrderbookWeights[0] != 4 {
		t.Errorf("default weights = %v", cfg.OrderbookWeights)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"no exchanges", `{"orderbook_weights": [4, 2, 1, 1, 0, 0]}`},
		{"missing base_asset", `{"binance": {"universe": ["BTC"]}}`},
		{"empty universe", `{"binance": {"base_asset": "USDT", "universe": []}}`},
		{"fee out of range", `{"binance": {"base_asset": "USDT", "universe": ["BTC"], "fee": 1.5}}`},
		{"wrong weight count", `{"binance": {"base_asset": "USDT", "universe": ["BTC"]}, "orderbook_weights": [4, 2]}`},
		{"negative weight", `{"binance": {"base_asset": "USDT", "universe": ["BTC"]}, "orderbook_weights": [4, -2, 1, 1, 0, 0]}`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
