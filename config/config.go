package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon's runtime parameters. Engine economics
// (fee treasury, default fee rate) and the operator wallet's owner set are
// fixed here at startup; everything else about a trade arrives with the trade
// itself.
type Config struct {
	DataDir        string `toml:"DataDir"`
	ServiceName    string `toml:"ServiceName"`
	Environment    string `toml:"Environment"`
	FeeTreasury    string `toml:"FeeTreasury"`
	DefaultFeeBps  uint32 `toml:"DefaultFeeBps"`
	MetricsEnabled bool   `toml:"MetricsEnabled"`

	// Operator wallet. The coordinator starts only when owners are listed.
	MultisigOwners     []string `toml:"MultisigOwners"`
	MultisigThreshold  int      `toml:"MultisigThreshold"`
	MultisigDailyLimit int64    `toml:"MultisigDailyLimit"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Unknown keys are rejected so typos fail loudly.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %s", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "escrowd"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

func validate(cfg *Config) error {
	if cfg.DefaultFeeBps > 10_000 {
		return fmt.Errorf("DefaultFeeBps out of range: %d", cfg.DefaultFeeBps)
	}
	treasury := strings.TrimSpace(strings.TrimPrefix(cfg.FeeTreasury, "0x"))
	if treasury != "" && len(treasury) != 40 {
		return fmt.Errorf("FeeTreasury must be a 20-byte hex address")
	}
	for _, owner := range cfg.MultisigOwners {
		trimmed := strings.TrimSpace(strings.TrimPrefix(owner, "0x"))
		if len(trimmed) != 40 {
			return fmt.Errorf("MultisigOwners entry %q must be a 20-byte hex address", owner)
		}
	}
	if len(cfg.MultisigOwners) > 0 {
		if cfg.MultisigThreshold < 1 || cfg.MultisigThreshold > len(cfg.MultisigOwners) {
			return fmt.Errorf("MultisigThreshold out of range: %d", cfg.MultisigThreshold)
		}
	}
	if cfg.MultisigDailyLimit < 0 {
		return fmt.Errorf("MultisigDailyLimit must be non-negative")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
