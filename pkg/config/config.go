package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"multisend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = ".multisend.json"

// PrivateKeyEnv names the environment variable holding the signing key.
const PrivateKeyEnv = "MULTISEND_PRIVATE_KEY"

// Multicall3 is deployed at the same address on most chains and on the
// scaffold's local devnet.
const DefaultMulticallAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"

var (
	ErrNoTokens     = errors.New("configuration must have at least one token")
	ErrNoRPC        = errors.New("configuration must have an rpc_url")
	ErrNativeTokens = errors.New("configuration must have exactly one native token")
)

// Format is the on-disk encoding of a config file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// TokenConfig holds configuration for a registry token.
type TokenConfig struct {
	Symbol      string `json:"symbol" yaml:"symbol"`
	Name        string `json:"name" yaml:"name"`
	Address     string `json:"address" yaml:"address"`
	Decimals    int    `json:"decimals" yaml:"decimals"`
	CoinGeckoID string `json:"coingecko_id" yaml:"coingecko_id"`
	Native      bool   `json:"native,omitempty" yaml:"native,omitempty"`
}

// Config holds application-wide settings.
type Config struct {
	RPCURL                 string        `json:"rpc_url" yaml:"rpc_url"`
	ChainID                int64         `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	AggregatorAddress      string        `json:"aggregator_address" yaml:"aggregator_address"`
	MulticallAddress       string        `json:"multicall_address" yaml:"multicall_address"`
	PriceAPIBaseURL        string        `json:"price_api_base_url" yaml:"price_api_base_url"`
	Tokens                 []TokenConfig `json:"tokens" yaml:"tokens"`
	RefreshIntervalSeconds int           `json:"refresh_interval_seconds" yaml:"refresh_interval_seconds"`
	ReceiptTimeoutSeconds  int           `json:"receipt_timeout_seconds" yaml:"receipt_timeout_seconds"`
	FiatDecimals           int           `json:"fiat_decimals" yaml:"fiat_decimals"`
	TokenDecimals          int           `json:"token_decimals" yaml:"token_decimals"`
	LogLevel               string        `json:"log_level" yaml:"log_level"`
	LogFile                string        `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// DefaultTokens is the built-in registry used when the config has none.
func DefaultTokens() []TokenConfig {
	return []TokenConfig{
		{Symbol: "ETH", Name: "Ether", Address: common.Address{}.Hex(), Decimals: 18, CoinGeckoID: "ethereum", Native: true},
		{Symbol: "USDC", Name: "USD Coin", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, CoinGeckoID: "usd-coin"},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18, CoinGeckoID: "dai"},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, CoinGeckoID: "weth"},
		{Symbol: "LINK", Name: "Chainlink", Address: "0x514910771AF9Ca656af840dff83E8264EcF986CA", Decimals: 18, CoinGeckoID: "chainlink"},
	}
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		RPCURL:                 "http://localhost:8545",
		AggregatorAddress:      DefaultMulticallAddress,
		MulticallAddress:       DefaultMulticallAddress,
		PriceAPIBaseURL:        "https://api.coingecko.com/api/v3",
		Tokens:                 DefaultTokens(),
		RefreshIntervalSeconds: 30,
		ReceiptTimeoutSeconds:  60,
		FiatDecimals:           2,
		TokenDecimals:          4,
		LogLevel:               "info",
	}
}

func GetConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

// FormatForPath picks the encoding from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func LoadConfigFromFile(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f, FormatForPath(path))
}

// LoadConfig decodes r over Default, so fields absent from the file keep
// their default values.
func LoadConfig(r io.Reader, format Format) (Config, error) {
	cfg := Default()
	cfg.Tokens = nil
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode json config: %w", err)
		}
	}
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = DefaultTokens()
	}
	return cfg, nil
}

// Validate reports every structural problem of cfg.
func (c Config) Validate() []error {
	var errs []error
	if strings.TrimSpace(c.RPCURL) == "" {
		errs = append(errs, ErrNoRPC)
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, ErrNoTokens)
	}
	natives := 0
	for i, t := range c.Tokens {
		if strings.TrimSpace(t.Symbol) == "" {
			errs = append(errs, fmt.Errorf("token at index %d has no symbol", i))
		}
		if t.Native {
			natives++
			continue
		}
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Errorf("token %s has an invalid address %q", t.Symbol, t.Address))
		}
		if t.Decimals < 0 || t.Decimals > 77 {
			errs = append(errs, fmt.Errorf("token %s has invalid decimals %d", t.Symbol, t.Decimals))
		}
	}
	if len(c.Tokens) > 0 && natives != 1 {
		errs = append(errs, ErrNativeTokens)
	}
	if !common.IsHexAddress(c.AggregatorAddress) {
		errs = append(errs, fmt.Errorf("aggregator_address %q is not a valid address", c.AggregatorAddress))
	}
	if !common.IsHexAddress(c.MulticallAddress) {
		errs = append(errs, fmt.Errorf("multicall_address %q is not a valid address", c.MulticallAddress))
	}
	return errs
}

// Registry converts the configured tokens into registry entries.
func (c Config) Registry() []models.Token {
	tokens := make([]models.Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		addr := common.HexToAddress(t.Address)
		if t.Native {
			addr = common.Address{}
		}
		name := t.Name
		if name == "" {
			name = t.Symbol
		}
		tokens = append(tokens, models.Token{
			Address:  addr,
			Symbol:   t.Symbol,
			Name:     name,
			Decimals: uint8(t.Decimals),
			IsNative: t.Native,
			PriceID:  t.CoinGeckoID,
		})
	}
	return tokens
}

func (c Config) Aggregator() common.Address { return common.HexToAddress(c.AggregatorAddress) }

func (c Config) Multicall() common.Address { return common.HexToAddress(c.MulticallAddress) }

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}

func SaveConfig(cfg Config, path string) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %w", errors.Join(errs...))
	}

	var (
		data []byte
		err  error
	)
	switch FormatForPath(path) {
	case FormatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("validation failed: encoded configuration is empty")
	}

	if _, err := os.Stat(path); err == nil {
		backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
		input, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read existing config for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return fmt.Errorf("failed to write backup config: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func RestoreLastBackup(configPath string) (string, error) {
	matches, err := filepath.Glob(configPath + ".*.bak")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no backup files found")
	}
	sort.Strings(matches)
	lastBackup := matches[len(matches)-1]

	data, err := os.ReadFile(lastBackup)
	if err != nil {
		return "", err
	}
	return lastBackup, os.WriteFile(configPath, data, 0600)
}
