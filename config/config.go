package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"rebasenet/crypto"
	nativecommon "rebasenet/native/common"

	"github.com/BurntSushi/toml"
)

const (
	defaultRPCAddress = ":8545"
	defaultDataDir    = "./rebased-data"
	defaultTokenEnv   = "REBASED_RPC_TOKEN"
	defaultPassEnv    = "REBASED_BRIDGE_PASSPHRASE"
	// defaultInitialRate is 5e10 wei-per-token-per-second, roughly 0.43%
	// daily on a freshly funded account.
	defaultInitialRate = "50000000000"
)

type Config struct {
	ChainID            uint64 `toml:"ChainID"`
	NetworkName        string `toml:"NetworkName"`
	RPCAddress         string `toml:"RPCAddress"`
	DataDir            string `toml:"DataDir"`
	RPCTokenEnv        string `toml:"RPCTokenEnv"`
	Operator           string `toml:"Operator"`
	InitialRate        string `toml:"InitialRate"`
	BridgeKeystorePath string `toml:"BridgeKeystorePath"`
	BridgePassEnv      string `toml:"BridgePassEnv"`
	RemoteSigner       string `toml:"RemoteSigner,omitempty"`

	BridgeQuota QuotaConfig  `toml:"BridgeQuota"`
	Pauses      PausesConfig `toml:"Pauses"`
	Log         LogConfig    `toml:"Log"`
}

// LogConfig controls the optional rotating file sink. Stdout JSON is always
// on; File adds a rotated on-disk copy for hosts without a log shipper.
type LogConfig struct {
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
	Compress   bool   `toml:"Compress,omitempty"`
}

// QuotaConfig bounds per-sender bridge crossings. Zero values leave the
// corresponding limit unenforced.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxTokensPerEpoch   uint64 `toml:"MaxTokensPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// PausesConfig disables module mutations at boot. Runtime pause state is
// persisted separately; these only seed a fresh data directory.
type PausesConfig struct {
	Rebase bool `toml:"Rebase"`
	Bridge bool `toml:"Bridge"`
	Vault  bool `toml:"Vault"`
}

// Load reads the configuration at path, creating a default file and a fresh
// bridge keystore on first boot.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.BridgeKeystorePath) == "" {
		cfg.BridgeKeystorePath = defaultKeystorePath(path)
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "rebasenet-local"
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.RPCTokenEnv) == "" {
		c.RPCTokenEnv = defaultTokenEnv
	}
	if strings.TrimSpace(c.BridgePassEnv) == "" {
		c.BridgePassEnv = defaultPassEnv
	}
	if strings.TrimSpace(c.InitialRate) == "" {
		c.InitialRate = defaultInitialRate
	}
}

// Validate checks the fields a node cannot boot without.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID required")
	}
	if strings.TrimSpace(c.Operator) == "" {
		return fmt.Errorf("config: Operator required")
	}
	if _, err := c.OperatorAddress(); err != nil {
		return fmt.Errorf("config: Operator: %w", err)
	}
	if _, err := c.Rate(); err != nil {
		return err
	}
	if _, _, err := c.RemoteSignerAddress(); err != nil {
		return err
	}
	return nil
}

// OperatorAddress decodes the rate operator's bech32 address.
func (c *Config) OperatorAddress() ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(c.Operator))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

// Rate parses the genesis accrual rate.
func (c *Config) Rate() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.InitialRate)
	rate, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || rate.Sign() < 0 {
		return nil, fmt.Errorf("config: InitialRate %q must be a non-negative integer", c.InitialRate)
	}
	return rate, nil
}

// RemoteSignerAddress decodes the counterparty bridge key when configured.
func (c *Config) RemoteSignerAddress() ([20]byte, bool, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(c.RemoteSigner)
	if trimmed == "" {
		return out, false, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, false, fmt.Errorf("config: RemoteSigner: %w", err)
	}
	copy(out[:], decoded.Bytes())
	return out, true, nil
}

// Quota converts the TOML quota section into runtime limits.
func (c *Config) Quota() nativecommon.Quota {
	return nativecommon.Quota{
		MaxRequestsPerEpoch: c.BridgeQuota.MaxRequestsPerEpoch,
		MaxAmountPerEpoch:   c.BridgeQuota.MaxTokensPerEpoch,
		EpochSeconds:        c.BridgeQuota.EpochSeconds,
	}
}

// RPCToken resolves the bearer token from the configured environment
// variable. Empty means mutating RPC methods stay disabled.
func (c *Config) RPCToken() string {
	return strings.TrimSpace(os.Getenv(c.RPCTokenEnv))
}

// BridgePassphrase resolves the keystore passphrase from the environment.
func (c *Config) BridgePassphrase() string {
	return os.Getenv(c.BridgePassEnv)
}

// createDefault creates and saves a default configuration file. The operator
// address defaults to the freshly generated bridge key so a single-machine
// development instance works without editing.
func createDefault(path string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	key, _, err := crypto.EnsureKeystore(keystorePath, "")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ChainID:            1,
		NetworkName:        "rebasenet-local",
		RPCAddress:         defaultRPCAddress,
		DataDir:            defaultDataDir,
		RPCTokenEnv:        defaultTokenEnv,
		Operator:           crypto.MustNewAddress(crypto.RBTPrefix, key.PubKey().Address().Bytes()).String(),
		InitialRate:        defaultInitialRate,
		BridgeKeystorePath: keystorePath,
		BridgePassEnv:      defaultPassEnv,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "bridge.keystore")
}
