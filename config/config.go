package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"agentmesh/crypto"
)

// Chain binds one settlement chain to its RPC endpoint.
type Chain struct {
	ChainID uint64 `toml:"ChainID"`
	RPCURL  string `toml:"RPCURL"`
	Token   string `toml:"Token"`
}

// Payments tunes the payment engine.
type Payments struct {
	WaitTimeoutSecs  int64  `toml:"WaitTimeoutSecs"`
	InvoiceTTLSecs   int64  `toml:"InvoiceTTLSecs"`
	QueueCap         int    `toml:"QueueCap"`
	SettleIntervalMs int64  `toml:"SettleIntervalMs"`
	WalletAddress    string `toml:"WalletAddress"`
}

// Logging selects the log sink and level.
type Logging struct {
	Level string `toml:"Level"`
	Dir   string `toml:"Dir"`
}

// Config is the node configuration file.
type Config struct {
	RelayURL     string   `toml:"RelayURL"`
	AdminAddress string   `toml:"AdminAddress"`
	DataDir      string   `toml:"DataDir"`
	KeystorePath string   `toml:"KeystorePath"`
	NetworkName  string   `toml:"NetworkName"`
	PolicyFile   string   `toml:"PolicyFile"`
	OTLPEndpoint string   `toml:"OTLPEndpoint"`
	Capabilities []string `toml:"Capabilities"`
	Chains       []Chain  `toml:"Chains"`
	Payments     Payments `toml:"Payments"`
	Logging      Logging  `toml:"Logging"`
}

// Load reads the configuration from path, creating a default file and a
// fresh keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "agentmesh-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./mesh-data"
	}
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		cfg.AdminAddress = ":8080"
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = []string{}
	}
	if cfg.Payments.WaitTimeoutSecs <= 0 {
		cfg.Payments.WaitTimeoutSecs = 60
	}
	if cfg.Payments.InvoiceTTLSecs <= 0 {
		cfg.Payments.InvoiceTTLSecs = 300
	}
	if cfg.Payments.QueueCap <= 0 {
		cfg.Payments.QueueCap = 1000
	}
	if cfg.Payments.SettleIntervalMs <= 0 {
		cfg.Payments.SettleIntervalMs = 30_000
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RelayURL:     "wss://relay.agentmesh.local/ws",
		AdminAddress: ":8080",
		DataDir:      "./mesh-data",
		NetworkName:  "agentmesh-local",
		KeystorePath: keystorePath,
		Capabilities: []string{},
	}
	applyDefaults(cfg)

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
	return filepath.Join(dir, "node.keystore")
}
