package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"peermesh/crypto"
)

const keystorePassEnv = "PEERMESH_KEYSTORE_PASS"

// Config is the on-disk node configuration. Section defaults are filled in
// by Load; Validate rejects combinations the node cannot run with.
type Config struct {
	ListenAddress        string `toml:"ListenAddress"`
	DataDir              string `toml:"DataDir"`
	NetworkName          string `toml:"NetworkName"`
	ClientVersion        string `toml:"ClientVersion"`
	IdentityKeystorePath string `toml:"IdentityKeystorePath"`

	P2P        P2P        `toml:"p2p"`
	Cache      Cache      `toml:"cache"`
	Dht        Dht        `toml:"dht"`
	Pow        Pow        `toml:"pow"`
	Reputation Reputation `toml:"reputation"`
	Diversity  Diversity  `toml:"diversity"`
	Seeds      Seeds      `toml:"seeds"`
	Logging    Logging    `toml:"logging"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// P2P tunes connection budgets and the bootstrap paths.
type P2P struct {
	MaxPeers             int      `toml:"MaxPeers"`
	MinConnectedPeers    int      `toml:"MinConnectedPeers"`
	BootstrapNodes       []string `toml:"BootstrapNodes"`
	ManualPeers          []string `toml:"ManualPeers"`
	DialTimeoutSeconds   int      `toml:"DialTimeoutSeconds"`
	MaxCacheDials        int      `toml:"MaxCacheDials"`
	WatchdogSeconds      int      `toml:"WatchdogSeconds"`
	MaxMsgsPerSecond     float64  `toml:"MaxMsgsPerSecond"`
	GlobalAdmissionRate  float64  `toml:"GlobalAdmissionRate"`
	GlobalAdmissionBurst int      `toml:"GlobalAdmissionBurst"`
	PerIPRate            float64  `toml:"PerIPRate"`
	PerIPBurst           float64  `toml:"PerIPBurst"`
}

// Cache tunes the persistent peer cache.
type Cache struct {
	Path       string `toml:"Path"`
	MaxEntries int    `toml:"MaxEntries"`
	TTLDays    int    `toml:"TTLDays"`
}

// Dht tunes routing table maintenance and iterative lookups.
type Dht struct {
	ReplicationFactor       int `toml:"ReplicationFactor"`
	Alpha                   int `toml:"Alpha"`
	MaxHops                 int `toml:"MaxHops"`
	QueryTimeoutMs          int `toml:"QueryTimeoutMs"`
	MinTablePeers           int `toml:"MinTablePeers"`
	BootstrapTimeoutSeconds int `toml:"BootstrapTimeoutSeconds"`
}

// Pow tunes the admission challenge difficulty and cost.
type Pow struct {
	MinDifficultyBits   int `toml:"MinDifficultyBits"`
	MaxDifficultyBits   int `toml:"MaxDifficultyBits"`
	ChallengeTTLSeconds int `toml:"ChallengeTTLSeconds"`
	MemoryKiB           int `toml:"MemoryKiB"`
	TimeCost            int `toml:"TimeCost"`
	Threads             int `toml:"Threads"`
}

// Reputation tunes scoring driven bans and record retention.
type Reputation struct {
	BanSeconds      int `toml:"BanSeconds"`
	IdleExpiryHours int `toml:"IdleExpiryHours"`
}

// Diversity tunes the subnet connection caps.
type Diversity struct {
	Fraction       float64 `toml:"Fraction"`
	IPv4PrefixBits int     `toml:"IPv4PrefixBits"`
	IPv6PrefixBits int     `toml:"IPv6PrefixBits"`
}

// Seeds points at the signed seed registry and its DNS servers.
type Seeds struct {
	RegistryPath          string   `toml:"RegistryPath"`
	DNSServers            []string `toml:"DNSServers"`
	ResolveTimeoutSeconds int      `toml:"ResolveTimeoutSeconds"`
}

// Logging controls log level and optional file rotation.
type Logging struct {
	Level      string `toml:"Level"`
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry controls the metrics endpoint and OTLP export.
type Telemetry struct {
	MetricsAddress string `toml:"MetricsAddress"`
	ServiceName    string `toml:"ServiceName"`
	Environment    string `toml:"Environment"`
	OTLPEndpoint   string `toml:"OTLPEndpoint"`
	OTLPInsecure   bool   `toml:"OTLPInsecure"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults and a fresh identity keystore.
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
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":6001"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./peermesh-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "peermesh-local"
	}
	if strings.TrimSpace(c.ClientVersion) == "" {
		c.ClientVersion = "peermesh/1.0"
	}
	if c.P2P.BootstrapNodes == nil {
		c.P2P.BootstrapNodes = []string{}
	}
	if c.P2P.ManualPeers == nil {
		c.P2P.ManualPeers = []string{}
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "peers.db")
	}
	if strings.TrimSpace(c.Telemetry.MetricsAddress) == "" {
		c.Telemetry.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "peermeshd"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// CacheTTL returns the configured cache retention window, zero meaning the
// built-in default.
func (c *Config) CacheTTL() time.Duration {
	if c.Cache.TTLDays <= 0 {
		return 0
	}
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// KeystorePassphrase reads the identity keystore passphrase from the
// environment. An empty value means an unencrypted development keystore.
func KeystorePassphrase() string {
	return strings.TrimSpace(os.Getenv(keystorePassEnv))
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.IdentityKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, KeystorePassphrase()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.IdentityKeystorePath != keystorePath {
		cfg.IdentityKeystorePath = keystorePath
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
	if err := crypto.SaveToKeystore(keystorePath, key, KeystorePassphrase()); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":6001",
		DataDir:       "./peermesh-data",
		NetworkName:   "peermesh-local",
		P2P: P2P{
			BootstrapNodes: []string{},
			ManualPeers:    []string{},
		},
	}
	cfg.IdentityKeystorePath = keystorePath
	cfg.applyDefaults()

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
