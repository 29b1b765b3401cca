package config

import (
	"time"
)

// Sepolia is the chain the marketplace contracts are deployed on.
const (
	SepoliaChainID = 11155111
	SepoliaName    = "Sepolia"
)

// Provider kinds.
const (
	ProviderKeyed  = "keyed"
	ProviderBridge = "bridge"
)

// Config represents the main configuration for the marketplace client
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Provider  ProviderConfig  `yaml:"provider"`
	Listings  ListingsConfig  `yaml:"listings"`
	Purchase  PurchaseConfig  `yaml:"purchase"`
	Content   ContentConfig   `yaml:"content"`
	Storage   StorageConfig   `yaml:"storage"`
	Faucet    FaucetConfig    `yaml:"faucet"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChainConfig identifies the required chain and how to reach it.
type ChainConfig struct {
	RequiredChainID uint64 `yaml:"required_chain_id"`
	Name            string `yaml:"name"`
	RPCURL          string `yaml:"rpc_url"`
	// RPCURLs maps chain ids to endpoints; the keyed provider switches between them.
	RPCURLs map[uint64]string `yaml:"rpc_urls"`
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	Registry string `yaml:"registry"` // DataRegistry
	Token    string `yaml:"token"`    // payment token (18 decimals)
}

// KeystoreConfig points at a v3 keystore file. The password is read from
// PasswordEnv so it never sits in the config file.
type KeystoreConfig struct {
	Path        string `yaml:"path"`
	PasswordEnv string `yaml:"password_env"`
}

// ProviderConfig selects and configures the signing provider.
type ProviderConfig struct {
	Kind           string           `yaml:"kind"` // keyed | bridge
	PrivateKeys    []string         `yaml:"private_keys"`
	Keystores      []KeystoreConfig `yaml:"keystores"`
	BridgeURL      string           `yaml:"bridge_url"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
}

// ListingsConfig sets the page requested from the registry.
type ListingsConfig struct {
	PageSize int `yaml:"page_size"`
	Offset   int `yaml:"offset"`
}

// PurchaseConfig controls confirmation waits. A zero ConfirmationTimeout
// waits indefinitely.
type PurchaseConfig struct {
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// ContentConfig lists gateways in priority order. Entries are base URLs
// ending in "/" or multiaddrs such as /dns4/ipfs.io/tcp/443/https.
type ContentConfig struct {
	Gateways    []string      `yaml:"gateways"`
	Timeout     time.Duration `yaml:"timeout"`
	DownloadDir string        `yaml:"download_dir"`
	// CACert is an extra PEM bundle trusted for gateway and faucet TLS.
	CACert string `yaml:"ca_cert"`
	// SOCKS5 routes gateway and faucet traffic through a host:port proxy.
	SOCKS5 string `yaml:"socks5_proxy"`
}

// StorageConfig locates the local purchase database.
type StorageConfig struct {
	Path string `yaml:"path"`
	// LegacyHistory is a flat JSON purchase-history export imported on startup.
	LegacyHistory string `yaml:"legacy_history"`
}

// FaucetConfig configures both the faucet client and the faucet server.
type FaucetConfig struct {
	URL         string          `yaml:"url"`
	ListenAddr  string          `yaml:"listen_addr"`
	MintAmount  int64           `yaml:"mint_amount"` // whole tokens
	OperatorKey string          `yaml:"operator_key"`
	TLS         FaucetTLSConfig `yaml:"tls"`
}

// FaucetTLSConfig enables HTTPS on the faucet server, either from certificate
// files or through Let's Encrypt for Domain.
type FaucetTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Email    string `yaml:"email"`
	CacheDir string `yaml:"cache_dir"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	HTTPAddr string `yaml:"http_addr"`
	Staging  bool   `yaml:"staging"`
}

// HTTPConfig configures the local control API.
type HTTPConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Faucet calls through the control API are limited per client IP.
	FaucetRatePerMinute int `yaml:"faucet_rate_per_minute"`
	FaucetBurst         int `yaml:"faucet_burst"`
	// AllowedOrigins are browser origins permitted to call the API.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputFile string `yaml:"output_file"` // Empty for stdout
}

// DefaultGateways are tried in this order.
var DefaultGateways = []string{
	"https://cloudflare-ipfs.com/ipfs/",
	"https://ipfs.io/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Chain: ChainConfig{
			RequiredChainID: SepoliaChainID,
			Name:            SepoliaName,
		},
		Provider: ProviderConfig{
			Kind:           ProviderKeyed,
			RequestTimeout: 2 * time.Minute,
		},
		Listings: ListingsConfig{
			PageSize: 20,
			Offset:   0,
		},
		Purchase: PurchaseConfig{
			ReceiptPollInterval: 2 * time.Second,
		},
		Content: ContentConfig{
			Gateways:    append([]string(nil), DefaultGateways...),
			Timeout:     30 * time.Second,
			DownloadDir: "./downloads",
		},
		Storage: StorageConfig{
			Path: "./data/datamarket.db",
		},
		Faucet: FaucetConfig{
			ListenAddr: ":3001",
			MintAmount: 100,
		},
		HTTP: HTTPConfig{
			ListenAddr:          "127.0.0.1:8090",
			RequestTimeout:      2 * time.Minute,
			FaucetRatePerMinute: 2,
			FaucetBurst:         2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// RPCURLFor returns the endpoint registered for chainID, falling back to
// RPCURL for the required chain.
func (c ChainConfig) RPCURLFor(chainID uint64) (string, bool) {
	if url, ok := c.RPCURLs[chainID]; ok && url != "" {
		return url, true
	}
	if chainID == c.RequiredChainID && c.RPCURL != "" {
		return c.RPCURL, true
	}
	return "", false
}
