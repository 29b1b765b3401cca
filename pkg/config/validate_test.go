package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testRegistry = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testToken    = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

// validConfig returns a valid keyed-provider config
func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Chain.RPCURL = "https://sepolia.example.org"
	cfg.Contracts.Registry = testRegistry
	cfg.Contracts.Token = testToken
	cfg.Provider.PrivateKeys = []string{testKey}
	cfg.Content.DownloadDir = filepath.Join(dir, "downloads")
	cfg.Storage.Path = filepath.Join(dir, "market.db")
	return cfg
}

func TestDefaultConfigWithRequiredFieldsIsValid(t *testing.T) {
	cfg := validConfig(t)
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Chain.RequiredChainID != 11155111 {
		t.Errorf("required chain = %d", cfg.Chain.RequiredChainID)
	}
	if cfg.Listings.PageSize != 20 || cfg.Listings.Offset != 0 {
		t.Errorf("listing page = %d/%d", cfg.Listings.PageSize, cfg.Listings.Offset)
	}
	if len(cfg.Content.Gateways) != 3 || cfg.Content.Gateways[0] != "https://cloudflare-ipfs.com/ipfs/" {
		t.Errorf("gateways = %v", cfg.Content.Gateways)
	}
}

func TestValidateGateways(t *testing.T) {
	tests := []struct {
		name        string
		gateways    []string
		shouldError bool
	}{
		{"url", []string{"https://ipfs.io/ipfs/"}, false},
		{"multiaddr", []string{"/dns4/ipfs.io/tcp/443/https"}, false},
		{"local multiaddr", []string{"/ip4/127.0.0.1/tcp/8080/http"}, false},
		{"missing slash", []string{"https://ipfs.io/ipfs"}, true},
		{"bad scheme", []string{"ftp://ipfs.io/ipfs/"}, true},
		{"bad multiaddr", []string{"/ip4/999.0.0.1/tcp/80"}, true},
		{"duplicate", []string{"https://ipfs.io/ipfs/", "https://ipfs.io/ipfs/"}, true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Content.Gateways = tt.gateways
			errs := cfg.Validate()
			if tt.shouldError && len(errs) == 0 {
				t.Errorf("expected error, got none")
			}
			if !tt.shouldError && len(errs) > 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestValidateProvider(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		shouldError bool
	}{
		{"keyed ok", func(c *Config) {}, false},
		{"keyed without keys", func(c *Config) { c.Provider.PrivateKeys = nil }, true},
		{"keyed bad key", func(c *Config) { c.Provider.PrivateKeys = []string{"0x1234"} }, true},
		{"keyed without rpc", func(c *Config) { c.Chain.RPCURL = "" }, true},
		{"keyed rpc from map", func(c *Config) {
			c.Chain.RPCURL = ""
			c.Chain.RPCURLs = map[uint64]string{SepoliaChainID: "wss://sepolia.example.org"}
		}, false},
		{"bridge ok", func(c *Config) {
			c.Provider.Kind = ProviderBridge
			c.Provider.BridgeURL = "ws://127.0.0.1:8546/bridge"
		}, false},
		{"bridge http url", func(c *Config) {
			c.Provider.Kind = ProviderBridge
			c.Provider.BridgeURL = "http://127.0.0.1:8546"
		}, true},
		{"unknown kind", func(c *Config) { c.Provider.Kind = "metamask" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.shouldError && len(errs) == 0 {
				t.Errorf("expected error, got none")
			}
			if !tt.shouldError && len(errs) > 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestValidateContracts(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		token    string
		wantPath string
	}{
		{"missing registry", "", testToken, "contracts.registry"},
		{"unprefixed token", testRegistry, strings.TrimPrefix(testToken, "0x"), "contracts.token"},
		{"zero registry", "0x0000000000000000000000000000000000000000", testToken, "contracts.registry"},
		{"same address", testRegistry, testRegistry, "contracts.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Contracts.Registry = tt.registry
			cfg.Contracts.Token = tt.token
			errs := cfg.Validate()
			found := false
			for _, err := range errs {
				if ve, ok := err.(ValidationError); ok && ve.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error at %s, got %v", tt.wantPath, errs)
			}
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Listings.PageSize = 0
	cfg.Purchase.ReceiptPollInterval = 0
	cfg.Logging.Level = "verbose"

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateFaucet(t *testing.T) {
	cfg := validConfig(t)
	cfg.Faucet.OperatorKey = testKey
	if errs := cfg.ValidateFaucet(); len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	cfg.Faucet.OperatorKey = ""
	cfg.Faucet.MintAmount = 0
	if errs := cfg.ValidateFaucet(); len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
}

func TestLoadStrictYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketplace.yaml")
	body := `
chain:
  required_chain_id: 11155111
  rpc_url: https://sepolia.example.org
contracts:
  registry: ` + testRegistry + `
  token: ` + testToken + `
purchase:
  confirmation_timeout: 90s
  receipt_poll_interval: 500ms
content:
  gateways:
    - /ip4/127.0.0.1/tcp/8080/http
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Purchase.ConfirmationTimeout != 90*time.Second {
		t.Errorf("confirmation_timeout = %v", cfg.Purchase.ConfirmationTimeout)
	}
	if cfg.Purchase.ReceiptPollInterval != 500*time.Millisecond {
		t.Errorf("receipt_poll_interval = %v", cfg.Purchase.ReceiptPollInterval)
	}
	if len(cfg.Content.Gateways) != 1 {
		t.Errorf("gateways should be replaced, got %v", cfg.Content.Gateways)
	}
	if cfg.Listings.PageSize != 20 {
		t.Errorf("defaults lost: page_size = %d", cfg.Listings.PageSize)
	}

	if err := os.WriteFile(path, []byte("chain:\n  chain_idd: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATAMARKET_PRIVATE_KEYS":         "0xaa, 0xbb ,",
		"DATAMARKET_CHAIN_ID":             "0xaa36a7",
		"DATAMARKET_CONFIRMATION_TIMEOUT": "2m",
		"DATAMARKET_HTTP_ADDR":            ":9000",
		"DATAMARKET_MINT_AMOUNT":          "250",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if len(cfg.Provider.PrivateKeys) != 2 || cfg.Provider.PrivateKeys[1] != "0xbb" {
		t.Errorf("private keys = %v", cfg.Provider.PrivateKeys)
	}
	if cfg.Chain.RequiredChainID != SepoliaChainID {
		t.Errorf("chain id = %d", cfg.Chain.RequiredChainID)
	}
	if cfg.Purchase.ConfirmationTimeout != 2*time.Minute {
		t.Errorf("timeout = %v", cfg.Purchase.ConfirmationTimeout)
	}
	if cfg.HTTP.ListenAddr != ":9000" || cfg.Faucet.MintAmount != 250 {
		t.Errorf("http=%q mint=%d", cfg.HTTP.ListenAddr, cfg.Faucet.MintAmount)
	}

	env["DATAMARKET_CHAIN_ID"] = "sepolia"
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Fatal("expected error for non-numeric chain id")
	}
}

func TestValidateFaucetTLS(t *testing.T) {
	cfg := validConfig(t)
	cfg.Faucet.OperatorKey = testKey
	cfg.Faucet.TLS = FaucetTLSConfig{Enabled: true}
	if errs := cfg.ValidateFaucet(); len(errs) != 1 || !strings.Contains(errs[0].Error(), "faucet.tls.domain") {
		t.Fatalf("expected domain error, got %v", errs)
	}

	cfg.Faucet.TLS = FaucetTLSConfig{Enabled: true, Domain: "faucet.example.org", HTTPAddr: ":80"}
	if errs := cfg.ValidateFaucet(); len(errs) > 0 {
		t.Fatalf("autocert config rejected: %v", errs)
	}

	cfg.Faucet.TLS = FaucetTLSConfig{Enabled: true, CertFile: filepath.Join(t.TempDir(), "cert.pem")}
	if errs := cfg.ValidateFaucet(); len(errs) != 2 {
		t.Fatalf("expected pairing and readability errors, got %v", errs)
	}

	cfg.Faucet.TLS = FaucetTLSConfig{Enabled: false, CertFile: "ignored"}
	if errs := cfg.ValidateFaucet(); len(errs) > 0 {
		t.Fatalf("disabled TLS should not be validated: %v", errs)
	}
}

func TestValidateContentTransport(t *testing.T) {
	cfg := validConfig(t)
	cfg.Content.SOCKS5 = "127.0.0.1:9050"
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	cfg.Content.SOCKS5 = "127.0.0.1"
	cfg.Content.CACert = filepath.Join(t.TempDir(), "missing.pem")
	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
}
