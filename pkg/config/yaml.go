package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DATAMARKET_"

// DecodeStrict decodes YAML from a reader and rejects any unknown fields.
// This ensures the YAML only contains recognized configuration keys.
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds a config from defaults, the YAML file at path (skipped when
// path is empty) and DATAMARKET_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := DecodeStrict(f, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str("RPC_URL", &c.Chain.RPCURL)
	str("REGISTRY_ADDRESS", &c.Contracts.Registry)
	str("TOKEN_ADDRESS", &c.Contracts.Token)
	str("PROVIDER", &c.Provider.Kind)
	str("BRIDGE_URL", &c.Provider.BridgeURL)
	list("PRIVATE_KEYS", &c.Provider.PrivateKeys)
	list("GATEWAYS", &c.Content.Gateways)
	str("DOWNLOAD_DIR", &c.Content.DownloadDir)
	str("CA_CERT", &c.Content.CACert)
	str("SOCKS5_PROXY", &c.Content.SOCKS5)
	str("STORAGE_PATH", &c.Storage.Path)
	str("FAUCET_URL", &c.Faucet.URL)
	str("FAUCET_LISTEN_ADDR", &c.Faucet.ListenAddr)
	str("OPERATOR_KEY", &c.Faucet.OperatorKey)
	str("HTTP_ADDR", &c.HTTP.ListenAddr)
	list("ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup(EnvPrefix + "CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", EnvPrefix, err)
		}
		c.Chain.RequiredChainID = id
	}
	if v, ok := lookup(EnvPrefix + "MINT_AMOUNT"); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%sMINT_AMOUNT: %w", EnvPrefix, err)
		}
		c.Faucet.MintAmount = n
	}
	if v, ok := lookup(EnvPrefix + "CONFIRMATION_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sCONFIRMATION_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Purchase.ConfirmationTimeout = d
	}
	return nil
}
