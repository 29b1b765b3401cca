package config

import (
	"fmt"
	"path/filepath"

	"github.com/DeBrosOfficial/datamarket/pkg/config/validate"
)

// ValidationError represents a single validation error with context.
type ValidationError = validate.ValidationError

// Validate performs comprehensive validation of the entire config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateChain()...)
	errs = append(errs, c.validateContracts()...)
	errs = append(errs, c.validateProvider()...)
	errs = append(errs, c.validateListings()...)
	errs = append(errs, c.validatePurchase()...)
	errs = append(errs, c.validateContent()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateFaucetURL()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

// ValidateFaucet validates the sections the faucet server needs. The faucet
// does not sign as a user, so provider and listing settings are ignored.
func (c *Config) ValidateFaucet() []error {
	var errs []error
	errs = append(errs, c.validateChain()...)
	if c.Chain.RPCURL == "" {
		errs = append(errs, ValidationError{Path: "chain.rpc_url", Message: "must not be empty"})
	}
	if err := validate.ValidateAddress(c.Contracts.Token); err != nil {
		errs = append(errs, ValidationError{Path: "contracts.token", Message: err.Error()})
	}
	if c.Faucet.OperatorKey == "" {
		errs = append(errs, ValidationError{
			Path:    "faucet.operator_key",
			Message: "must not be empty",
			Hint:    "set DATAMARKET_OPERATOR_KEY to the token owner key",
		})
	} else if err := validate.ValidatePrivateKey(c.Faucet.OperatorKey); err != nil {
		errs = append(errs, ValidationError{Path: "faucet.operator_key", Message: err.Error()})
	}
	if c.Faucet.MintAmount <= 0 {
		errs = append(errs, ValidationError{
			Path:    "faucet.mint_amount",
			Message: fmt.Sprintf("must be > 0; got %d", c.Faucet.MintAmount),
		})
	}
	if err := validate.ValidateListenAddr(c.Faucet.ListenAddr); err != nil {
		errs = append(errs, ValidationError{Path: "faucet.listen_addr", Message: err.Error()})
	}
	errs = append(errs, c.validateFaucetTLS()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateChain() []error {
	var errs []error
	if c.Chain.RequiredChainID == 0 {
		errs = append(errs, ValidationError{
			Path:    "chain.required_chain_id",
			Message: "must be > 0",
			Hint:    fmt.Sprintf("Sepolia is %d", SepoliaChainID),
		})
	}
	if c.Chain.RPCURL != "" {
		if err := validate.ValidateURL(c.Chain.RPCURL, "http", "https", "ws", "wss"); err != nil {
			errs = append(errs, ValidationError{Path: "chain.rpc_url", Message: err.Error()})
		}
	}
	for id, url := range c.Chain.RPCURLs {
		if err := validate.ValidateURL(url, "http", "https", "ws", "wss"); err != nil {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("chain.rpc_urls[%d]", id),
				Message: err.Error(),
			})
		}
	}
	return errs
}

func (c *Config) validateContracts() []error {
	var errs []error
	if err := validate.ValidateAddress(c.Contracts.Registry); err != nil {
		errs = append(errs, ValidationError{Path: "contracts.registry", Message: err.Error()})
	}
	if err := validate.ValidateAddress(c.Contracts.Token); err != nil {
		errs = append(errs, ValidationError{Path: "contracts.token", Message: err.Error()})
	}
	if len(errs) == 0 && c.Contracts.Registry == c.Contracts.Token {
		errs = append(errs, ValidationError{
			Path:    "contracts.token",
			Message: "must differ from contracts.registry",
		})
	}
	return errs
}

func (c *Config) validateProvider() []error {
	var errs []error
	pc := c.Provider

	switch pc.Kind {
	case ProviderKeyed:
		if len(pc.PrivateKeys) == 0 && len(pc.Keystores) == 0 {
			errs = append(errs, ValidationError{
				Path:    "provider.private_keys",
				Message: "keyed provider needs at least one private key or keystore",
				Hint:    "set DATAMARKET_PRIVATE_KEYS or provider.keystores",
			})
		}
		for i, key := range pc.PrivateKeys {
			if err := validate.ValidatePrivateKey(key); err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("provider.private_keys[%d]", i),
					Message: err.Error(),
				})
			}
		}
		for i, ks := range pc.Keystores {
			if err := validate.ValidateFileReadable(ks.Path); err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("provider.keystores[%d].path", i),
					Message: err.Error(),
				})
			}
		}
		if _, ok := c.Chain.RPCURLFor(c.Chain.RequiredChainID); !ok {
			errs = append(errs, ValidationError{
				Path:    "chain.rpc_url",
				Message: "keyed provider needs an RPC endpoint for the required chain",
			})
		}
	case ProviderBridge:
		if pc.BridgeURL == "" {
			errs = append(errs, ValidationError{Path: "provider.bridge_url", Message: "must not be empty"})
		} else if err := validate.ValidateURL(pc.BridgeURL, "ws", "wss"); err != nil {
			errs = append(errs, ValidationError{Path: "provider.bridge_url", Message: err.Error()})
		}
	default:
		errs = append(errs, ValidationError{
			Path:    "provider.kind",
			Message: fmt.Sprintf("invalid value %q", pc.Kind),
			Hint:    "allowed values: keyed, bridge",
		})
	}

	if pc.RequestTimeout < 0 {
		errs = append(errs, ValidationError{Path: "provider.request_timeout", Message: "must be >= 0"})
	}
	return errs
}

func (c *Config) validateListings() []error {
	var errs []error
	if c.Listings.PageSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "listings.page_size",
			Message: fmt.Sprintf("must be >= 1; got %d", c.Listings.PageSize),
		})
	}
	if c.Listings.Offset < 0 {
		errs = append(errs, ValidationError{
			Path:    "listings.offset",
			Message: fmt.Sprintf("must be >= 0; got %d", c.Listings.Offset),
		})
	}
	return errs
}

func (c *Config) validatePurchase() []error {
	var errs []error
	if c.Purchase.ConfirmationTimeout < 0 {
		errs = append(errs, ValidationError{
			Path:    "purchase.confirmation_timeout",
			Message: "must be >= 0",
			Hint:    "0 waits indefinitely",
		})
	}
	if c.Purchase.ReceiptPollInterval <= 0 {
		errs = append(errs, ValidationError{Path: "purchase.receipt_poll_interval", Message: "must be > 0"})
	}
	return errs
}

func (c *Config) validateContent() []error {
	var errs []error
	if len(c.Content.Gateways) == 0 {
		errs = append(errs, ValidationError{Path: "content.gateways", Message: "must not be empty"})
	}
	seen := make(map[string]bool)
	for i, gw := range c.Content.Gateways {
		path := fmt.Sprintf("content.gateways[%d]", i)
		if err := validate.ValidateGateway(gw); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: err.Error(),
				Hint:    "expected https://host/ipfs/ or /dns4/host/tcp/443/https",
			})
			continue
		}
		if seen[gw] {
			errs = append(errs, ValidationError{Path: path, Message: "duplicate gateway"})
		}
		seen[gw] = true
	}
	if c.Content.Timeout < 0 {
		errs = append(errs, ValidationError{Path: "content.timeout", Message: "must be >= 0"})
	}
	if c.Content.CACert != "" {
		if err := validate.ValidateFileReadable(c.Content.CACert); err != nil {
			errs = append(errs, ValidationError{Path: "content.ca_cert", Message: err.Error()})
		}
	}
	if c.Content.SOCKS5 != "" {
		if err := validate.ValidateListenAddr(c.Content.SOCKS5); err != nil {
			errs = append(errs, ValidationError{Path: "content.socks5_proxy", Message: err.Error(), Hint: "expected host:port, e.g. 127.0.0.1:9050"})
		}
	}
	if err := validate.ValidateDataDir(c.Content.DownloadDir); err != nil {
		errs = append(errs, ValidationError{Path: "content.download_dir", Message: err.Error()})
	}
	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, ValidationError{Path: "storage.path", Message: "must not be empty"})
	} else if err := validate.ValidateDataDir(filepath.Dir(c.Storage.Path)); err != nil {
		errs = append(errs, ValidationError{Path: "storage.path", Message: err.Error()})
	}
	if c.Storage.LegacyHistory != "" {
		if err := validate.ValidateFileReadable(c.Storage.LegacyHistory); err != nil {
			errs = append(errs, ValidationError{Path: "storage.legacy_history", Message: err.Error()})
		}
	}
	return errs
}

// validateFaucetURL checks the faucet client endpoint. The http section is
// validated by the gateway itself.
func (c *Config) validateFaucetURL() []error {
	if c.Faucet.URL == "" {
		return nil
	}
	if err := validate.ValidateURL(c.Faucet.URL, "http", "https"); err != nil {
		return []error{ValidationError{Path: "faucet.url", Message: err.Error()}}
	}
	return nil
}

func (c *Config) validateLogging() []error {
	var errs []error
	lc := c.Logging

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[lc.Level] {
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", lc.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[lc.Format] {
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", lc.Format),
			Hint:    "allowed values: json, console",
		})
	}

	if lc.OutputFile != "" {
		dir := filepath.Dir(lc.OutputFile)
		if dir != "" && dir != "." {
			if err := validate.ValidateDirWritable(dir); err != nil {
				errs = append(errs, ValidationError{
					Path:    "logging.output_file",
					Message: fmt.Sprintf("parent directory not writable: %v", err),
				})
			}
		}
	}
	return errs
}

func (c *Config) validateFaucetTLS() []error {
	t := c.Faucet.TLS
	if !t.Enabled {
		return nil
	}
	var errs []error
	if (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, ValidationError{
			Path:    "faucet.tls",
			Message: "cert_file and key_file must be set together",
		})
	}
	for path, f := range map[string]string{"faucet.tls.cert_file": t.CertFile, "faucet.tls.key_file": t.KeyFile} {
		if f == "" {
			continue
		}
		if err := validate.ValidateFileReadable(f); err != nil {
			errs = append(errs, ValidationError{Path: path, Message: err.Error()})
		}
	}
	if t.CertFile == "" && t.KeyFile == "" && t.Domain == "" {
		errs = append(errs, ValidationError{
			Path:    "faucet.tls.domain",
			Message: "required when no certificate files are given",
			Hint:    "set a public domain for Let's Encrypt or provide cert_file/key_file",
		})
	}
	if t.HTTPAddr != "" {
		if err := validate.ValidateListenAddr(t.HTTPAddr); err != nil {
			errs = append(errs, ValidationError{Path: "faucet.tls.http_addr", Message: err.Error()})
		}
	}
	return errs
}
