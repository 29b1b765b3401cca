package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/DeBrosOfficial/datamarket/pkg/config"
	"github.com/DeBrosOfficial/datamarket/pkg/gateway"
)

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// options are the command-line flags. Only flags the user actually set
// override the loaded config.
type options struct {
	configPath string
	addr       string
	provider   string
	bridgeURL  string
	logLevel   string
	importPath string
	set        map[string]bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("marketplace", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.configPath, "config", getEnvDefault(config.EnvPrefix+"CONFIG", ""), "Path to YAML config (default ~/.datamarket/marketplace.yaml when present)")
	fs.StringVar(&o.addr, "addr", "", "Control API listen address (e.g., 127.0.0.1:8090)")
	fs.StringVar(&o.provider, "provider", "", "Signing provider: keyed or bridge")
	fs.StringVar(&o.bridgeURL, "bridge-url", "", "Wallet bridge WebSocket URL")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.importPath, "import-legacy", "", "Import a legacy purchase-history JSON export on startup")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// loadConfig applies defaults, the config file, environment and flags, in
// increasing priority, and validates the result.
func loadConfig(o *options) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath("marketplace.yaml")
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if o.set["addr"] {
		cfg.HTTP.ListenAddr = o.addr
	}
	if o.set["provider"] {
		cfg.Provider.Kind = o.provider
	}
	if o.set["bridge-url"] {
		cfg.Provider.BridgeURL = o.bridgeURL
	}
	if o.set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
	if o.set["import-legacy"] {
		cfg.Storage.LegacyHistory = o.importPath
	}

	errs := cfg.Validate()
	gcfg := apiConfig(cfg)
	errs = append(errs, gcfg.ValidateConfig()...)
	if len(errs) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "invalid configuration (%d problems):", len(errs))
		for _, e := range errs {
			fmt.Fprintf(&b, "\n  - %v", e)
		}
		return nil, fmt.Errorf("%s", b.String())
	}
	return cfg, nil
}

func apiConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		ListenAddr:          cfg.HTTP.ListenAddr,
		RequestTimeout:      cfg.HTTP.RequestTimeout,
		FaucetRatePerMinute: cfg.HTTP.FaucetRatePerMinute,
		FaucetBurst:         cfg.HTTP.FaucetBurst,
		AllowedOrigins:      cfg.HTTP.AllowedOrigins,
	}
}
