package gateway

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config holds configuration for the control API server
type Config struct {
	ListenAddr string

	// RequestTimeout bounds every /v1 request except the event stream.
	RequestTimeout time.Duration

	// Faucet requests are limited per client IP. A zero rate disables the limit.
	FaucetRatePerMinute int
	FaucetBurst         int

	// AllowedOrigins lists browser origins (scheme://host[:port]) that may call
	// the API. Requests without an Origin header are always served. "*"
	// allows every origin.
	AllowedOrigins []string
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8090",
		RequestTimeout:      2 * time.Minute,
		FaucetRatePerMinute: 2,
		FaucetBurst:         2,
	}
}

// ValidateConfig returns every problem found so the caller can report them
// at once.
func (c *Config) ValidateConfig() []error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("http.listen_addr: must not be empty"))
	} else if err := validateListenAddr(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("http.listen_addr: %v", err))
	}

	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("http.request_timeout: must not be negative"))
	}
	if c.FaucetRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("http.faucet_rate_per_minute: must not be negative"))
	}
	if c.FaucetRatePerMinute > 0 && c.FaucetBurst < 1 {
		errs = append(errs, fmt.Errorf("http.faucet_burst: must be at least 1 when a rate is set"))
	}

	for i, o := range c.AllowedOrigins {
		if err := validateOrigin(o); err != nil {
			errs = append(errs, fmt.Errorf("http.allowed_origins[%d]: %v", i, err))
		}
	}

	return errs
}

func validateOrigin(o string) error {
	if o == "*" {
		return nil
	}
	u, err := url.Parse(o)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("expected scheme://host[:port]; got %q", o)
	}
	if u.Path != "" || u.RawQuery != "" {
		return fmt.Errorf("origin must not carry a path; got %q", o)
	}
	return nil
}

// validateListenAddr checks if a listen address is valid (host:port format)
func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid format; expected host:port")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port must be a number between 0 and 65535; got %q", port)
	}

	// Empty host binds every interface.
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return fmt.Errorf("host must be an IP address or localhost; got %q", host)
	}
	return nil
}
