// Package tlsutil builds the outbound HTTP client used for IPFS gateways and
// the faucet: an optional private CA bundle and an optional SOCKS5 proxy.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	goproxy "golang.org/x/net/proxy"
)

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	Timeout time.Duration
	// CACert is a PEM bundle trusted in addition to the system roots.
	CACert string
	// SOCKS5 is a host:port proxy. Loopback and private targets bypass it.
	SOCKS5 string
}

// LoadCertPool returns the system pool extended with the PEM certificates in
// path. An empty path yields nil, meaning the system pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %s: %w", path, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates in %s", path)
	}
	return pool, nil
}

// GetTLSConfig returns a TLS 1.2+ config trusting pool (nil: system roots).
func GetTLSConfig(pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
}

// NewHTTPClient creates the outbound client. With neither a bundle nor a
// proxy it is a plain client with the default transport.
func NewHTTPClient(opts ClientOptions) (*http.Client, error) {
	pool, err := LoadCertPool(opts.CACert)
	if err != nil {
		return nil, err
	}
	if pool == nil && opts.SOCKS5 == "" {
		return &http.Client{Timeout: opts.Timeout}, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if pool != nil {
		transport.TLSClientConfig = GetTLSConfig(pool)
	}
	if opts.SOCKS5 != "" {
		if _, _, err := net.SplitHostPort(opts.SOCKS5); err != nil {
			return nil, fmt.Errorf("socks5 proxy %q: %w", opts.SOCKS5, err)
		}
		transport.Proxy = nil
		transport.DialContext = socksDialContext(opts.SOCKS5)
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}, nil
}

func socksDialContext(addr string) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if bypassProxy(address) {
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		}
		var timeout time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return nil, context.DeadlineExceeded
			}
		}
		dialer, err := goproxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(goproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, address)
		}
		return dialer.Dial(network, address)
	}
}

// bypassProxy reports whether address is local enough to dial directly.
func bypassProxy(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
