package faucet

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DeBrosOfficial/datamarket/pkg/logging"
)

const stagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// TLSConfig enables HTTPS. CertFile/KeyFile take precedence; otherwise a
// certificate for Domain is obtained from Let's Encrypt.
type TLSConfig struct {
	Domain   string
	Email    string
	CacheDir string
	CertFile string
	KeyFile  string
	// HTTPAddr serves ACME http-01 challenges and redirects to HTTPS.
	HTTPAddr string
	// Staging uses the Let's Encrypt staging directory.
	Staging bool
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	t := s.cfg.TLS
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
		s.logger.ComponentInfo(logging.ComponentFaucet, "Using pre-configured TLS certificate",
			zap.String("cert_file", t.CertFile))
		return cfg, nil
	}
	if t.Domain == "" {
		return nil, fmt.Errorf("TLS enabled but no certificate source configured")
	}

	cacheDir := t.CacheDir
	if cacheDir == "" {
		cacheDir = "tls-cache"
	}
	client := &acme.Client{DirectoryURL: autocert.DefaultACMEDirectory}
	if t.Staging {
		client.DirectoryURL = stagingDirectoryURL
		s.logger.ComponentWarn(logging.ComponentFaucet,
			"Using Let's Encrypt STAGING - certificates will not be trusted by production clients",
			zap.String("domain", t.Domain))
	}
	s.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(t.Domain),
		Cache:      autocert.DirCache(cacheDir),
		Email:      t.Email,
		Client:     client,
	}
	cfg.GetCertificate = s.certManager.GetCertificate
	cfg.NextProtos = append(cfg.NextProtos, "h2", "http/1.1", acme.ALPNProto)

	s.logger.ComponentInfo(logging.ComponentFaucet, "Let's Encrypt autocert configured",
		zap.String("domain", t.Domain),
		zap.String("cache_dir", cacheDir))
	return cfg, nil
}

// ListenTLS opens the HTTPS listener on addr. With autocert it also starts
// the plain HTTP challenge server.
func (s *Server) ListenTLS(addr string) (net.Listener, error) {
	cfg, err := s.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	if s.certManager != nil {
		s.startChallengeServer()
	}
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return tls.NewListener(inner, cfg), nil
}

func (s *Server) startChallengeServer() {
	addr := s.cfg.TLS.HTTPAddr
	if addr == "" {
		addr = ":80"
	}
	s.challenge = &http.Server{
		Addr:              addr,
		Handler:           s.certManager.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.ComponentInfo(logging.ComponentFaucet, "HTTP server starting (ACME/redirect)",
			zap.String("addr", addr))
		if err := s.challenge.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.ComponentError(logging.ComponentFaucet, "HTTP challenge server error", zap.Error(err))
		}
	}()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}
