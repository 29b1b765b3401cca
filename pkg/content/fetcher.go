// Package content downloads purchased payloads from content-addressed
// gateways, trying each gateway in priority order until one succeeds.
package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// DefaultTimeout bounds one gateway attempt.
const DefaultTimeout = 30 * time.Second

// Config configures a Fetcher.
type Config struct {
	Gateways    []string
	Timeout     time.Duration
	DownloadDir string
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Result describes a completed download.
type Result struct {
	ContentID   string   `json:"content_id"`
	Gateway     string   `json:"gateway"`
	Path        string   `json:"path"`
	Size        int64    `json:"size"`
	ContentType string   `json:"content_type,omitempty"`
	Attempts    []string `json:"attempts"`
}

// Fetcher retrieves payloads by content id.
type Fetcher struct {
	gateways []string
	client   *http.Client
	dir      string
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New resolves the gateway list. At least one gateway is required.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Gateways) == 0 {
		return nil, fmt.Errorf("no content gateways configured")
	}
	gateways := make([]string, 0, len(cfg.Gateways))
	for _, entry := range cfg.Gateways {
		base, err := ParseGateway(entry)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, base)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = "."
	}

	return &Fetcher{
		gateways: gateways,
		client:   client,
		dir:      dir,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Gateways returns the resolved base URLs in priority order.
func (f *Fetcher) Gateways() []string {
	return append([]string(nil), f.gateways...)
}

// Fetch downloads contentID into the download directory. Gateways are tried
// in order; the first success wins. A second Fetch for the same id while the
// first is running fails with ErrDownloadInProgress.
func (f *Fetcher) Fetch(ctx context.Context, contentID string) (*Result, error) {
	id, err := ParseContentID(contentID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if _, busy := f.inflight[id]; busy {
		f.mu.Unlock()
		return nil, errors.WithKind(errors.ErrDownloadInProgress, "download already running for "+id, nil)
	}
	f.inflight[id] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inflight, id)
		f.mu.Unlock()
	}()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, "create download directory", err)
	}

	attempts := make([]string, 0, len(f.gateways))
	var lastErr error
	for _, base := range f.gateways {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts = append(attempts, base)

		res, err := f.fetchFrom(ctx, base, id)
		if err == nil {
			res.Attempts = attempts
			f.logger.Info("content downloaded",
				zap.String("cid", id),
				zap.String("gateway", base),
				zap.Int64("size", res.Size),
				zap.Int("attempts", len(attempts)))
			return res, nil
		}
		if errors.GetErrorCode(err) == errors.CodeStorageError {
			return nil, err
		}
		lastErr = err
		f.logger.Warn("gateway failed, trying next",
			zap.String("cid", id),
			zap.String("gateway", base),
			zap.Error(err))
	}

	return nil, errors.NewGatewayError(id, attempts, lastErr)
}

func (f *Fetcher) fetchFrom(ctx context.Context, base, id string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	tmp, err := os.CreateTemp(f.dir, "."+id+"-*.part")
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, "create download file", err)
	}
	tmpName := tmp.Name()
	size, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("read payload: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return nil, errors.WithCode(errors.CodeStorageError, "write download file", closeErr)
	}

	dest := filepath.Join(f.dir, id)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return nil, errors.WithCode(errors.CodeStorageError, "move download into place", err)
	}

	return &Result{
		ContentID:   id,
		Gateway:     base,
		Path:        dest,
		Size:        size,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
