package faucet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// Request is the POST /request-tokens body.
type Request struct {
	Address string `json:"address"`
}

// Response is a successful faucet reply.
type Response struct {
	Message         string `json:"message"`
	TransactionHash string `json:"transactionHash"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Client calls a faucet server.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient returns a client for the faucet endpoint url (the full
// .../request-tokens URL).
func NewClient(url string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{url: url, http: httpClient, logger: logger}
}

// RequestTokens asks the faucet to mint test tokens to address. A non-2xx
// reply surfaces the server's error text.
func (c *Client) RequestTokens(ctx context.Context, address common.Address) (Response, error) {
	if c.url == "" {
		return Response{}, errors.NewValidationError("faucet.url", "faucet URL is not configured", "")
	}

	body, err := json.Marshal(Request{Address: address.Hex()})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("requesting test tokens", zap.String("address", address.Hex()), zap.String("url", c.url))
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, errors.Wrap(err, "faucet request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Response{}, errors.Wrap(err, "read faucet response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		msg := resp.Status
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return Response{}, errors.New(fmt.Sprintf("faucet error: %s", msg))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, errors.Wrap(err, "decode faucet response")
	}
	c.logger.Info("test tokens requested",
		zap.String("address", address.Hex()),
		zap.String("tx_hash", out.TransactionHash))
	return out, nil
}
