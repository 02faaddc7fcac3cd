// Package kms is the HTTP client for the remote signing service. Private keys
// never leave the service; the worker sends transaction bytes and receives a
// signature.
package kms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// Client implements domain.Signer against a KMS REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.Signer = (*Client)(nil)

// NewClient creates a KMS client. apiKey is sent as a bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// Sign asks the service to sign txBytes with keyID.
func (c *Client) Sign(ctx context.Context, txBytes []byte, keyID string) ([]byte, error) {
	var out signResponse
	path := "/v1/keys/" + url.PathEscape(keyID) + "/sign"
	if err := c.do(ctx, http.MethodPost, path, signRequest{Message: hexutil.Encode(txBytes)}, &out); err != nil {
		return nil, fmt.Errorf("kms: sign with %s: %w", keyID, err)
	}
	sig, err := hexutil.Decode(out.Signature)
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("kms: sign with %s: %w: malformed signature", keyID, domain.ErrSignerUnavailable)
	}
	return sig, nil
}

// PublicKey fetches the public half of keyID.
func (c *Client) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	var out publicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(keyID), nil, &out); err != nil {
		return nil, fmt.Errorf("kms: public key %s: %w", keyID, err)
	}
	pub, err := hexutil.Decode(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms: public key %s: %w: %w", keyID, domain.ErrSignerUnavailable, err)
	}
	return pub, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrSignerUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: key: %s", domain.ErrNotFound, strings.TrimSpace(string(respBody)))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: HTTP %d", domain.ErrSignerUnavailable, domain.ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrSignerUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrSignerUnavailable, err)
	}
	return nil
}
