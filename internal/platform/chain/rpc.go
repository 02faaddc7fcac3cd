package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// RPCClient talks to the light-client adapter service over HTTP JSON. Every
// request carries HMAC signature headers.
type RPCClient struct {
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
}

var _ domain.ChainAdapter = (*RPCClient)(nil)

// NewRPCClient creates an RPCClient. baseURL is the adapter root, e.g.
// "http://adapter:9000".
func NewRPCClient(baseURL string, hmac *crypto.HMACAuth, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		hmacAuth:   hmac,
	}
}

// HeaderIdempotencyKey carries the job id on broadcasts. The adapter answers
// a repeated key with the transaction it already sent.
const HeaderIdempotencyKey = "Idempotency-Key"

type broadcastRequest struct {
	JobID     string `json:"job_id"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key,omitempty"`
}

type broadcastResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

type txStatusResponse struct {
	Confirmations int64 `json:"confirmations"`
	BlockHeight   int64 `json:"block_height"`
	Dropped       bool  `json:"dropped"`
}

type addressResponse struct {
	Valid   bool   `json:"valid"`
	Type    string `json:"type"`
	Network string `json:"network"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Broadcast submits a signed transaction.
func (c *RPCClient) Broadcast(ctx context.Context, tx domain.SignedTx) (domain.BroadcastResult, error) {
	body := broadcastRequest{
		JobID:     tx.JobID,
		Payload:   hexutil.Encode(tx.Payload),
		Signature: hexutil.Encode(tx.Signature),
	}
	if len(tx.PublicKey) > 0 {
		body.PublicKey = hexutil.Encode(tx.PublicKey)
	}
	var out broadcastResponse
	headers := map[string]string{HeaderIdempotencyKey: tx.JobID}
	if err := c.do(ctx, http.MethodPost, "/v1/broadcast", headers, body, &out); err != nil {
		return domain.BroadcastResult{}, fmt.Errorf("chain/rpc: broadcast %s: %w", tx.JobID, err)
	}
	if out.TxHash == "" {
		return domain.BroadcastResult{}, fmt.Errorf("chain/rpc: broadcast %s: %w: empty tx hash", tx.JobID, domain.ErrAdapterUnavailable)
	}
	return domain.BroadcastResult{TxHash: out.TxHash, BlockHeight: out.BlockHeight}, nil
}

// Confirmations fetches the chain's view of a transaction.
func (c *RPCClient) Confirmations(ctx context.Context, txHash string) (domain.TxStatus, error) {
	var out txStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tx/"+url.PathEscape(txHash), nil, nil, &out); err != nil {
		return domain.TxStatus{}, fmt.Errorf("chain/rpc: tx %s: %w", txHash, err)
	}
	return domain.TxStatus{Confirmations: out.Confirmations, BlockHeight: out.BlockHeight, Dropped: out.Dropped}, nil
}

// ValidateAddress asks the adapter to classify an address.
func (c *RPCClient) ValidateAddress(ctx context.Context, addr string) (domain.AddressInfo, error) {
	var out addressResponse
	if err := c.do(ctx, http.MethodGet, "/v1/address/"+url.PathEscape(addr), nil, nil, &out); err != nil {
		return domain.AddressInfo{}, fmt.Errorf("chain/rpc: address: %w", err)
	}
	return domain.AddressInfo{Valid: out.Valid, Type: domain.TxType(out.Type), Network: out.Network}, nil
}

// do sends an HMAC-signed request and decodes a JSON response into out.
func (c *RPCClient) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.Headers(method, req.URL.EscapedPath(), payload) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrAdapterUnavailable, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrAdapterUnavailable, err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx responses to domain errors. Anything the
// worker should retry is ErrAdapterUnavailable.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case apiErr.Code == "invalid_address":
		return fmt.Errorf("%w: %s", domain.ErrInvalidAddress, msg)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrInvalidInput, statusCode, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrAdapterUnavailable, statusCode, msg)
	}
}

// IsRetryable reports whether a chain error is worth retrying.
func IsRetryable(err error) bool {
	return !errors.Is(err, domain.ErrInvalidAddress) && !errors.Is(err, domain.ErrInvalidInput)
}
