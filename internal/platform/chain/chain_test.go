package chain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func signedTx(t *testing.T, payload string) domain.SignedTx {
	t.Helper()
	signer, err := crypto.NewLocalSigner("k1", testKey)
	require.NoError(t, err)
	ctx := context.Background()
	sig, err := signer.Sign(ctx, []byte(payload), "k1")
	require.NoError(t, err)
	pub, err := signer.PublicKey(ctx, "k1")
	require.NoError(t, err)
	return domain.SignedTx{JobID: "j1", Payload: []byte(payload), Signature: sig, PublicKey: pub}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		addr    string
		network string
		valid   bool
		txType  domain.TxType
	}{
		{"zs1abc", "", true, domain.TxTypeShielded},
		{"u1abc", NetworkMainnet, true, domain.TxTypeShielded},
		{"utest1abc", NetworkTestnet, true, domain.TxTypeShielded},
		{"ztestsaplingabc", NetworkMainnet, false, domain.TxTypeShielded},
		{"t1abc", "", true, domain.TxTypeTransparent},
		{"tmabc", NetworkTestnet, true, domain.TxTypeTransparent},
		{"t1", "", false, domain.TxTypeTransparent},
		{"zs1ab-c", "", false, domain.TxTypeShielded},
		{"0xdeadbeef", "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			info := ParseAddress(tt.addr, tt.network)
			assert.Equal(t, tt.valid, info.Valid)
			assert.Equal(t, tt.txType, info.Type)
		})
	}
}

func TestMockAdapter_BroadcastAndConfirm(t *testing.T) {
	m := NewMockAdapter("")
	ctx := context.Background()
	tx := signedTx(t, `{"job_id":"j1"}`)

	res, err := m.Broadcast(ctx, tx)
	require.NoError(t, err)
	assert.Len(t, res.TxHash, 66)
	assert.Equal(t, int64(2), res.BlockHeight)

	again, err := m.Broadcast(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 1, m.Broadcasts())

	st, err := m.Confirmations(ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Confirmations)

	m.Mine(5)
	st, err = m.Confirmations(ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.Confirmations)

	_, err = m.Confirmations(ctx, "0xmissing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMockAdapter_FailureInjection(t *testing.T) {
	m := NewMockAdapter("")
	ctx := context.Background()

	m.FailNextBroadcasts(1)
	_, err := m.Broadcast(ctx, signedTx(t, "a"))
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
	assert.True(t, IsRetryable(err))

	m.DropNextBroadcasts(1)
	res, err := m.Broadcast(ctx, signedTx(t, "a"))
	require.NoError(t, err)
	st, err := m.Confirmations(ctx, res.TxHash)
	require.NoError(t, err)
	assert.True(t, st.Dropped)

	// Resending a dropped transaction mines it again under the same hash.
	again, err := m.Broadcast(ctx, signedTx(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, res.TxHash, again.TxHash)
	assert.Greater(t, again.BlockHeight, res.BlockHeight)
	st, err = m.Confirmations(ctx, again.TxHash)
	require.NoError(t, err)
	assert.False(t, st.Dropped)
	assert.Equal(t, 2, m.Broadcasts())

	bad := signedTx(t, "b")
	bad.Payload = []byte("tampered")
	_, err = m.Broadcast(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, IsRetryable(err))
}

func TestRPCClient(t *testing.T) {
	auth := crypto.NewHMACAuth("s3cret", time.Minute)
	mux := http.NewServeMux()
	verify := func(w http.ResponseWriter, r *http.Request, body []byte) bool {
		err := auth.Verify(r.Method, r.URL.EscapedPath(), r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), body)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	mux.HandleFunc("POST /v1/broadcast", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !verify(w, r, raw) {
			return
		}
		var req broadcastRequest
		assert.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "j1", req.JobID)
		assert.Equal(t, "j1", r.Header.Get(HeaderIdempotencyKey))
		_ = json.NewEncoder(w).Encode(broadcastResponse{TxHash: "0xfeed", BlockHeight: 42})
	})
	mux.HandleFunc("GET /v1/tx/{hash}", func(w http.ResponseWriter, r *http.Request) {
		if !verify(w, r, nil) {
			return
		}
		if r.PathValue("hash") != "0xfeed" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(txStatusResponse{Confirmations: 3, BlockHeight: 42})
	})
	mux.HandleFunc("GET /v1/address/{addr}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("addr") == "bogus" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(errorResponse{Code: "invalid_address", Message: "unknown prefix"})
			return
		}
		_ = json.NewEncoder(w).Encode(addressResponse{Valid: true, Type: "shielded", Network: "testnet"})
	})
	mux.HandleFunc("GET /v1/tx/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRPCClient(srv.URL, auth, time.Second)
	ctx := context.Background()

	res, err := c.Broadcast(ctx, signedTx(t, "payload"))
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastResult{TxHash: "0xfeed", BlockHeight: 42}, res)

	st, err := c.Confirmations(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Confirmations)

	_, err = c.Confirmations(ctx, "0xother")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Confirmations(ctx, "boom")
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)

	info, err := c.ValidateAddress(ctx, "utest1xyz")
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeShielded, info.Type)

	_, err = c.ValidateAddress(ctx, "bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	unsigned := NewRPCClient(srv.URL, nil, time.Second)
	_, err = unsigned.Confirmations(ctx, "0xfeed")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
