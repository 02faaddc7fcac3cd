package kms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// fakeKMS fronts a LocalSigner with the KMS REST shape.
func fakeKMS(t *testing.T, signer *crypto.LocalSigner) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authed := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	mux.HandleFunc("POST /v1/keys/{id}/sign", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg, _ := hexutil.Decode(req.Message)
		sig, err := signer.Sign(r.Context(), msg, r.PathValue("id"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{Signature: hexutil.Encode(sig)})
	})
	mux.HandleFunc("GET /v1/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		pub, err := signer.PublicKey(r.Context(), r.PathValue("id"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: hexutil.Encode(pub)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_SignVerifies(t *testing.T) {
	signer, err := crypto.NewLocalSigner("hot", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	srv := fakeKMS(t, signer)
	c := NewClient(srv.URL, "key-1", time.Second)
	ctx := context.Background()

	msg := []byte(`{"job_id":"j1","amount":10}`)
	sig, err := c.Sign(ctx, msg, "hot")
	require.NoError(t, err)
	pub, err := c.PublicKey(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, crypto.VerifySignature(pub, msg, sig))

	_, err = c.Sign(ctx, msg, "cold")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_Errors(t *testing.T) {
	signer, err := crypto.NewLocalSigner("hot", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	srv := fakeKMS(t, signer)
	ctx := context.Background()

	_, err = NewClient(srv.URL, "wrong", time.Second).Sign(ctx, []byte("x"), "hot")
	assert.ErrorIs(t, err, domain.ErrSignerUnavailable)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	srv.Close()
	_, err = NewClient(srv.URL, "key-1", time.Second).Sign(ctx, []byte("x"), "hot")
	assert.ErrorIs(t, err, domain.ErrSignerUnavailable)
}
