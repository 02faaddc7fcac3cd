package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/cache/local"
	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/server/handler"
	"github.com/alanyoungcy/shieldmarket/internal/server/middleware"
	"github.com/alanyoungcy/shieldmarket/internal/service"
	"github.com/alanyoungcy/shieldmarket/internal/store/memory"
)

const (
	scale   = 1_000_000
	oneUnit = 100 * scale
)

type apiHarness struct {
	t     *testing.T
	h     http.Handler
	auth  *crypto.HMACAuth
	store *memory.Store
}

func newAPIHarness(t *testing.T, rateLimit int) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	bus := local.NewBus(0)
	events := service.NewEventPublisher(bus, logger)

	settlement := service.NewSettlementService(store, events, m, service.SettlementPolicy{
		MaxRetries:            3,
		RequireKYC:            true,
		ConfirmationThreshold: 3,
		BackoffBase:           time.Second,
		BackoffMax:            time.Minute,
	}, logger)
	priceCache := local.NewPriceCache()
	trades := service.NewTradeService(store, settlement, priceCache, events, m, scale, logger)
	prices := service.NewPriceService(store, priceCache, logger)
	oracle := service.NewOracleService(store, settlement, events, m, service.OraclePolicy{
		MinStake:      oneUnit,
		DisputeWindow: time.Hour,
		Scale:         scale,
	}, logger)

	auth := crypto.NewHMACAuth("0123456789abcdef0123", time.Minute)
	srv := NewServer(Config{
		Auth:       auth,
		Limiter: local.NewRateLimiter(),
		Limits:  middleware.Limits{Read: rateLimit, Write: rateLimit, Window: time.Minute},
	}, Handlers{
		Health:     handler.NewHealthHandler("test", nil, logger),
		Markets:    handler.NewMarketHandler(trades, logger).WithPrices(prices),
		Settlement: handler.NewSettlementHandler(settlement, logger),
		Oracle:     handler.NewOracleHandler(oracle, logger),
	}, nil, m, logger)

	a := &apiHarness{t: t, h: srv.Handler(), auth: auth, store: store}
	a.seed()
	return a
}

func (a *apiHarness) seed() {
	require.NoError(a.t, a.store.InTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		for _, id := range []string{"alice", "rep", "dis"} {
			if err := tx.Users().Create(ctx, domain.User{ID: id, KYCVerified: true, ShieldedAddress: "zs1" + id}); err != nil {
				return err
			}
			if err := tx.Balances().Upsert(ctx, domain.Balance{UserID: id, Available: 5 * oneUnit}); err != nil {
				return err
			}
		}
		if err := tx.Markets().Create(ctx, domain.Market{ID: "m1", Question: "?", YesPrice: 0.5, NoPrice: 0.5}); err != nil {
			return err
		}
		return tx.Pools().Create(ctx, amm.NewPool("m1", 1_000_000, 0))
	}))
}

func (a *apiHarness) do(method, path string, body any, signed bool) *httptest.ResponseRecorder {
	a.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(a.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.RemoteAddr = "10.0.0.1:5555"
	if signed {
		for k, v := range a.auth.Headers(method, path, raw) {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_PublicEndpoints(t *testing.T) {
	a := newAPIHarness(t, 0)

	rec := a.do(http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = a.do(http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shieldmarket_http_requests_total")
}

func TestServer_RequiresSignature(t *testing.T) {
	a := newAPIHarness(t, 0)

	rec := a.do(http.MethodGet, "/v1/settlement/jobs/x", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body := []byte(`{"side":"yes","amount":100}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/markets/m1/quote", bytes.NewReader(body))
	for k, v := range a.auth.Headers(http.MethodPost, "/v1/markets/m1/quote", []byte(`{"side":"no","amount":100}`)) {
		req.Header.Set(k, v)
	}
	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature covers the body")
}

func TestServer_TradeAndJobLifecycle(t *testing.T) {
	a := newAPIHarness(t, 0)

	rec := a.do(http.MethodGet, "/v1/markets/m1/price", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 0.5, decode[map[string]any](t, rec)["yes"], 1e-9)

	rec = a.do(http.MethodPost, "/v1/markets/m1/quote", map[string]any{"side": "yes", "amount": oneUnit}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[map[string]any](t, rec)
	assert.Equal(t, "99", quote["shares"])
	payout, ok := quote["payout"].(map[string]any)
	require.True(t, ok, "quote carries the payout summary")
	assert.Equal(t, "99", payout["max_payout"])
	assert.Less(t, payout["roi"], 0.0, "paying at least one unit per share cannot profit")

	rec = a.do(http.MethodPost, "/v1/markets/m1/trades", map[string]any{"user_id": "alice", "side": "yes", "amount": oneUnit}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trade := decode[struct {
		Shares int64 `json:"shares"`
		Job    struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			JobType string `json:"job_type"`
		} `json:"job"`
	}](t, rec)
	assert.Equal(t, int64(99), trade.Shares)
	assert.Equal(t, "pending", trade.Job.Status)
	assert.Equal(t, "trade_settlement", trade.Job.JobType)

	rec = a.do(http.MethodGet, "/v1/markets/m1/price", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, decode[map[string]any](t, rec)["yes"].(float64), 0.5, "trades write through the price cache")

	rec = a.do(http.MethodGet, "/v1/settlement/jobs/"+trade.Job.ID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/v1/settlement/jobs/"+trade.Job.ID+"/cancel", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[map[string]any](t, rec)["status"])

	rec = a.do(http.MethodPost, "/v1/settlement/jobs/"+trade.Job.ID+"/cancel", nil, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	a := newAPIHarness(t, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"bad side", http.MethodPost, "/v1/markets/m1/quote", map[string]any{"side": "maybe", "amount": 1}, http.StatusBadRequest, "validation"},
		{"unknown field", http.MethodPost, "/v1/markets/m1/quote", map[string]any{"side": "yes", "amount": 1, "x": 1}, http.StatusBadRequest, "validation"},
		{"unknown market", http.MethodPost, "/v1/markets/nope/quote", map[string]any{"side": "yes", "amount": oneUnit}, http.StatusNotFound, "not_found"},
		{"too small", http.MethodPost, "/v1/markets/m1/quote", map[string]any{"side": "yes", "amount": 1}, http.StatusUnprocessableEntity, "liquidity"},
		{"privacy gate", http.MethodPost, "/v1/settlement/jobs", map[string]any{"job_type": "payout", "tx_type": "transparent", "user_id": "alice", "market_id": "m1", "amount": 5}, http.StatusUnprocessableEntity, "policy"},
		{"unknown job", http.MethodGet, "/v1/settlement/jobs/missing", nil, http.StatusNotFound, "not_found"},
		{"bad verdict", http.MethodPost, "/v1/oracle/disputes/d1/resolve", map[string]any{"verdict": "coin_flip"}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.method, tt.path, tt.body, true)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[map[string]any](t, rec)["kind"])
		})
	}
}

func TestServer_OracleFlow(t *testing.T) {
	a := newAPIHarness(t, 0)

	rec := a.do(http.MethodPost, "/v1/oracle/reporters", map[string]any{"user_id": "rep", "amount": oneUnit}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/v1/oracle/reporters", map[string]any{"user_id": "dis", "amount": oneUnit}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/v1/oracle/attestations", map[string]any{"reporter_id": "rep", "market_id": "m1", "outcome": "yes"}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	att := decode[map[string]any](t, rec)

	rec = a.do(http.MethodPost, "/v1/oracle/attestations/"+att["id"].(string)+"/finalize", nil, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "window still open")

	rec = a.do(http.MethodPost, "/v1/oracle/disputes", map[string]any{
		"attestation_id": att["id"], "disputer_id": "dis", "disputed_outcome": "no", "reason": "wrong",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[map[string]any](t, rec)
	assert.Equal(t, "open", d["status"])

	rec = a.do(http.MethodPost, "/v1/oracle/disputes/"+d["id"].(string)+"/resolve", map[string]any{"verdict": "reporter_wins"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Dispute     map[string]any   `json:"dispute"`
		Attestation map[string]any   `json:"attestation"`
		Jobs        []map[string]any `json:"jobs"`
	}](t, rec)
	assert.Equal(t, "resolved_for_reporter", res.Dispute["status"])
	assert.Equal(t, "accepted", res.Attestation["status"])
	require.NotEmpty(t, res.Jobs)
	assert.Equal(t, "slash", res.Jobs[0]["job_type"])

	rec = a.do(http.MethodPost, "/v1/oracle/disputes/"+d["id"].(string)+"/resolve", map[string]any{"verdict": "reporter_wins"}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	a := newAPIHarness(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/healthz", nil, false).Code)
	}
	rec := a.do(http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Writes have their own budget.
	rec = a.do(http.MethodPost, "/v1/markets/m1/quote", map[string]any{"side": "yes", "amount": oneUnit}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequestID(t *testing.T) {
	a := newAPIHarness(t, 0)
	rec := a.do(http.MethodGet, "/healthz", nil, false)
	assert.Len(t, rec.Header().Get(middleware.HeaderRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.HeaderRequestID, "trace-42")
	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get(middleware.HeaderRequestID))
}

func TestServer_CORSPreflight(t *testing.T) {
	a := newAPIHarness(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/v1/oracle/disputes", nil)
	req.Header.Set("Origin", "https://gateway.internal")
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://gateway.internal", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Signature"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), middleware.HeaderRequestID)
}

func TestServer_OpsOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	srv := NewServer(Config{Auth: crypto.NewHMACAuth("0123456789abcdef0123", time.Minute)}, Handlers{
		Health: handler.NewHealthHandler("worker", nil, logger),
	}, nil, m, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// API routes are not registered; unsigned requests fail auth first.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/settlement/jobs/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
