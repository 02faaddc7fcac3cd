package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/service"
)

// TradeService defines the methods that the market handler requires from the
// service layer.
type TradeService interface {
	Quote(ctx context.Context, marketID string, side domain.Side, amount int64) (service.TradeQuote, error)
	Trade(ctx context.Context, req service.TradeRequest) (service.TradeResult, error)
}

// PriceService reads implied market prices.
type PriceService interface {
	Price(ctx context.Context, marketID string) (service.MarketPrice, error)
}

// MarketHandler serves AMM price, quote and trade endpoints.
type MarketHandler struct {
	trades TradeService
	prices PriceService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(trades TradeService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{trades: trades, logger: logHandler(logger, "market")}
}

// WithPrices enables the price endpoint.
func (h *MarketHandler) WithPrices(prices PriceService) *MarketHandler {
	h.prices = prices
	return h
}

type priceResponse struct {
	MarketID  string  `json:"market_id"`
	Yes       float64 `json:"yes"`
	No        float64 `json:"no"`
	UpdatedAt string  `json:"updated_at"`
}

// Price returns the implied yes/no prices of a market.
// GET /v1/markets/{id}/price
func (h *MarketHandler) Price(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusNotFound, "price feed disabled")
		return
	}
	p, err := h.prices.Price(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		MarketID:  p.MarketID,
		Yes:       p.Yes,
		No:        p.No,
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type quoteRequest struct {
	Side   string `json:"side"`
	Amount int64  `json:"amount"`
}

type quoteResponse struct {
	MarketID      string    `json:"market_id"`
	Side          string    `json:"side"`
	Shares        string    `json:"shares"`
	AvgPrice      string    `json:"avg_price"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	YesPriceAfter float64   `json:"yes_price_after"`
	NoPriceAfter  float64   `json:"no_price_after"`
	PriceImpact   float64   `json:"price_impact"`
	Payout        payoutDTO `json:"payout"`
}

// payoutDTO is in pool units; one share redeems one unit.
type payoutDTO struct {
	Cost      string  `json:"cost"`
	MaxPayout string  `json:"max_payout"`
	Profit    string  `json:"profit"`
	ROI       float64 `json:"roi"`
}

// Quote previews a buy without changing any state.
// POST /v1/markets/{id}/quote
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	q, err := h.trades.Quote(r.Context(), marketID, side, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		MarketID:      marketID,
		Side:          string(q.Side),
		Shares:        intString(q.SharesOut),
		AvgPrice:      ratString(q.AvgPrice),
		Amount:        q.AmountUsed,
		Fee:           q.FeeAmount,
		YesPriceAfter: q.YesPriceAfter,
		NoPriceAfter:  q.NoPriceAfter,
		PriceImpact:   q.PriceImpact,
		Payout: payoutDTO{
			Cost:      ratString(q.Payout.Cost),
			MaxPayout: intString(q.Payout.MaxPayout),
			Profit:    ratString(q.Payout.Profit),
			ROI:       q.Payout.ROI,
		},
	})
}

type tradeRequest struct {
	UserID string `json:"user_id"`
	Side   string `json:"side"`
	Amount int64  `json:"amount"`
	TxType string `json:"tx_type,omitempty"`
}

type tradeResponse struct {
	FillID   string      `json:"fill_id"`
	MarketID string      `json:"market_id"`
	Side     string      `json:"side"`
	Shares   int64       `json:"shares"`
	Price    string      `json:"price"`
	Amount   int64       `json:"amount"`
	Fee      int64       `json:"fee"`
	Position positionDTO `json:"position"`
	Job      jobDTO      `json:"job"`
	YesPrice float64     `json:"yes_price"`
	NoPrice  float64     `json:"no_price"`
}

type positionDTO struct {
	Side      string `json:"side"`
	Shares    int64  `json:"shares"`
	AvgPrice  string `json:"avg_price"`
	CostBasis int64  `json:"cost_basis"`
}

// Trade executes a buy and enqueues its settlement job.
// POST /v1/markets/{id}/trades
func (h *MarketHandler) Trade(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	var req tradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	txType, err := domain.ParseTxType(req.TxType)
	if err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	res, err := h.trades.Trade(r.Context(), service.TradeRequest{
		MarketID: marketID,
		UserID:   req.UserID,
		Side:     side,
		Amount:   req.Amount,
		TxType:   txType,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	writeJSON(w, http.StatusCreated, tradeResponse{
		FillID:   res.Fill.ID,
		MarketID: res.Fill.MarketID,
		Side:     string(res.Fill.Side),
		Shares:   res.Fill.Quantity,
		Price:    ratString(res.Fill.Price),
		Amount:   res.Fill.Amount,
		Fee:      res.Fill.Fee,
		Position: positionDTO{
			Side:      string(res.Position.Side),
			Shares:    res.Position.Shares,
			AvgPrice:  ratString(res.Position.AvgPrice),
			CostBasis: res.Position.CostBasis,
		},
		Job:      newJobDTO(res.Job),
		YesPrice: res.YesPrice,
		NoPrice:  res.NoPrice,
	})
}
