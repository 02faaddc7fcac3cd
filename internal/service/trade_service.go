package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
)

// TradeRequest is a buy of one side of a market.
type TradeRequest struct {
	MarketID string
	UserID   string
	Side     domain.Side
	Amount   int64 // minor units offered
	TxType   domain.TxType
}

// TradeQuote is a read-only preview of a trade.
type TradeQuote struct {
	amm.Quote
	YesPriceAfter float64
	NoPriceAfter  float64
	PriceImpact   float64
	// Payout is what the quoted shares return if side wins.
	Payout amm.PayoutSummary
}

// TradeResult is what a committed trade produced.
type TradeResult struct {
	Quote    amm.Quote
	Fill     domain.Fill
	Position domain.Position
	Job      domain.SettlementJob
	YesPrice float64
	NoPrice  float64
}

// TradeService executes AMM trades. A trade updates the pool, market,
// balance, position and fill and enqueues its settlement job in a single
// transaction.
type TradeService struct {
	store      domain.Store
	settlement *SettlementService
	prices     domain.PriceCache
	events     *EventPublisher
	metrics    *metrics.Metrics
	scale      int64
	logger     *slog.Logger
	now        func() time.Time
}

// NewTradeService creates a TradeService. scale is the number of minor units
// per pool unit.
func NewTradeService(
	store domain.Store,
	settlement *SettlementService,
	prices domain.PriceCache,
	events *EventPublisher,
	m *metrics.Metrics,
	scale int64,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		store:      store,
		settlement: settlement,
		prices:     prices,
		events:     events,
		metrics:    m,
		scale:      scale,
		logger:     logger.With(slog.String("component", "trade_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *TradeService) WithClock(now func() time.Time) *TradeService {
	s.now = now
	return s
}

// Quote prices a buy without changing any state.
func (s *TradeService) Quote(ctx context.Context, marketID string, side domain.Side, amount int64) (TradeQuote, error) {
	var out TradeQuote
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		market, err := tx.Markets().Get(ctx, marketID)
		if err != nil {
			return err
		}
		if err := market.TradingOpen(s.now()); err != nil {
			return err
		}
		pool, err := tx.Pools().Get(ctx, marketID)
		if err != nil {
			return err
		}
		q, err := amm.QuoteForAmount(pool, side, amount, pool.FeeBps, s.scale)
		if err != nil {
			return err
		}
		impact, err := amm.PriceImpact(pool, side, amount, pool.FeeBps, s.scale)
		if err != nil {
			return err
		}
		out.Quote = q
		out.PriceImpact = impact
		out.YesPriceAfter, out.NoPriceAfter = amm.PriceOf(q.NewPool)
		out.Payout = amm.Payout(q.SharesOut.Int64(), q.AvgPrice)
		return nil
	})
	if err != nil {
		return TradeQuote{}, fmt.Errorf("trade_service: quote %s: %w", marketID, err)
	}
	return out, nil
}

// Trade executes req atomically. On any error nothing is written.
func (s *TradeService) Trade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	var res TradeResult
	var jobCreated bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		res, jobCreated, err = s.execute(ctx, tx, req)
		return err
	})
	if err != nil {
		s.metrics.TradeRejected(string(domain.KindOf(err)))
		return TradeResult{}, fmt.Errorf("trade_service: trade %s: %w", req.MarketID, err)
	}

	if jobCreated {
		s.settlement.Announce(ctx, res.Job)
	}
	s.metrics.TradeExecuted(string(req.Side), res.Fill.Amount)
	if s.prices != nil {
		if err := s.prices.SetPrice(ctx, req.MarketID, res.YesPrice, res.NoPrice, res.Fill.CreatedAt); err != nil {
			s.logger.WarnContext(ctx, "price cache update failed",
				slog.String("market_id", req.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.events.Trade(ctx, res.Fill.CreatedAt, domain.TradeEvent{
		FillID:   res.Fill.ID,
		MarketID: res.Fill.MarketID,
		UserID:   res.Fill.UserID,
		Side:     string(res.Fill.Side),
		Shares:   res.Fill.Quantity,
		Amount:   res.Fill.Amount,
		Fee:      res.Fill.Fee,
		YesPrice: res.YesPrice,
		NoPrice:  res.NoPrice,
	})
	s.logger.InfoContext(ctx, "trade executed",
		slog.String("fill_id", res.Fill.ID),
		slog.String("market_id", req.MarketID),
		slog.String("user_id", req.UserID),
		slog.String("side", string(req.Side)),
		slog.Int64("shares", res.Fill.Quantity),
		slog.Int64("amount", res.Fill.Amount),
		slog.String("job_id", res.Job.ID),
	)
	return res, nil
}

func (s *TradeService) execute(ctx context.Context, tx domain.Tx, req TradeRequest) (TradeResult, bool, error) {
	if req.UserID == "" {
		return TradeResult{}, false, fmt.Errorf("%w: user id required", domain.ErrInvalidInput)
	}
	now := s.now()

	// Pool first: it serializes every trade and resolution on the market.
	pool, err := tx.Pools().GetForUpdate(ctx, req.MarketID)
	if err != nil {
		return TradeResult{}, false, err
	}
	market, err := tx.Markets().Get(ctx, req.MarketID)
	if err != nil {
		return TradeResult{}, false, err
	}
	if err := market.TradingOpen(now); err != nil {
		return TradeResult{}, false, err
	}

	q, err := amm.QuoteForAmount(pool, req.Side, req.Amount, pool.FeeBps, s.scale)
	if err != nil {
		return TradeResult{}, false, err
	}
	if !q.SharesOut.IsInt64() {
		return TradeResult{}, false, fmt.Errorf("%w: share count overflows", domain.ErrInvalidAmount)
	}
	shares := q.SharesOut.Int64()

	bal, err := tx.Balances().GetForUpdate(ctx, req.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return TradeResult{}, false, fmt.Errorf("%w: no balance for %s", domain.ErrInsufficientBalance, req.UserID)
	}
	if err != nil {
		return TradeResult{}, false, err
	}
	if bal.Available < q.AmountUsed {
		return TradeResult{}, false, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientBalance, q.AmountUsed, bal.Available)
	}

	if err := tx.Pools().Update(ctx, q.NewPool); err != nil {
		return TradeResult{}, false, err
	}
	yes, no := amm.PriceOf(q.NewPool)
	if err := tx.Markets().UpdateTrading(ctx, req.MarketID, yes, no, q.AmountUsed); err != nil {
		return TradeResult{}, false, err
	}

	bal.Available -= q.AmountUsed
	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return TradeResult{}, false, err
	}

	pos, err := tx.Positions().GetForUpdate(ctx, req.UserID, req.MarketID, req.Side)
	if errors.Is(err, domain.ErrNotFound) {
		pos = domain.Position{UserID: req.UserID, MarketID: req.MarketID, Side: req.Side}
	} else if err != nil {
		return TradeResult{}, false, err
	}
	pos = pos.ApplyFill(shares, q.AmountUsed, q.AvgPrice)
	pos.UpdatedAt = now
	if err := tx.Positions().Upsert(ctx, pos); err != nil {
		return TradeResult{}, false, err
	}

	fill := domain.Fill{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Price:     q.AvgPrice,
		Quantity:  shares,
		Amount:    q.AmountUsed,
		Fee:       q.FeeAmount,
		Source:    domain.FillSourceAMM,
		CreatedAt: now,
	}
	if err := tx.Fills().Create(ctx, fill); err != nil {
		return TradeResult{}, false, err
	}

	job, created, err := s.settlement.Enqueue(ctx, tx, domain.JobRequest{
		JobType:  domain.JobTypeTradeSettlement,
		TxType:   req.TxType,
		UserID:   req.UserID,
		MarketID: req.MarketID,
		FillID:   fill.ID,
		Amount:   q.AmountUsed,
	})
	if err != nil {
		return TradeResult{}, false, err
	}

	if err := tx.Audit().Log(ctx, "trade_executed", map[string]any{
		"fill_id":   fill.ID,
		"market_id": req.MarketID,
		"user_id":   req.UserID,
		"side":      string(req.Side),
		"shares":    shares,
		"amount":    q.AmountUsed,
		"fee":       q.FeeAmount,
		"job_id":    job.ID,
	}); err != nil {
		return TradeResult{}, false, err
	}

	return TradeResult{
		Quote:    q,
		Fill:     fill,
		Position: pos,
		Job:      job,
		YesPrice: yes,
		NoPrice:  no,
	}, created, nil
}
