package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// MarketPrice is the implied price pair of one market.
type MarketPrice struct {
	MarketID  string
	Yes       float64
	No        float64
	UpdatedAt time.Time
}

// PriceService keeps the price cache in step with pool reserves. Trades
// write through the cache as they commit; the sync loop repairs anything a
// crash or a cache flush lost.
type PriceService struct {
	store  domain.Store
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceService creates a PriceService.
func NewPriceService(store domain.Store, cache domain.PriceCache, logger *slog.Logger) *PriceService {
	return &PriceService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// Price returns the cached price for a market, falling back to the pool on a
// cache miss and back-filling the cache.
func (s *PriceService) Price(ctx context.Context, marketID string) (MarketPrice, error) {
	yes, no, ts, err := s.cache.GetPrice(ctx, marketID)
	if err == nil {
		return MarketPrice{MarketID: marketID, Yes: yes, No: no, UpdatedAt: ts}, nil
	}

	var pool domain.LiquidityPool
	err = s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		pool, err = tx.Pools().Get(ctx, marketID)
		return err
	})
	if err != nil {
		return MarketPrice{}, fmt.Errorf("price_service: get pool %q: %w", marketID, err)
	}

	p := priceOf(pool)
	if cacheErr := s.cache.SetPrice(ctx, marketID, p.Yes, p.No, p.UpdatedAt); cacheErr != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", marketID),
			slog.String("error", cacheErr.Error()),
		)
	}
	return p, nil
}

// Sync recomputes every pool's price and writes it to the cache, reading at
// most batch pools per transaction. It returns the number of markets synced.
func (s *PriceService) Sync(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	synced := 0
	for offset := 0; ; offset += batch {
		var pools []domain.LiquidityPool
		err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			pools, err = tx.Pools().List(ctx, domain.ListOpts{Limit: batch, Offset: offset})
			return err
		})
		if err != nil {
			return synced, fmt.Errorf("price_service: list pools: %w", err)
		}
		for _, pool := range pools {
			p := priceOf(pool)
			if err := s.cache.SetPrice(ctx, p.MarketID, p.Yes, p.No, p.UpdatedAt); err != nil {
				return synced, fmt.Errorf("price_service: set price %q: %w", p.MarketID, err)
			}
			synced++
		}
		if len(pools) < batch {
			break
		}
	}
	s.logger.DebugContext(ctx, "prices synced", slog.Int("markets", synced))
	return synced, nil
}

func priceOf(pool domain.LiquidityPool) MarketPrice {
	yes, no := amm.PriceOf(pool)
	return MarketPrice{MarketID: pool.MarketID, Yes: yes, No: no, UpdatedAt: pool.UpdatedAt}
}
