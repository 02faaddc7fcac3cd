package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// SeedFile is the operator seed format: users with opening balances, and
// markets with their initial pool liquidity.
//
//	[[users]]
//	id = "alice"
//	kyc = true
//	shielded_address = "zs1..."
//	balance = 500000000
//
//	[[markets]]
//	id = "btc-100k"
//	question = "Will BTC close above 100k in 2026?"
//	end_time = 2026-12-31T00:00:00Z
//	liquidity = 1000000
type SeedFile struct {
	Users   []SeedUser   `toml:"users"`
	Markets []SeedMarket `toml:"markets"`
}

// SeedUser is one user entry.
type SeedUser struct {
	ID                 string `toml:"id"`
	KYC                bool   `toml:"kyc"`
	ShieldedAddress    string `toml:"shielded_address"`
	TransparentAddress string `toml:"transparent_address"`
	Balance            int64  `toml:"balance"`
}

// SeedMarket is one market entry. FeeBps falls back to the configured AMM
// fee when unset.
type SeedMarket struct {
	ID        string    `toml:"id"`
	Question  string    `toml:"question"`
	Category  string    `toml:"category"`
	Region    string    `toml:"region"`
	EndTime   time.Time `toml:"end_time"`
	Liquidity int64     `toml:"liquidity"`
	FeeBps    *int64    `toml:"fee_bps"`
}

// LoadSeed decodes a seed file.
func LoadSeed(path string) (SeedFile, error) {
	var f SeedFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return SeedFile{}, fmt.Errorf("seed: decode %s: %w", path, err)
	}
	return f, nil
}

// Seed creates the users and markets in f that do not exist yet, in one
// transaction. Existing rows are left untouched so the seed can run on every
// start.
func Seed(ctx context.Context, store domain.Store, f SeedFile, defaultFeeBps int64, logger *slog.Logger) error {
	var users, markets int
	err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		users, markets = 0, 0
		now := time.Now().UTC()
		for _, u := range f.Users {
			if u.ID == "" {
				return fmt.Errorf("%w: seed user without id", domain.ErrInvalidInput)
			}
			_, err := tx.Users().Get(ctx, u.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if err := tx.Users().Create(ctx, domain.User{
				ID:                 u.ID,
				KYCVerified:        u.KYC,
				ShieldedAddress:    u.ShieldedAddress,
				TransparentAddress: u.TransparentAddress,
				CreatedAt:          now,
			}); err != nil {
				return err
			}
			if err := tx.Balances().Upsert(ctx, domain.Balance{UserID: u.ID, Available: u.Balance, UpdatedAt: now}); err != nil {
				return err
			}
			users++
		}

		for _, m := range f.Markets {
			if m.ID == "" || m.Liquidity <= 0 {
				return fmt.Errorf("%w: seed market %q needs an id and positive liquidity", domain.ErrInvalidInput, m.ID)
			}
			_, err := tx.Markets().Get(ctx, m.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			fee := defaultFeeBps
			if m.FeeBps != nil {
				fee = *m.FeeBps
			}
			pool := amm.NewPool(m.ID, m.Liquidity, fee)
			pool.UpdatedAt = now
			yes, no := amm.PriceOf(pool)
			if err := tx.Markets().Create(ctx, domain.Market{
				ID:        m.ID,
				Question:  m.Question,
				Category:  m.Category,
				Region:    m.Region,
				YesPrice:  yes,
				NoPrice:   no,
				EndTime:   m.EndTime,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.Pools().Create(ctx, pool); err != nil {
				return err
			}
			markets++
		}
		return tx.Audit().Log(ctx, "seed.applied", map[string]any{"users": users, "markets": markets})
	})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.InfoContext(ctx, "seed applied", slog.Int("users", users), slog.Int("markets", markets))
	return nil
}
