package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

type stakeRepo struct{ t *tx }

func (r stakeRepo) Create(_ context.Context, s domain.Stake) error {
	if _, ok := r.t.st.stakes[s.ID]; ok {
		return fmt.Errorf("memory: create stake %s: %w", s.ID, domain.ErrAlreadyExists)
	}
	r.t.st.stakes[s.ID] = s
	return nil
}

func (r stakeRepo) Get(_ context.Context, id string) (domain.Stake, error) {
	s, ok := r.t.st.stakes[id]
	if !ok {
		return domain.Stake{}, domain.ErrNotFound
	}
	return s, nil
}

func (r stakeRepo) GetForUpdate(ctx context.Context, id string) (domain.Stake, error) {
	return r.Get(ctx, id)
}

func (r stakeRepo) FindActiveForUpdate(_ context.Context, userID string, t domain.StakeType) (domain.Stake, error) {
	var best *domain.Stake
	for _, s := range r.t.st.stakes {
		if s.UserID != userID || s.StakeType != t || s.Status != domain.StakeStatusActive {
			continue
		}
		if best == nil || s.Amount > best.Amount || (s.Amount == best.Amount && s.ID < best.ID) {
			c := s
			best = &c
		}
	}
	if best == nil {
		return domain.Stake{}, domain.ErrNotFound
	}
	return *best, nil
}

func (r stakeRepo) Update(_ context.Context, s domain.Stake) error {
	if _, ok := r.t.st.stakes[s.ID]; !ok {
		return domain.ErrNotFound
	}
	r.t.st.stakes[s.ID] = s
	return nil
}

type attestationRepo struct{ t *tx }

func (r attestationRepo) Create(_ context.Context, a domain.Attestation) error {
	for _, existing := range r.t.st.attestations {
		if existing.ReporterID == a.ReporterID && existing.MarketID == a.MarketID {
			return fmt.Errorf("memory: attestation %s/%s: %w", a.ReporterID, a.MarketID, domain.ErrAlreadyExists)
		}
	}
	r.t.st.attestations[a.ID] = a
	return nil
}

func (r attestationRepo) Get(_ context.Context, id string) (domain.Attestation, error) {
	a, ok := r.t.st.attestations[id]
	if !ok {
		return domain.Attestation{}, domain.ErrNotFound
	}
	return a, nil
}

func (r attestationRepo) GetForUpdate(ctx context.Context, id string) (domain.Attestation, error) {
	return r.Get(ctx, id)
}

func (r attestationRepo) Update(_ context.Context, a domain.Attestation) error {
	if _, ok := r.t.st.attestations[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.t.st.attestations[a.ID] = a
	return nil
}

func (r attestationRepo) ListByMarket(_ context.Context, marketID string) ([]domain.Attestation, error) {
	var out []domain.Attestation
	for _, a := range r.t.st.attestations {
		if a.MarketID == marketID {
			out = append(out, a)
		}
	}
	sortAttestations(out)
	return out, nil
}

func (r attestationRepo) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]domain.Attestation, error) {
	var out []domain.Attestation
	for _, a := range r.t.st.attestations {
		if a.Status == domain.AttestationPending && !now.Before(a.DisputeDeadline) {
			out = append(out, a)
		}
	}
	sortAttestations(out)
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r attestationRepo) CountOpenByStake(_ context.Context, stakeID string) (int, error) {
	n := 0
	for _, a := range r.t.st.attestations {
		if a.StakeID == stakeID && (a.Status == domain.AttestationPending || a.Status == domain.AttestationDisputed) {
			n++
		}
	}
	return n, nil
}

func sortAttestations(as []domain.Attestation) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}

type disputeRepo struct{ t *tx }

func (r disputeRepo) Create(_ context.Context, d domain.Dispute) error {
	if _, ok := r.t.st.disputes[d.ID]; ok {
		return fmt.Errorf("memory: create dispute %s: %w", d.ID, domain.ErrAlreadyExists)
	}
	r.t.st.disputes[d.ID] = d
	return nil
}

func (r disputeRepo) Get(_ context.Context, id string) (domain.Dispute, error) {
	d, ok := r.t.st.disputes[id]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return d, nil
}

func (r disputeRepo) GetForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	return r.Get(ctx, id)
}

func (r disputeRepo) Update(_ context.Context, d domain.Dispute) error {
	if _, ok := r.t.st.disputes[d.ID]; !ok {
		return domain.ErrNotFound
	}
	r.t.st.disputes[d.ID] = d
	return nil
}

func (r disputeRepo) CountOpenByStake(_ context.Context, stakeID string) (int, error) {
	n := 0
	for _, d := range r.t.st.disputes {
		if d.StakeID == stakeID && d.Status == domain.DisputeOpen {
			n++
		}
	}
	return n, nil
}

type auditRepo struct{ t *tx }

func (r auditRepo) Log(_ context.Context, event string, detail map[string]any) error {
	r.t.st.auditSeq++
	r.t.st.audit = append(r.t.st.audit, domain.AuditEntry{
		ID:        r.t.st.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: r.t.now(),
	})
	return nil
}

// List returns entries newest first.
func (r auditRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i := len(r.t.st.audit) - 1; i >= 0; i-- {
		e := r.t.st.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

func (r auditRepo) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range r.t.st.audit {
		if _, done := r.t.st.auditArchive[e.ID]; done || !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
	}
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r auditRepo) MarkArchived(_ context.Context, ids []int64, at time.Time) error {
	for _, id := range ids {
		r.t.st.auditArchive[id] = at
	}
	return nil
}
