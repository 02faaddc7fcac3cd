package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

type jobRepo struct{ t *tx }

func (r jobRepo) Create(_ context.Context, j domain.SettlementJob) error {
	if _, ok := r.t.st.jobs[j.ID]; ok {
		return fmt.Errorf("memory: create job %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	if j.DedupKey != "" {
		if _, ok := r.t.st.jobDedup[j.DedupKey]; ok {
			return fmt.Errorf("memory: create job dedup %s: %w", j.DedupKey, domain.ErrAlreadyExists)
		}
		r.t.st.jobDedup[j.DedupKey] = j.ID
	}
	r.t.st.jobs[j.ID] = j
	return nil
}

func (r jobRepo) Get(_ context.Context, id string) (domain.SettlementJob, error) {
	j, ok := r.t.st.jobs[id]
	if !ok {
		return domain.SettlementJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r jobRepo) GetForUpdate(ctx context.Context, id string) (domain.SettlementJob, error) {
	return r.Get(ctx, id)
}

func (r jobRepo) GetByDedupKey(ctx context.Context, key string) (domain.SettlementJob, error) {
	id, ok := r.t.st.jobDedup[key]
	if !ok {
		return domain.SettlementJob{}, domain.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r jobRepo) Update(_ context.Context, j domain.SettlementJob) error {
	if _, ok := r.t.st.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	r.t.st.jobs[j.ID] = j
	return nil
}

func (r jobRepo) ClaimPending(_ context.Context, now time.Time, limit int) ([]domain.SettlementJob, error) {
	due := r.filter(func(j domain.SettlementJob) bool {
		return j.Status == domain.JobStatusPending && !j.NextAttemptAt.After(now)
	})
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextAttemptAt.Equal(due[k].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[k].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	due = page(due, domain.ListOpts{Limit: limit})
	for i := range due {
		if err := due[i].Transition(domain.JobStatusProcessing, now); err != nil {
			return nil, err
		}
		r.t.st.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (r jobRepo) ListByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.SettlementJob, error) {
	out := r.filter(func(j domain.SettlementJob) bool { return j.Status == status })
	sortByCreated(out)
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r jobRepo) ListStaleProcessing(_ context.Context, claimedBefore time.Time, limit int) ([]domain.SettlementJob, error) {
	out := r.filter(func(j domain.SettlementJob) bool {
		return j.Status == domain.JobStatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore)
	})
	sortByCreated(out)
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r jobRepo) CountByStatus(context.Context) (map[domain.JobStatus]int64, error) {
	out := map[domain.JobStatus]int64{}
	for _, j := range r.t.st.jobs {
		out[j.Status]++
	}
	return out, nil
}

// ListUnarchived returns settled jobs created before the cutoff: confirmed,
// cancelled, or failed with no retries left.
func (r jobRepo) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.SettlementJob, error) {
	out := r.filter(func(j domain.SettlementJob) bool {
		if _, done := r.t.st.jobArchive[j.ID]; done || !j.CreatedAt.Before(before) {
			return false
		}
		return j.Status.Terminal() || (j.Status == domain.JobStatusFailed && !j.CanRetry())
	})
	sortByCreated(out)
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (r jobRepo) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		r.t.st.jobArchive[id] = at
	}
	return nil
}

func (r jobRepo) filter(keep func(domain.SettlementJob) bool) []domain.SettlementJob {
	var out []domain.SettlementJob
	for _, j := range r.t.st.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func sortByCreated(jobs []domain.SettlementJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}
