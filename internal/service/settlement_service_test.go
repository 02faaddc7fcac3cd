package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

func TestSubmit_PrivacyGate(t *testing.T) {
	tests := []struct {
		name        string
		allowNonShd bool
		requireKYC  bool
		kyc         bool
		txType      domain.TxType
		wantErr     error
	}{
		{"shielded always allowed", false, true, false, domain.TxTypeShielded, nil},
		{"transparent disabled", false, true, true, domain.TxTypeTransparent, domain.ErrPrivacyPolicyViolation},
		{"transparent kyc passed", true, true, true, domain.TxTypeTransparent, nil},
		{"transparent kyc missing", true, true, false, domain.TxTypeTransparent, domain.ErrPrivacyPolicyViolation},
		{"deshield without kyc requirement", true, false, true, domain.TxTypeDeshield, domain.ErrPrivacyPolicyViolation},
		{"deshield kyc passed", true, true, true, domain.TxTypeDeshield, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(sp *SettlementPolicy, _ *OraclePolicy) {
				sp.AllowNonShielded = tt.allowNonShd
				sp.RequireKYC = tt.requireKYC
			})
			f.seedUser(t, "alice", tt.kyc, 0)

			job, err := f.settlement.Submit(context.Background(), domain.JobRequest{
				JobType:  domain.JobTypePayout,
				TxType:   tt.txType,
				UserID:   "alice",
				MarketID: "m1",
				Amount:   500,
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.jobs(t, domain.JobStatusPending))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusPending, job.Status)
			assert.Equal(t, tt.txType, job.TxType)
		})
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	_, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: "mint", UserID: "alice", Amount: 1, DedupKey: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidJobType)

	_, err = f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, TxType: "bridge", UserID: "alice", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidTxType)

	_, err = f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "bob", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrUnknownUser)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSubmit_DedupReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()
	req := domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", Amount: 10, DedupKey: "payout:abc"}

	first, err := f.settlement.Submit(ctx, req)
	require.NoError(t, err)
	second, err := f.settlement.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.jobs(t, domain.JobStatusPending), 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	job, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m1", Amount: 10})
	require.NoError(t, err)

	cancelled, err := f.settlement.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)

	_, err = f.settlement.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	other, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m2", Amount: 10})
	require.NoError(t, err)
	claimed, err := f.settlement.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, other.ID, claimed[0].ID)

	_, err = f.settlement.Cancel(ctx, other.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.settlement.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkFailed_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	job, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m1", Amount: 10})
	require.NoError(t, err)

	for attempt, wantDelay := range []time.Duration{time.Second, 2 * time.Second} {
		claimed, err := f.settlement.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt+1)

		failed, err := f.settlement.MarkFailed(ctx, job.ID, domain.ErrAdapterUnavailable, false)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, failed.Status)
		assert.Equal(t, attempt+1, failed.RetryCount)
		assert.Equal(t, f.clock.Now().Add(wantDelay), failed.NextAttemptAt)

		// not due yet
		none, err := f.settlement.Claim(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, none)
		f.clock.Advance(wantDelay)
	}

	_, err = f.settlement.Claim(ctx, 1)
	require.NoError(t, err)
	final, err := f.settlement.MarkFailed(ctx, job.ID, domain.ErrAdapterUnavailable, false)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, []string{AlertJobFailed}, f.alerts.events())
	assert.Equal(t, job.ID, f.alerts.sent[0].fields["job_id"])
}

func TestMarkFailed_PermanentExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	job, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m1", Amount: 10})
	require.NoError(t, err)
	_, err = f.settlement.Claim(ctx, 1)
	require.NoError(t, err)

	failed, err := f.settlement.MarkFailed(ctx, job.ID, domain.ErrInvalidAddress, true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, failed.MaxRetries, failed.RetryCount)
	assert.Contains(t, failed.ErrorMessage, "invalid destination address")
}

func TestBackoffIsCapped(t *testing.T) {
	s := &SettlementService{policy: SettlementPolicy{BackoffBase: time.Second, BackoffMax: 5 * time.Second}}
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, 5*time.Second, s.backoff(4))
	assert.Equal(t, 5*time.Second, s.backoff(40))
}

func TestRecordConfirmations(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	job, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m1", Amount: 10})
	require.NoError(t, err)
	_, err = f.settlement.Claim(ctx, 1)
	require.NoError(t, err)

	submitted, err := f.settlement.MarkSubmitted(ctx, job.ID, domain.BroadcastResult{TxHash: "0xabc", BlockHeight: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSubmitted, submitted.Status)
	require.NotNil(t, submitted.SubmittedAt)

	partial, err := f.settlement.RecordConfirmations(ctx, job.ID, domain.TxStatus{Confirmations: 1, BlockHeight: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSubmitted, partial.Status)
	assert.Equal(t, int64(1), partial.Confirmations)

	done, err := f.settlement.RecordConfirmations(ctx, job.ID, domain.TxStatus{Confirmations: 3, BlockHeight: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusConfirmed, done.Status)
	require.NotNil(t, done.ConfirmedAt)

	_, err = f.settlement.RecordConfirmations(ctx, job.ID, domain.TxStatus{Confirmations: 4})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestJobEventsArePublished(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe(ctx, domain.ChannelJobs)
	require.NoError(t, err)

	job, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: "m1", Amount: 10})
	require.NoError(t, err)

	select {
	case msg := <-sub:
		var evt struct {
			Type string `json:"type"`
			Data struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &evt))
		assert.Equal(t, "job.pending", evt.Type)
		assert.Equal(t, job.ID, evt.Data.JobID)
	case <-time.After(time.Second):
		t.Fatal("no job event")
	}

	entries, err := f.bus.StreamRead(ctx, domain.StreamJobs, "0", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Payload), job.ID)
}

func TestRefreshGauges(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", false, 0)
	ctx := context.Background()

	for _, m := range []string{"m1", "m2"} {
		_, err := f.settlement.Submit(ctx, domain.JobRequest{JobType: domain.JobTypePayout, UserID: "alice", MarketID: m, Amount: 10})
		require.NoError(t, err)
	}
	require.NoError(t, f.settlement.RefreshGauges(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.JobsByStatus.WithLabelValues("pending")))
}
