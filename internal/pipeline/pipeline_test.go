package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shieldmarket/internal/cache/local"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedule_Next(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 17, 30, 0, time.UTC) // a Wednesday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 4, 10, 18, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)},
		{"0 9-17 * * 1-5", time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"30 6 * * 0", time.Date(2026, 3, 8, 6, 30, 0, 0, time.UTC)},
		{"5,45 10 * * *", time.Date(2026, 3, 4, 10, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := parseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.next(base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCron_Rejects(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"x * * * *",
	} {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}

	// Syntactically fine but never fires.
	s, err := parseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.next(time.Now())
	assert.Error(t, err)
}

type fakeArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
	failOn  string
}

func (f *fakeArchiver) record(kind string, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == f.failOn {
		return 0, errors.New("bucket unavailable")
	}
	f.cutoffs = append(f.cutoffs, before)
	return int64(len(kind)), nil
}

func (f *fakeArchiver) ArchiveJobs(_ context.Context, before time.Time) (int64, error) {
	return f.record("jobs", before)
}

func (f *fakeArchiver) ArchiveFills(_ context.Context, before time.Time) (int64, error) {
	return f.record("fills", before)
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	return f.record("audit", before)
}

func TestArchiver_RunUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)
	fa := &fakeArchiver{}
	a := NewArchiver(fa, local.NewLockManager(), 30, discard()).WithClock(func() time.Time { return now })

	stats, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ArchiveStats{Jobs: 4, Fills: 5, Audit: 5}, stats)
	require.Len(t, fa.cutoffs, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), fa.cutoffs[0])
}

func TestArchiver_StopsOnFailure(t *testing.T) {
	fa := &fakeArchiver{failOn: "fills"}
	_, err := NewArchiver(fa, nil, 30, discard()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archiving fills")
	assert.Len(t, fa.cutoffs, 1, "audit is not attempted after fills fail")
}

func TestArchiver_SkipsWhenLockHeld(t *testing.T) {
	locks := local.NewLockManager()
	unlock, err := locks.Acquire(context.Background(), archiveLockKey, time.Minute)
	require.NoError(t, err)
	defer unlock()

	fa := &fakeArchiver{}
	stats, err := NewArchiver(fa, locks, 30, discard()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats)
	assert.Empty(t, fa.cutoffs)
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	err := NewArchiver(&fakeArchiver{}, nil, 30, discard()).RunCron(context.Background(), "every day")
	assert.Error(t, err)
}

func TestOrchestrator_RunsTasksUntilCancelled(t *testing.T) {
	var ticks, loops atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	o := NewOrchestrator(local.NewLockManager(), discard()).
		Every(Task{Name: "finaliser", Interval: 5 * time.Millisecond, Singleton: true, Run: func(context.Context) error {
			ticks.Add(1)
			return errors.New("transient")
		}}).
		Go("worker", func(ctx context.Context) error {
			loops.Add(1)
			<-ctx.Done()
			return ctx.Err()
		})
	assert.Equal(t, 2, o.Len())

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown and task errors are not fatal")
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.EqualValues(t, 1, loops.Load())
}

func TestOrchestrator_LoopFailureStopsAll(t *testing.T) {
	o := NewOrchestrator(nil, discard()).
		Go("broken", func(context.Context) error { return errors.New("listen: address in use") }).
		Go("worker", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: listen: address in use")
}

func TestOrchestrator_SingletonSkipsHeldTick(t *testing.T) {
	locks := local.NewLockManager()
	unlock, err := locks.Acquire(context.Background(), "task:finaliser", time.Minute)
	require.NoError(t, err)
	defer unlock()

	var ran atomic.Bool
	o := NewOrchestrator(locks, discard())
	err = o.runOnce(context.Background(), Task{Name: "finaliser", Interval: time.Second, Singleton: true, Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	require.NoError(t, err)
	assert.False(t, ran.Load())
}
