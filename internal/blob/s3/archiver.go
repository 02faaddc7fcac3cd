package s3blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

const (
	defaultArchiveBatch = 1000
	jsonlContentType    = "application/x-ndjson"
)

// ArchiveImpl implements domain.Archiver. Each batch of settled rows is
// serialized to JSONL, uploaded under a deterministic key, and only then
// marked archived in the primary store. Rows are never deleted.
//
// The key depends only on the rows in the batch, so a run that uploaded but
// crashed before marking finds the object on the next run. Matching content
// is not uploaded again.
type ArchiveImpl struct {
	store     domain.Store
	objects   domain.ObjectStore
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl. A batchSize <= 0 uses 1000.
func NewArchiver(store domain.Store, objects domain.ObjectStore, batchSize int, logger *slog.Logger) *ArchiveImpl {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	return &ArchiveImpl{
		store:     store,
		objects:   objects,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// WithClock overrides the clock used for archived_at stamps.
func (a *ArchiveImpl) WithClock(now func() time.Time) *ArchiveImpl {
	a.now = now
	return a
}

type jobRecord struct {
	ID            string     `json:"id"`
	JobType       string     `json:"job_type"`
	TxType        string     `json:"tx_type"`
	Status        string     `json:"status"`
	DedupKey      string     `json:"dedup_key"`
	UserID        string     `json:"user_id,omitempty"`
	MarketID      string     `json:"market_id,omitempty"`
	FillID        string     `json:"fill_id,omitempty"`
	StakeID       string     `json:"stake_id,omitempty"`
	DisputeID     string     `json:"dispute_id,omitempty"`
	Amount        int64      `json:"amount"`
	TxHash        string     `json:"tx_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	Confirmations int64      `json:"confirmations"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newJobRecord(j domain.SettlementJob) jobRecord {
	return jobRecord{
		ID:            j.ID,
		JobType:       string(j.JobType),
		TxType:        string(j.TxType),
		Status:        string(j.Status),
		DedupKey:      j.DedupKey,
		UserID:        j.UserID,
		MarketID:      j.MarketID,
		FillID:        j.FillID,
		StakeID:       j.StakeID,
		DisputeID:     j.DisputeID,
		Amount:        j.Amount,
		TxHash:        j.TxHash,
		BlockHeight:   j.BlockHeight,
		Confirmations: j.Confirmations,
		RetryCount:    j.RetryCount,
		ErrorMessage:  j.ErrorMessage,
		SubmittedAt:   j.SubmittedAt,
		ConfirmedAt:   j.ConfirmedAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

type fillRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	Side      string    `json:"side"`
	Price     string    `json:"price"`
	Quantity  int64     `json:"quantity"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func newFillRecord(f domain.Fill) fillRecord {
	price := "0"
	if f.Price != nil {
		price = f.Price.RatString()
	}
	return fillRecord{
		ID:        f.ID,
		UserID:    f.UserID,
		MarketID:  f.MarketID,
		Side:      string(f.Side),
		Price:     price,
		Quantity:  f.Quantity,
		Amount:    f.Amount,
		Fee:       f.Fee,
		Source:    string(f.Source),
		CreatedAt: f.CreatedAt,
	}
}

type auditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArchiveJobs copies settled jobs created before the cutoff to
// archive/jobs/ and marks them archived.
func (a *ArchiveImpl) ArchiveJobs(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		var jobs []domain.SettlementJob
		err := a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			jobs, err = tx.Jobs().ListUnarchived(ctx, before, a.batchSize)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive jobs query: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		records := make([]jobRecord, len(jobs))
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			records[i] = newJobRecord(j)
			ids[i] = j.ID
		}
		path := archivePath("jobs", jobs[0].CreatedAt, ids[0], len(ids))
		body, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive jobs marshal: %w", err)
		}
		if err := a.upload(ctx, path, body, len(records)); err != nil {
			return total, fmt.Errorf("s3blob: archive jobs upload: %w", err)
		}
		err = a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.Jobs().MarkArchived(ctx, ids, a.now()); err != nil {
				return err
			}
			return tx.Audit().Log(ctx, "archive.jobs", archiveDetail(path, len(ids), before))
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive jobs mark: %w", err)
		}
		total += int64(len(ids))
		if len(jobs) < a.batchSize {
			return total, nil
		}
	}
}

// ArchiveFills copies fills created before the cutoff to archive/fills/ and
// marks them archived.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		var fills []domain.Fill
		err := a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			fills, err = tx.Fills().ListUnarchived(ctx, before, a.batchSize)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fills query: %w", err)
		}
		if len(fills) == 0 {
			return total, nil
		}

		records := make([]fillRecord, len(fills))
		ids := make([]string, len(fills))
		for i, f := range fills {
			records[i] = newFillRecord(f)
			ids[i] = f.ID
		}
		path := archivePath("fills", fills[0].CreatedAt, ids[0], len(ids))
		body, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fills marshal: %w", err)
		}
		if err := a.upload(ctx, path, body, len(records)); err != nil {
			return total, fmt.Errorf("s3blob: archive fills upload: %w", err)
		}
		err = a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.Fills().MarkArchived(ctx, ids, a.now()); err != nil {
				return err
			}
			return tx.Audit().Log(ctx, "archive.fills", archiveDetail(path, len(ids), before))
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fills mark: %w", err)
		}
		total += int64(len(ids))
		if len(fills) < a.batchSize {
			return total, nil
		}
	}
}

// ArchiveAudit copies audit entries created before the cutoff to
// archive/audit/ and marks them archived.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		var entries []domain.AuditEntry
		err := a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			entries, err = tx.Audit().ListUnarchived(ctx, before, a.batchSize)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		records := make([]auditRecord, len(entries))
		ids := make([]int64, len(entries))
		for i, e := range entries {
			records[i] = auditRecord{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
			ids[i] = e.ID
		}
		path := archivePath("audit", entries[0].CreatedAt, fmt.Sprintf("%d", ids[0]), len(ids))
		body, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit marshal: %w", err)
		}
		if err := a.upload(ctx, path, body, len(records)); err != nil {
			return total, fmt.Errorf("s3blob: archive audit upload: %w", err)
		}
		// The archive entry itself is logged now, after the cutoff, so it is
		// picked up by a later run rather than this loop.
		err = a.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.Audit().MarkArchived(ctx, ids, a.now()); err != nil {
				return err
			}
			return tx.Audit().Log(ctx, "archive.audit", archiveDetail(path, len(ids), before))
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit mark: %w", err)
		}
		total += int64(len(ids))
		if len(entries) < a.batchSize {
			return total, nil
		}
	}
}

// upload stores body under key unless an object with the same checksum is
// already there. A differing object is replaced: the rows are the source of
// truth.
func (a *ArchiveImpl) upload(ctx context.Context, key string, body []byte, n int) error {
	sum := sha256.Sum256(body)
	obj := domain.ArchiveObject{Key: key, Body: body, Records: n, Checksum: hex.EncodeToString(sum[:])}

	stored, found, err := a.objects.StatObject(ctx, key)
	if err != nil {
		return err
	}
	switch {
	case found && stored == obj.Checksum:
		a.logger.InfoContext(ctx, "archive object already present, marking only", slog.String("key", key))
		return nil
	case found:
		a.logger.WarnContext(ctx, "archive object differs, replacing",
			slog.String("key", key),
			slog.String("stored", stored),
			slog.String("checksum", obj.Checksum),
		)
	}

	if err := a.objects.PutObject(ctx, obj); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archive uploaded",
		slog.String("key", key),
		slog.Int("records", n),
		slog.Int("bytes", len(body)),
	)
	return nil
}

func archiveDetail(path string, n int, before time.Time) map[string]any {
	return map[string]any{
		"path":   path,
		"count":  n,
		"before": before.UTC().Format(time.RFC3339),
	}
}

// archivePath builds the object key for one batch, partitioned by the day of
// its oldest row.
//
//	archive/jobs/2026-03-01/j_01HX...-1000.jsonl
//	archive/audit/2026-03-01/42-17.jsonl
func archivePath(kind string, first time.Time, firstID string, n int) string {
	return fmt.Sprintf("archive/%s/%s/%s-%d.jsonl", kind, first.UTC().Format("2006-01-02"), firstID, n)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
