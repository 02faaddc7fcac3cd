package domain

import (
	"context"
	"time"
)

// ArchiveObject is one serialized batch of archived rows.
type ArchiveObject struct {
	Key     string
	Body    []byte
	Records int
	// Checksum is the hex SHA-256 of Body.
	Checksum string
}

// ObjectStore persists archive batches in cold storage.
type ObjectStore interface {
	PutObject(ctx context.Context, obj ArchiveObject) error
	// StatObject returns the stored checksum of key, or found=false.
	StatObject(ctx context.Context, key string) (checksum string, found bool, err error)
}

// Archiver copies settled history to cold storage. Rows are marked archived,
// never deleted.
type Archiver interface {
	ArchiveJobs(ctx context.Context, before time.Time) (int64, error)
	ArchiveFills(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
