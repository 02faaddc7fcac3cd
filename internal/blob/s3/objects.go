package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// Object metadata keys. S3 lowercases user metadata names.
const (
	metaChecksum = "sha256"
	metaRecords  = "records"
)

var _ domain.ObjectStore = (*Bucket)(nil)

// PutObject uploads one archive batch. Large bodies go through the multipart
// uploader; both paths carry the same metadata.
func (b *Bucket) PutObject(ctx context.Context, obj domain.ArchiveObject) error {
	in := &s3.PutObjectInput{
		Bucket:            aws.String(b.name),
		Key:               aws.String(obj.Key),
		Body:              bytes.NewReader(obj.Body),
		ContentType:       aws.String(jsonlContentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata: map[string]string{
			metaChecksum: obj.Checksum,
			metaRecords:  strconv.Itoa(obj.Records),
		},
	}

	var err error
	if len(obj.Body) >= b.threshold {
		_, err = b.uploader.Upload(ctx, in)
	} else {
		_, err = b.api.PutObject(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", obj.Key, err)
	}
	return nil
}

// StatObject reports whether key exists and the checksum it was stored with.
func (b *Bucket) StatObject(ctx context.Context, key string) (string, bool, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("s3blob: head %s: %w", key, err)
	}
	return out.Metadata[metaChecksum], true, nil
}

// isNotFound matches the typed SDK errors and, for S3-compatible providers
// that return neither, a bare 404.
func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		status   interface{ HTTPStatusCode() int }
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return true
	case errors.As(err, &status):
		return status.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
