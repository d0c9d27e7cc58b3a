package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// ObjectChecker reports whether an archive object already exists.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiverConfig tunes an archive pass.
type ArchiverConfig struct {
	Prefix    string
	BatchSize int
	PartSize  int64
}

// Archiver implements domain.Archiver. Each pass moves adjustment records
// older than the cutoff into gzipped JSONL objects and deletes them from the
// database once the upload succeeded.
type Archiver struct {
	writer  domain.BlobWriter
	objects ObjectChecker
	records domain.AdjustmentStore
	audit   domain.AuditStore
	cfg     ArchiverConfig
	logger  *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. objects and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	objects ObjectChecker,
	records domain.AdjustmentStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	return &Archiver{
		writer:  writer,
		objects: objects,
		records: records,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveAdjustments uploads and deletes every record older than before,
// one batch per object, and returns the number of records archived.
//
// Batches are read oldest first. A full batch is cut at its newest
// timestamp so that records sharing that timestamp land in the next
// batch together and DeleteBefore never removes an unarchived row.
func (a *Archiver) ArchiveAdjustments(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for part := 0; ; part++ {
		recs, err := a.records.ListBefore(ctx, before, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive adjustments query: %w", err)
		}
		if len(recs) == 0 {
			break
		}

		full := len(recs) >= a.cfg.BatchSize
		cut := before
		batch := recs
		if full {
			cut = recs[len(recs)-1].Timestamp
			batch = recordsBefore(recs, cut)
			if len(batch) == 0 {
				return total, fmt.Errorf("s3blob: archive adjustments: %d records share timestamp %s, raise batch size",
					len(recs), cut.Format(time.RFC3339Nano))
			}
		}

		path, err := a.objectPath(ctx, before, part)
		if err != nil {
			return total, err
		}
		buf, err := gzipJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive adjustments marshal: %w", err)
		}
		if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.cfg.PartSize); err != nil {
			return total, fmt.Errorf("s3blob: archive adjustments upload: %w", err)
		}

		deleted, err := a.records.DeleteBefore(ctx, cut)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive adjustments delete: %w", err)
		}
		total += int64(len(batch))
		if deleted != int64(len(batch)) {
			a.logger.WarnContext(ctx, "archived and deleted counts differ",
				slog.Int("archived", len(batch)),
				slog.Int64("deleted", deleted),
			)
		}
		a.logger.InfoContext(ctx, "adjustments archived",
			slog.String("path", path),
			slog.Int("count", len(batch)),
		)
		a.logAudit(ctx, path, len(batch), before)

		if !full {
			break
		}
	}
	return total, nil
}

// objectPath returns a key that is not yet taken, so re-running a pass for
// the same cutoff never overwrites an earlier object.
//
//	archive/adjustments/2026-03-01/1772323200-000.jsonl.gz
func (a *Archiver) objectPath(ctx context.Context, before time.Time, part int) (string, error) {
	base := fmt.Sprintf("%s/adjustments/%s/%d", a.cfg.Prefix, before.UTC().Format("2006-01-02"), before.Unix())
	for attempt := 0; ; attempt++ {
		path := fmt.Sprintf("%s-%03d.jsonl.gz", base, part)
		if attempt > 0 {
			path = fmt.Sprintf("%s-%03d.%d.jsonl.gz", base, part, attempt)
		}
		if a.objects == nil {
			return path, nil
		}
		exists, err := a.objects.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive adjustments: %w", err)
		}
		if !exists {
			return path, nil
		}
		if attempt >= 100 {
			return "", errors.New("s3blob: archive adjustments: no free object key")
		}
	}
}

func (a *Archiver) logAudit(ctx context.Context, path string, count int, before time.Time) {
	if a.audit == nil {
		return
	}
	err := a.audit.Log(ctx, "archive.adjustments", "", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

func recordsBefore(recs []domain.AdjustmentRecord, cut time.Time) []domain.AdjustmentRecord {
	n := 0
	for n < len(recs) && recs[n].Timestamp.Before(cut) {
		n++
	}
	return recs[:n]
}

// gzipJSONL encodes records as gzip-compressed newline-delimited JSON.
func gzipJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
