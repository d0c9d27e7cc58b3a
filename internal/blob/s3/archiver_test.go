package s3blob

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

type memRecords struct {
	recs []domain.AdjustmentRecord
}

func (m *memRecords) Append(_ context.Context, rec domain.AdjustmentRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecords) ListRecent(context.Context, int) ([]domain.AdjustmentRecord, error) {
	return nil, nil
}

func (m *memRecords) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.AdjustmentRecord, error) {
	sorted := append([]domain.AdjustmentRecord(nil), m.recs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	var out []domain.AdjustmentRecord
	for _, r := range sorted {
		if r.Timestamp.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecords) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.AdjustmentRecord
	var n int64
	for _, r := range m.recs {
		if r.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	return n, nil
}

type memBlobs struct {
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	return m.store(path, data)
}

func (m *memBlobs) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return m.store(path, data)
}

func (m *memBlobs) store(path string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func decodeObject(t *testing.T, blob []byte) []domain.AdjustmentRecord {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	var out []domain.AdjustmentRecord
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var r domain.AdjustmentRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rec(id string, ts time.Time) domain.AdjustmentRecord {
	return domain.AdjustmentRecord{ID: id, PositionID: "p1", Reason: domain.ReasonTrailingStop, Success: true, Timestamp: ts}
}

func TestArchiver_ArchivesInBatchesAndDeletes(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := &memRecords{recs: []domain.AdjustmentRecord{
		rec("a", base.Add(1*time.Minute)),
		rec("b", base.Add(2*time.Minute)),
		rec("c", base.Add(2*time.Minute)),
		rec("d", base.Add(3*time.Minute)),
		rec("e", base.Add(4*time.Minute)),
		rec("keep", base.Add(48*time.Hour)),
	}}
	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, records, nil, ArchiverConfig{BatchSize: 3}, quietLogger())

	cutoff := base.Add(24 * time.Hour)
	n, err := a.ArchiveAdjustments(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.Len(t, records.recs, 1)
	assert.Equal(t, "keep", records.recs[0].ID)

	var ids []string
	keys := make([]string, 0, len(blobs.objects))
	for k := range blobs.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		assert.Contains(t, k, "archive/adjustments/2026-03-02/")
		for _, r := range decodeObject(t, blobs.objects[k]) {
			ids = append(ids, r.ID)
		}
	}
	// b and c share a timestamp and must travel together.
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestArchiver_NothingToArchive(t *testing.T) {
	t.Parallel()
	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, &memRecords{}, nil, ArchiverConfig{}, quietLogger())
	n, err := a.ArchiveAdjustments(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiver_DoesNotOverwriteExistingObject(t *testing.T) {
	t.Parallel()
	cutoff := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	blobs := &memBlobs{}
	records := &memRecords{recs: []domain.AdjustmentRecord{rec("a", cutoff.Add(-time.Hour))}}
	a := NewArchiver(blobs, blobs, records, nil, ArchiverConfig{}, quietLogger())
	_, err := a.ArchiveAdjustments(context.Background(), cutoff)
	require.NoError(t, err)

	records.recs = []domain.AdjustmentRecord{rec("b", cutoff.Add(-time.Minute))}
	_, err = a.ArchiveAdjustments(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Len(t, blobs.objects, 2)
}

func TestArchiver_StuckBatchErrors(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := &memRecords{recs: []domain.AdjustmentRecord{rec("a", ts), rec("b", ts)}}
	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, records, nil, ArchiverConfig{BatchSize: 2}, quietLogger())
	_, err := a.ArchiveAdjustments(context.Background(), ts.Add(time.Hour))
	require.Error(t, err)
	assert.Len(t, records.recs, 2)
}

func TestNormaliseEndpoint(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
