package persistence

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
)

func sampleRecord() monitoring.RequestRecord {
	return monitoring.RequestRecord{
		RequestID:       "0123456789abcdef",
		Model:           "claude-3.5/sonnet v2",
		EndedAt:         time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
		Success:         true,
		ResponseContent: "hello",
	}
}

func TestFileLog_WritesPlainJSONFile(t *testing.T) {
	dir := t.TempDir()
	fl := &FileLog{BaseDir: dir}

	require.NoError(t, fl.WriteRequestLog(sampleRecord()))

	path := filepath.Join(dir, "20250601", "14", "claude-3.5_sonnet_v2_20250601_1430_01234567.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err, "expected the request log file at the hour-bucketed path")

	var rec monitoring.RequestRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "0123456789abcdef", rec.RequestID)
	assert.Equal(t, "hello", rec.ResponseContent)
}

func TestFileLog_WritesGzipFile(t *testing.T) {
	dir := t.TempDir()
	fl := &FileLog{BaseDir: dir, Gzip: true}

	require.NoError(t, fl.WriteRequestLog(sampleRecord()))

	path := filepath.Join(dir, "20250601", "14", "claude-3.5_sonnet_v2_20250601_1430_01234567.json.gz")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	var rec monitoring.RequestRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.True(t, rec.Success)
}

func TestSafeModelName(t *testing.T) {
	assert.Equal(t, "unknown", safeModelName(""))
	assert.Equal(t, "a_b-c.d_e", safeModelName("a/b-c.d e"))
}

type failSink struct{ err error }

func (f failSink) WriteRequestLog(monitoring.RequestRecord) error { return f.err }

type countSink struct{ calls int }

func (c *countSink) WriteRequestLog(monitoring.RequestRecord) error { c.calls++; return nil }

func TestMultiSink_RunsEverySinkAndReturnsFirstError(t *testing.T) {
	boom := assert.AnError
	second := &countSink{}
	m := MultiSink{failSink{err: boom}, second, nil}

	err := m.WriteRequestLog(monitoring.RequestRecord{})
	assert.Equal(t, boom, err, "first failure is reported")
	assert.Equal(t, 1, second.calls, "later sinks still run after an earlier failure")
}
