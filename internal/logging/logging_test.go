package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})
	l.With(String("switch", "0000000000000001")).Debug(context.Background(), "packet-in", Int("port", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "packet-in", rec["msg"])
	assert.Equal(t, "0000000000000001", rec["switch"])
	assert.EqualValues(t, 3, rec["port"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "text", Output: &buf})
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "console", Output: &buf})
	l.Info(context.Background(), "handshake", String("switch", "s1"))
	assert.Contains(t, buf.String(), "handshake")
	assert.Contains(t, buf.String(), "s1")
}

func TestFileOutputFansOut(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "qltr.log")
	l := New(Config{Format: "text", Output: &buf, File: FileConfig{Path: path, MaxSizeMB: 1}})
	l.Error(context.Background(), "install rejected", Err(os.ErrDeadlineExceeded))
	require.NoError(t, Close(l))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"install rejected"`))
	assert.Contains(t, buf.String(), "install rejected")
}

func TestRequestIDHelpers(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	require.NotEmpty(t, id)
	ctx2, id2 := EnsureRequestID(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)

	ctx = ContextWithLogger(ctx, nil)
	assert.NotNil(t, LoggerFromContext(ctx))
	assert.NoError(t, Close(Noop()))
}
