package logger

import (
	"context"
	"log/slog"
	"testing"

	"cloud.google.com/go/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipach/community/log"
)

type entries []logging.Entry

func (e *entries) Log(entry logging.Entry) {
	*e = append(*e, entry)
}

func TestEntryWriter(t *testing.T) {
	var got entries
	l := slog.New(log.NewCloudLoggingHandler(&entryWriter{logger: &got}, slog.LevelDebug))

	ctx := log.WithTraceID(context.Background(), "projects/p/traces/abc")
	l.WarnContext(ctx, "disk almost full", slog.Int("percent", 91))
	l.Debug("tick")

	require.Len(t, got, 2)
	first := got[0]
	assert.Equal(t, logging.Warning, first.Severity)
	assert.Equal(t, "projects/p/traces/abc", first.Trace)
	assert.False(t, first.Timestamp.IsZero())
	payload, ok := first.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "disk almost full", payload["message"])
	assert.Equal(t, float64(91), payload["percent"])
	assert.NotContains(t, payload, "severity")

	assert.Equal(t, logging.Debug, got[1].Severity)
}

func TestEntryWriterRawLine(t *testing.T) {
	var got entries
	w := &entryWriter{logger: &got}
	n, err := w.Write([]byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "not json", got[0].Payload)
}
