// Package logger builds the process logger: Cloud Logging entries when
// running on Google Cloud, structured JSON on stdout everywhere else.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"

	"github.com/klipach/community/log"
)

// New returns a logger named name and a func that flushes it.
func New(ctx context.Context, name string, level slog.Leveler) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if !metadata.OnGCE() {
		return slog.New(log.NewCloudLoggingHandler(os.Stdout, level)), noop
	}

	projectID, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		fallback := slog.New(log.NewCloudLoggingHandler(os.Stdout, level))
		fallback.Warn("error while getting project ID", slog.String(log.ErrorMsgLogField, err.Error()))
		return fallback, noop
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		fallback := slog.New(log.NewCloudLoggingHandler(os.Stdout, level))
		fallback.Warn("error while creating logging client", slog.String(log.ErrorMsgLogField, err.Error()))
		return fallback, noop
	}
	w := &entryWriter{logger: client.Logger(name)}
	return slog.New(log.NewCloudLoggingHandler(w, level)), client.Close
}

// entryLogger is the part of *logging.Logger entryWriter uses.
type entryLogger interface {
	Log(e logging.Entry)
}

// entryWriter turns each structured JSON line into a Cloud Logging entry,
// keeping its severity, time and trace.
type entryWriter struct {
	logger entryLogger
}

var _ io.Writer = (*entryWriter)(nil)

func (w *entryWriter) Write(p []byte) (int, error) {
	var payload map[string]any
	if err := json.Unmarshal(p, &payload); err != nil {
		w.logger.Log(logging.Entry{Severity: logging.Default, Payload: string(p)})
		return len(p), nil
	}

	e := logging.Entry{Severity: logging.Default}
	if s, ok := payload["severity"].(string); ok {
		e.Severity = logging.ParseSeverity(s)
		delete(payload, "severity")
	}
	if s, ok := payload["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.Timestamp = ts
		}
		delete(payload, "time")
	}
	if s, ok := payload["logging.googleapis.com/trace"].(string); ok {
		e.Trace = s
		delete(payload, "logging.googleapis.com/trace")
	}
	e.Payload = payload
	w.logger.Log(e)
	return len(p), nil
}
