package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	ErrorMsgLogField     = "errorMsg"
	UserIDLogField       = "userID"
	PathLogField         = "path"
	GroupIDLogField      = "groupID"
	ConversationLogField = "conversation"
	SessionIDLogField    = "sessionID"
	ActionLogField       = "action"

	traceLogField = "logging.googleapis.com/trace"
)

type ctxKey struct{}

type traceKey struct{}

// CloudLoggingHandler is a slog.Handler implementation for Google Cloud Functions.
type CloudLoggingHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewCloudLoggingHandler creates a new handler that writes logs in Google Cloud structured format.
func NewCloudLoggingHandler(w io.Writer, level slog.Leveler) *CloudLoggingHandler {
	if w == nil {
		w = os.Stdout
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &CloudLoggingHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Handle processes log records.
func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     ts.Format(time.RFC3339Nano),
		"message":  r.Message,
	}

	if traceID := getTraceID(ctx); traceID != "" {
		entry[traceLogField] = traceID
	}

	// handler attributes first, record attributes override them
	target := h.target(entry)
	for _, attr := range h.attrs {
		put(target, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		put(target, attr)
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(jsonData, '\n'))
	return err
}

func (h *CloudLoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// WithAttrs returns a new handler with additional attributes.
func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(clone.attrs, h.attrs)
	copy(clone.attrs[len(h.attrs):], attrs)
	return &clone
}

// WithGroup nests subsequent attributes under name.
func (h *CloudLoggingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func (h *CloudLoggingHandler) target(entry map[string]any) map[string]any {
	for _, g := range h.groups {
		next := make(map[string]any)
		entry[g] = next
		entry = next
	}
	return entry
}

func put(m map[string]any, attr slog.Attr) {
	v := attr.Value.Resolve()
	if attr.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	if v.Kind() == slog.KindGroup {
		dst := m
		if attr.Key != "" {
			dst = make(map[string]any)
			m[attr.Key] = dst
		}
		for _, a := range v.Group() {
			put(dst, a)
		}
		return
	}
	if err, ok := v.Any().(error); ok {
		m[attr.Key] = err.Error()
		return
	}
	m[attr.Key] = v.Any()
}

func severity(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// WithTraceID attaches a Cloud Trace id to every record logged with ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	return Default()
}

// Default is the stdout logger used when none was put in the context.
func Default() *slog.Logger {
	return slog.New(NewCloudLoggingHandler(os.Stdout, slog.LevelInfo))
}

// ParseLevel maps DEBUG, INFO, WARN/WARNING and ERROR to a level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		s = "WARN"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
