// Package archive copies chat transcripts out of the realtime store into a
// durable sink.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/metrics"
	"github.com/klipach/community/store"
)

const (
	defaultInterval = time.Minute
	parallelStreams = 4
)

// Record is one archived message.
type Record struct {
	Stream string    `db:"stream" firestore:"stream"`
	Key    string    `db:"key" firestore:"key"`
	UserID string    `db:"user_id" firestore:"user_id"`
	Text   string    `db:"text" firestore:"text"`
	SentAt time.Time `db:"sent_at" firestore:"sent_at"`
}

// Sink stores records. Records of one stream are saved in key order and the
// sink remembers the last saved key per stream.
type Sink interface {
	Name() string
	Cursor(ctx context.Context, stream string) (string, error)
	Save(ctx context.Context, stream string, records []Record) error
	Close() error
}

type Option func(*Archiver)

func WithInterval(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

type Archiver struct {
	store    store.Store
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

func New(s store.Store, sink Sink, opts ...Option) *Archiver {
	a := &Archiver{
		store:    s,
		sink:     sink,
		interval: defaultInterval,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run sweeps once and then on every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		n, err := a.Sweep(ctx)
		if err != nil {
			a.logger.Error("error while archiving", slog.String(log.ErrorMsgLogField, err.Error()))
		} else if n > 0 {
			a.logger.Info("archived messages", slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep copies every message not yet in the sink and returns how many were
// copied. A failing stream does not stop the others.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	streams, err := a.streams(ctx)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(streams))
	errs := make([]error, len(streams))
	var g errgroup.Group
	g.SetLimit(parallelStreams)
	for i, st := range streams {
		g.Go(func() error {
			counts[i], errs[i] = a.copy(ctx, st.path, st.value)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, errors.Join(errs...)
}

type stream struct {
	path  string
	value map[string]any
}

func (a *Archiver) streams(ctx context.Context) ([]stream, error) {
	var out []stream
	for _, root := range chat.StreamRoots() {
		snap, err := a.store.Get(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", root, err)
		}
		for key, v := range snap.Map() {
			msgs, ok := v.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, stream{path: store.Join(root, key), value: msgs})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func (a *Archiver) copy(ctx context.Context, path string, value map[string]any) (int, error) {
	cursor, err := a.sink.Cursor(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", path, err)
	}
	records := Pending(path, value, cursor)
	if len(records) == 0 {
		return 0, nil
	}
	if err := a.sink.Save(ctx, path, records); err != nil {
		return 0, fmt.Errorf("save %s: %w", path, err)
	}
	metrics.AddArchived(a.sink.Name(), len(records))
	return len(records), nil
}

// Pending returns the messages of a stream keyed after cursor, in key order.
// Entries that do not decode as messages are skipped.
func Pending(path string, value map[string]any, cursor string) []Record {
	var out []Record
	for key, v := range value {
		if key <= cursor {
			continue
		}
		m, ok := contract.DecodeMessage(key, v)
		if !ok {
			continue
		}
		out = append(out, Record{
			Stream: path,
			Key:    m.Key,
			UserID: m.UserID,
			Text:   m.Text,
			SentAt: m.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DocID turns a stream path into a single path segment.
func DocID(path string) string {
	return strings.ReplaceAll(store.Clean(path), "/", "__")
}
