// Package store defines the realtime key-path store the client core is built on.
//
// Paths are slash separated (`users/{uid}/friends/{other}`). Values are generic
// JSON trees: map[string]any, []any, string, float64, bool. A nil value at a
// path means the path does not exist; writing nil deletes it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Store is the capability contract the client core depends on. Any backend
// satisfying it is substitutable.
type Store interface {
	// Get reads the value at path once.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe delivers the whole value at path immediately and again on every change.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	// SubscribeAppend delivers every child appended under path, starting with
	// the newest limit children, in append order.
	SubscribeAppend(ctx context.Context, path string, limit int, fn func(Snapshot)) (Subscription, error)
	// Set writes value at path.
	Set(ctx context.Context, path string, value any) error
	// Update applies all path writes atomically. A nil value deletes the path.
	Update(ctx context.Context, values map[string]any) error
	// Push appends value under path with a generated, append-ordered key.
	Push(ctx context.Context, path string, value any) (string, error)
	// OnDisconnect registers value to be written at path when the current
	// connection is lost. Registrations do not survive a reconnect.
	OnDisconnect(ctx context.Context, path string, value any) error
	// OnConnection reports the connection state now and on every change.
	OnConnection(fn func(connected bool)) Subscription
}

// Subscription stops a live delivery.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a func to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// ServerValue is a placeholder resolved by the store when the write is applied.
type ServerValue map[string]string

// ServerTimestamp resolves to the store clock in milliseconds since epoch.
var ServerTimestamp = ServerValue{".sv": "timestamp"}

var (
	ErrDisconnected     = errors.New("store: not connected")
	ErrInvalidPath      = errors.New("store: invalid path")
	ErrEmptyUpdate      = errors.New("store: empty update")
	ErrOverlappingPaths = errors.New("store: update paths overlap")
)

// WriteError reports a rejected or failed write.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Snapshot is an immutable value read from a path.
type Snapshot struct {
	Path  string
	Key   string
	value any
}

func NewSnapshot(path string, value any) Snapshot {
	path = Clean(path)
	return Snapshot{Path: path, Key: lastSegment(path), value: value}
}

func (s Snapshot) Exists() bool {
	return s.value != nil
}

func (s Snapshot) Value() any {
	return s.value
}

// Map returns the value as an object, or nil when it is not one.
func (s Snapshot) Map() map[string]any {
	m, _ := s.value.(map[string]any)
	return m
}

// Decode converts the value into v through its JSON form.
func (s Snapshot) Decode(v any) error {
	data, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Join builds a path from segments, ignoring empty ones.
func Join(parts ...string) string {
	return Clean(strings.Join(parts, "/"))
}

// Clean trims slashes and collapses empty segments.
func Clean(path string) string {
	return strings.Join(Split(path), "/")
}

func Split(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// ValidKey reports whether s can be used as a single path segment.
func ValidKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/.#$[]")
}

// Related reports whether one path is equal to or an ancestor of the other.
func Related(a, b string) bool {
	a, b = Clean(a), Clean(b)
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
