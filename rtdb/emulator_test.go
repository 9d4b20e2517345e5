package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/presence"
)

// fakeDatabase answers the REST calls of the admin SDK the way the database
// emulator does, keeping every value by path.
type fakeDatabase struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	requests map[string]int
}

func (d *fakeDatabase) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[key]
}

func (d *fakeDatabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, ".json")
	d.mu.Lock()
	d.requests[r.Method+" "+path]++
	d.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		d.mu.Lock()
		body, ok := d.values[path]
		d.mu.Unlock()
		if !ok {
			body = json.RawMessage("null")
		}
		h := fnv.New64a()
		_, _ = h.Write(body)
		etag := fmt.Sprintf("%x", h.Sum64())
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.values[path] = body
		d.mu.Unlock()
		if r.URL.Query().Get("print") == "silent" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newEmulatorClient(t *testing.T, d *fakeDatabase, interval time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	// The emulator form is host:port without a scheme.
	host := strings.Replace(strings.TrimPrefix(srv.URL, "http://"), "127.0.0.1", "localhost", 1)
	url := host + "?ns=community"
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: "community-test", DatabaseURL: url})
	require.NoError(t, err)
	client, err := NewDatabase(ctx, app, url)
	require.NoError(t, err)

	c := New(ctx, client, WithPollInterval(interval))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestEmulatorConnectionIsSteady(t *testing.T) {
	d := &fakeDatabase{values: map[string]json.RawMessage{}, requests: map[string]int{}}
	c := newEmulatorClient(t, d, 20*time.Millisecond)

	var v any
	require.NoError(t, c.b.get(context.Background(), pingPath, &v))
	assert.Nil(t, v)

	var (
		mu     sync.Mutex
		states []bool
	)
	c.OnConnection(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})

	assert.Eventually(t, func() bool { return d.count("GET /"+pingPath) >= 5 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, states)
}

func TestPresenceWritesOnlineOnce(t *testing.T) {
	d := &fakeDatabase{values: map[string]json.RawMessage{}, requests: map[string]int{}}
	c := newEmulatorClient(t, d, 20*time.Millisecond)

	tracker := presence.NewTracker(c)
	t.Cleanup(tracker.Close)
	require.NoError(t, tracker.Bind(context.Background(), "u1"))

	statusPath := "/" + contract.StatusPath("u1")
	assert.Eventually(t, func() bool { return d.count("GET /"+pingPath) >= 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, d.count("PUT "+statusPath))
}
