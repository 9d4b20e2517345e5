package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FIREBASE_DATABASE_URL", "")
	t.Setenv("MESSAGE_WINDOW", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("ARCHIVE_SINK", "")
	t.Setenv("PRESENCE_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 3*time.Minute, cfg.PresenceTTL)
	assert.Equal(t, 100, cfg.MessageWindow)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.True(t, cfg.OriginAllowed("https://anywhere.example"))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "rtdb")
	t.Setenv("FIREBASE_DATABASE_URL", "https://demo.firebaseio.com")
	t.Setenv("MESSAGE_WINDOW", "25")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ARCHIVE_SINK", "postgres")
	t.Setenv("ARCHIVE_DATABASE_URL", "postgres://localhost/archive")
	t.Setenv("PRESENCE_TTL", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.PresenceTTL)
	assert.Equal(t, 25, cfg.MessageWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.OriginAllowed("https://B.example"))
	assert.False(t, cfg.OriginAllowed("https://c.example"))
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "rtdb without url", env: map[string]string{"STORE_BACKEND": "rtdb", "FIREBASE_DATABASE_URL": ""}},
		{name: "unknown backend", env: map[string]string{"STORE_BACKEND": "redis"}},
		{name: "bad window", env: map[string]string{"STORE_BACKEND": "memory", "MESSAGE_WINDOW": "-1"}},
		{name: "postgres without url", env: map[string]string{"STORE_BACKEND": "memory", "ARCHIVE_SINK": "postgres", "ARCHIVE_DATABASE_URL": ""}},
		{name: "unknown sink", env: map[string]string{"STORE_BACKEND": "memory", "ARCHIVE_SINK": "s3"}},
		{name: "negative presence ttl", env: map[string]string{"STORE_BACKEND": "memory", "PRESENCE_TTL": "-1m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MESSAGE_WINDOW", "")
			t.Setenv("ARCHIVE_SINK", "")
			t.Setenv("PRESENCE_TTL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
