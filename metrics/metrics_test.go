package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/store"
)

func TestResult(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "ok"},
		{name: "not confirmed", err: fmt.Errorf("leave: %w", contract.ErrNotConfirmed), expected: "rejected"},
		{name: "write error", err: &store.WriteError{Op: "set", Path: "a", Err: errors.New("denied")}, expected: "write_error"},
		{name: "other", err: errors.New("boom"), expected: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Result(tt.err))
		})
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(actionsTotal.WithLabelValues(contract.ActionSend, "ok"))
	ObserveAction(contract.ActionSend, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(actionsTotal.WithLabelValues(contract.ActionSend, "ok")))

	sessions := testutil.ToFloat64(sessionsActive)
	IncSessions()
	assert.Equal(t, sessions+1, testutil.ToFloat64(sessionsActive))
	DecSessions()
	assert.Equal(t, sessions, testutil.ToFloat64(sessionsActive))

	writes := testutil.ToFloat64(storeWritesTotal.WithLabelValues("push", "error"))
	ObserveWrite("push", time.Now(), errors.New("x"))
	assert.Equal(t, writes+1, testutil.ToFloat64(storeWritesTotal.WithLabelValues("push", "error")))

	AddArchived("postgres", 3)
	assert.GreaterOrEqual(t, testutil.ToFloat64(archivedMessagesTotal.WithLabelValues("postgres")), 3.0)
}
