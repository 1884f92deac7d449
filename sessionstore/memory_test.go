package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/finagent-ai/finagent/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *history.MessageHistory {
	t.Helper()
	h := history.New(history.NewRecencyStrategy(10), nil)
	_, err := h.AddTurn(context.Background(), "q1", "a1", "s1")
	require.NoError(t, err)
	return h
}

func TestMemoryStoreMissingSessionIsNotAnError(t *testing.T) {
	s := NewMemoryStore()
	h, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, h)

	exists, err := s.Exists("missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreSetThenGetRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	h := newTestHistory(t)
	require.NoError(t, s.Set("session-1", h))

	got, ok, err := s.Get("session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.Equal(t, 1, s.Count())
}

func TestMemoryStoreDeleteRemovesSession(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("session-1", newTestHistory(t)))
	require.NoError(t, s.Delete("session-1"))

	_, ok, err := s.Get("session-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTTLExpiresSession(t *testing.T) {
	s := NewMemoryStore(WithTTL(1 * time.Millisecond))
	require.NoError(t, s.Set("session-1", newTestHistory(t)))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get("session-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreConcurrentAccessDoesNotRace(t *testing.T) {
	s := NewMemoryStore()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := "session"
			_ = s.Set(id, newTestHistory(t))
			_, _, _ = s.Get(id)
			_, _ = s.Exists(id)
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
