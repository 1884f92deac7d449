package sessionstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/finagent-ai/finagent/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewSQLStore("sqlite", dsn, func() *history.MessageHistory {
		return history.New(history.NewRecencyStrategy(10), nil)
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreMissingSessionIsNotAnError(t *testing.T) {
	s := newTestSQLStore(t)
	h, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestSQLStoreSetThenGetReplaysTurnsInOrder(t *testing.T) {
	s := newTestSQLStore(t)
	h := history.New(history.NewRecencyStrategy(10), nil)
	_, err := h.AddTurn(context.Background(), "q1", "a1", "s1")
	require.NoError(t, err)
	_, err = h.AddTurn(context.Background(), "q2", "a2", "s2")
	require.NoError(t, err)

	require.NoError(t, s.Set("session-1", h))

	got, ok, err := s.Get("session-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.Len())
	msgs := got.Messages()
	assert.Equal(t, "q1", msgs[0].Query)
	assert.Equal(t, "q2", msgs[1].Query)

	exists, err := s.Exists("session-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLStoreSetOverwritesPriorTurns(t *testing.T) {
	s := newTestSQLStore(t)
	h1 := history.New(history.NewRecencyStrategy(10), nil)
	_, err := h1.AddTurn(context.Background(), "q1", "a1", "s1")
	require.NoError(t, err)
	require.NoError(t, s.Set("session-1", h1))

	h2 := history.New(history.NewRecencyStrategy(10), nil)
	_, err = h2.AddTurn(context.Background(), "q2", "a2", "s2")
	require.NoError(t, err)
	require.NoError(t, s.Set("session-1", h2))

	got, ok, err := s.Get("session-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, got.Len())
	assert.Equal(t, "q2", got.Messages()[0].Query)
}

func TestSQLStoreDeleteRemovesSessionAndTurns(t *testing.T) {
	s := newTestSQLStore(t)
	h := history.New(history.NewRecencyStrategy(10), nil)
	_, err := h.AddTurn(context.Background(), "q1", "a1", "s1")
	require.NoError(t, err)
	require.NoError(t, s.Set("session-1", h))

	require.NoError(t, s.Delete("session-1"))

	_, ok, err := s.Get("session-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
