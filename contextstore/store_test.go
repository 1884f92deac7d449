package contextstore

import (
	"context"
	"errors"
	"testing"

	"github.com/finagent-ai/finagent/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	args := map[string]any{"ticker": "AAPL", "period": "1y"}
	result := map[string]any{"data": map[string]any{"close": 231.5}, "source_urls": []any{"https://example.com/aapl"}}

	ptr, err := store.Save(context.Background(), "get_price_history", args, result, "q1", "t1")
	require.NoError(t, err)

	records, warnings := store.Load([]string{ptr.Filepath})
	require.Empty(t, warnings)
	require.Len(t, records, 1)

	got, ok := records[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 231.5, got["close"])
	assert.Equal(t, []string{"https://example.com/aapl"}, records[0].SourceURLs)
}

func TestSaveIsIdempotentForEqualArgs(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	args1 := map[string]any{"ticker": "AAPL", "period": "1y"}
	args2 := map[string]any{"period": "1y", "ticker": "AAPL"} // same content, different key order

	p1, err := store.Save(context.Background(), "get_price_history", args1, "r1", "q1", "t1")
	require.NoError(t, err)
	p2, err := store.Save(context.Background(), "get_price_history", args2, "r2", "q1", "t2")
	require.NoError(t, err)

	assert.Equal(t, p1.Filepath, p2.Filepath, "equal args must hash to the same filename regardless of key order")

	pointers := store.PointersFor("q1")
	require.Len(t, pointers, 1, "re-saving the same (tool,args) must not grow the pointer index")

	records, warnings := store.Load([]string{p2.Filepath})
	require.Empty(t, warnings)
	require.Equal(t, "r2", records[0].Result, "second save must overwrite the file contents")
}

func TestFilenameDiffersByTicker(t *testing.T) {
	a, err := Filename("get_quote", map[string]any{"ticker": "AAPL"})
	require.NoError(t, err)
	b, err := Filename("get_quote", map[string]any{"ticker": "MSFT"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "AAPL_")
	assert.Contains(t, b, "MSFT_")
}

func TestPointersForIsolatesQueries(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "get_quote", map[string]any{"ticker": "AAPL"}, "a", "q1", "t1")
	require.NoError(t, err)
	_, err = store.Save(context.Background(), "get_quote", map[string]any{"ticker": "MSFT"}, "b", "q2", "t1")
	require.NoError(t, err)

	assert.Len(t, store.PointersFor("q1"), 1)
	assert.Len(t, store.PointersFor("q2"), 1)
	assert.Empty(t, store.PointersFor("q3"))
}

func TestLoadToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	records, warnings := store.Load([]string{dir + "/does-not-exist.json"})
	assert.Empty(t, records)
	require.Len(t, warnings, 1)

	var storeErr *StoreError
	assert.True(t, errors.As(warnings[0], &storeErr))
}

func TestSelectRelevantFallsBackToAllOnSelectorError(t *testing.T) {
	dir := t.TempDir()
	client := &llm.MockClient{
		GenerateStructuredResponses: []any{errors.New("model unavailable")},
	}
	store, err := New(dir, client)
	require.NoError(t, err)

	p1, _ := store.Save(context.Background(), "get_quote", map[string]any{"ticker": "AAPL"}, "a", "q1", "t1")
	p2, _ := store.Save(context.Background(), "get_quote", map[string]any{"ticker": "MSFT"}, "b", "q1", "t2")

	got := store.SelectRelevant(context.Background(), "how is AAPL doing", store.PointersFor("q1"))
	assert.ElementsMatch(t, []string{p1.Filepath, p2.Filepath}, got)
}

func TestSelectRelevantHonoursModelSelection(t *testing.T) {
	dir := t.TempDir()
	client := &llm.MockClient{
		GenerateStructuredResponses: []any{map[string]any{"indices": []int{1}}},
	}
	store, err := New(dir, client)
	require.NoError(t, err)

	_, _ = store.Save(context.Background(), "get_quote", map[string]any{"ticker": "AAPL"}, "a", "q1", "t1")
	p2, _ := store.Save(context.Background(), "get_quote", map[string]any{"ticker": "MSFT"}, "b", "q1", "t2")

	got := store.SelectRelevant(context.Background(), "how is MSFT doing", store.PointersFor("q1"))
	assert.Equal(t, []string{p2.Filepath}, got)
}

func TestSelectRelevantRespectsHonestEmptySelection(t *testing.T) {
	dir := t.TempDir()
	client := &llm.MockClient{
		GenerateStructuredResponses: []any{map[string]any{"indices": []int{}}},
	}
	store, err := New(dir, client)
	require.NoError(t, err)

	_, _ = store.Save(context.Background(), "get_quote", map[string]any{"ticker": "AAPL"}, "a", "q1", "t1")

	got := store.SelectRelevant(context.Background(), "unrelated query", store.PointersFor("q1"))
	assert.Empty(t, got)
}
