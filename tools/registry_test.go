package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) InvokeFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"data": map[string]any{"tool": name, "args": args}}, nil
	}
}

func TestRegisterRepositoryAndInvoke(t *testing.T) {
	repo := NewLocalRepository("market-data")
	require.NoError(t, repo.Register("get_quote", "get a live quote", map[string]any{"type": "object"}, echoTool("get_quote")))

	reg := NewToolRegistry()
	conflicts, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	out, err := reg.Invoke(context.Background(), "get_quote", map[string]any{"ticker": "AAPL"})
	require.NoError(t, err)
	envelope, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, envelope, "data")
}

func TestInvokeUnknownToolFails(t *testing.T) {
	reg := NewToolRegistry()
	_, err := reg.Invoke(context.Background(), "does_not_exist", nil)
	assert.Error(t, err)
}

func TestRegisterRepositoryReportsNameConflicts(t *testing.T) {
	repoA := NewLocalRepository("a")
	require.NoError(t, repoA.Register("shared", "", nil, echoTool("shared")))
	repoB := NewLocalRepository("b")
	require.NoError(t, repoB.Register("shared", "", nil, echoTool("shared")))

	reg := NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repoA)
	require.NoError(t, err)
	conflicts, err := reg.RegisterRepository(context.Background(), repoB)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, conflicts)
}

func TestListToolsSortedByName(t *testing.T) {
	repo := NewLocalRepository("market-data")
	require.NoError(t, repo.Register("z_tool", "", nil, echoTool("z")))
	require.NoError(t, repo.Register("a_tool", "", nil, echoTool("a")))

	reg := NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)

	descs := reg.ListTools()
	require.Len(t, descs, 2)
	assert.Equal(t, "a_tool", descs[0].Name)
	assert.Equal(t, "z_tool", descs[1].Name)
}

func TestRemoveRepositoryRemovesItsTools(t *testing.T) {
	repo := NewLocalRepository("market-data")
	require.NoError(t, repo.Register("get_quote", "", nil, echoTool("get_quote")))

	reg := NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)

	reg.RemoveRepository("market-data")
	_, ok := reg.GetTool("get_quote")
	assert.False(t, ok)
}
