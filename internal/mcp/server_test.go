package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/vmem/internal/memerr"
	"github.com/kokistudios/vmem/internal/memory"
	"github.com/kokistudios/vmem/internal/order"
)

type nopCommitter struct{ n int }

func (c *nopCommitter) Commit(context.Context, string, []string) (string, error) {
	c.n++
	return fmt.Sprintf("rev-%d", c.n), nil
}
func (c *nopCommitter) Changed(context.Context) ([]string, error) { return nil, nil }
func (c *nopCommitter) Revision(context.Context) (string, error) {
	return fmt.Sprintf("rev-%d", c.n), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	positions := order.Positions{}
	for i := 1; i <= 10; i++ {
		positions[fmt.Sprint(i)] = i
	}
	m, err := memory.Open(context.Background(), memory.Options{
		Repo:      t.TempDir(),
		AgentID:   "mcp-agent",
		Order:     positions,
		Committer: &nopCommitter{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return NewServer(m, "test")
}

func TestStoreAndGet(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleStore(ctx, nil, StoreArgs{Task: "5", Stage: 2, Layer: 1, Content: "Use PostgreSQL", Title: "db"})
	require.NoError(t, err)
	res := out.(StoreResult)
	assert.Equal(t, "x-5/y-2-z-1.md", res.Location)
	assert.True(t, res.Immutable)
	assert.Equal(t, "mcp-agent", res.AgentID)
	assert.Equal(t, 1, res.Pending)

	_, out, err = s.handleGet(ctx, nil, CoordArgs{Task: "5", Stage: 2, Layer: 1})
	require.NoError(t, err)
	got := out.(GetResult)
	require.True(t, got.Found)
	assert.Equal(t, "Use PostgreSQL", got.Decision.Content)
	assert.Equal(t, "test", got.Decision.StageName)
	assert.Equal(t, "db", got.Decision.Context["title"])

	_, out, err = s.handleGet(ctx, nil, CoordArgs{Task: "5", Stage: 2, Layer: 2})
	require.NoError(t, err)
	assert.False(t, out.(GetResult).Found)
}

func TestStoreErrorsKeepKind(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, _, err := s.handleStore(ctx, nil, StoreArgs{Task: "1", Stage: 1, Layer: 1, Content: "a"})
	require.NoError(t, err)
	_, _, err = s.handleStore(ctx, nil, StoreArgs{Task: "1", Stage: 1, Layer: 1, Content: "b"})
	assert.ErrorIs(t, err, memerr.ErrImmutableLayer)

	_, _, err = s.handleStore(ctx, nil, StoreArgs{Task: "1", Stage: 0, Layer: 1, Content: "a"})
	assert.ErrorIs(t, err, memerr.ErrCoordinateValidation)
}

func TestRangeAndBefore(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, a := range []StoreArgs{
		{Task: "1", Stage: 1, Layer: 1},
		{Task: "3", Stage: 2, Layer: 1},
		{Task: "5", Stage: 1, Layer: 1},
		{Task: "7", Stage: 1, Layer: 3},
	} {
		a.Content = "decision " + a.Task
		_, _, err := s.handleStore(ctx, nil, a)
		require.NoError(t, err)
	}

	_, out, err := s.handleRange(ctx, nil, RangeArgs{TaskMin: "1", TaskMax: "10", LayerMin: 1, LayerMax: 1})
	require.NoError(t, err)
	res := out.(DecisionsResult)
	require.Equal(t, 3, res.Count)
	assert.Equal(t, []string{"1", "3", "5"}, []string{res.Decisions[0].Task, res.Decisions[1].Task, res.Decisions[2].Task})

	_, out, err = s.handleRange(ctx, nil, RangeArgs{LayerMin: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(DecisionsResult).Count)

	_, _, err = s.handleRange(ctx, nil, RangeArgs{TaskMin: "1"})
	assert.Error(t, err)

	_, out, err = s.handleBefore(ctx, nil, BeforeArgs{Task: "5", Stage: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(DecisionsResult).Count)

	_, out, err = s.handleBefore(ctx, nil, BeforeArgs{Task: "1", Stage: 1})
	require.NoError(t, err)
	assert.Equal(t, "No decisions found.", out.(DecisionsResult).Message)
}

func TestSearchLimit(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := s.handleStore(ctx, nil, StoreArgs{Task: fmt.Sprint(i), Stage: 1, Layer: 2, Content: "cache invalidation"})
		require.NoError(t, err)
	}

	_, out, err := s.handleSearch(ctx, nil, SearchArgs{Terms: []string{"cache"}, Limit: 2})
	require.NoError(t, err)
	res := out.(SearchResult)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Hits, 2)
	assert.Equal(t, 1, res.Hits[0].Matched)

	_, _, err = s.handleSearch(ctx, nil, SearchArgs{})
	assert.ErrorIs(t, err, memerr.ErrQuery)
}

func TestSync(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleSync(ctx, nil, SyncArgs{})
	require.NoError(t, err)
	assert.Equal(t, "Nothing to sync.", out.(SyncResult).Message)

	_, _, err = s.handleStore(ctx, nil, StoreArgs{Task: "2", Stage: 3, Layer: 3, Content: "x"})
	require.NoError(t, err)
	_, out, err = s.handleSync(ctx, nil, SyncArgs{Label: "stage done"})
	require.NoError(t, err)
	res := out.(SyncResult)
	assert.Equal(t, []string{"x-2/y-3-z-3.md"}, res.Committed)
	assert.Equal(t, "stage done", res.Label)
}

func TestToolsOverTransport(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "vmem_store",
		Arguments: map[string]any{"task": "4", "stage": 1, "layer": 2, "content": "Use gRPC"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "vmem_get",
		Arguments: map[string]any{"task": "4", "stage": 1, "layer": 2},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var got GetResult
	require.NoError(t, json.Unmarshal(raw, &got))
	require.True(t, got.Found)
	assert.Equal(t, "Use gRPC", got.Decision.Content)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "vmem_store",
		Arguments: map[string]any{"task": "../etc", "stage": 1, "layer": 2, "content": "x"},
	})
	if err == nil {
		assert.True(t, res.IsError, "invalid coordinate must fail the call")
	}
}
