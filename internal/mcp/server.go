package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/memory"
	"github.com/kokistudios/vmem/internal/query"
)

// Server exposes a memory.Manager to agents over MCP.
type Server struct {
	mem    *memory.Manager
	server *mcp.Server
}

// NewServer creates a new vmem MCP server.
func NewServer(mem *memory.Manager, version string) *Server {
	s := &Server{mem: mem}

	impl := &mcp.Implementation{
		Name:    "vmem",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// registerTools adds all vmem tools to the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "vmem_store",
		Description: "Record a decision at a coordinate (task, stage, layer). " +
			"Stages: 1 architect, 2 test, 3 implement, 4 review, 5 merge. " +
			"Layers: 1 architecture, 2 interfaces, 3 implementation, 4 ephemeral. " +
			"Layer 1 is foundational: once written it can never be changed, so a second write fails. " +
			"Layers 2-4 are replaced by each write.",
	}, s.handleStore)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vmem_get",
		Description: "Get the decision stored at exactly one coordinate. Returns found=false when nothing is stored there.",
	}, s.handleGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "vmem_range",
		Description: "List decisions inside inclusive bounds on task, stage and layer. Omit a bound to leave that axis open. " +
			"Task bounds follow the configured task order and must be given together.",
	}, s.handleRange)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "vmem_before",
		Description: "List every decision that causally precedes (task, stage): all decisions of tasks ordered before the task, " +
			"plus the task's own decisions at earlier stages. Use stage 6 to include every stage of the task. " +
			"PROACTIVE USE: call this at the start of a stage to load the context it builds on.",
	}, s.handleBefore)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vmem_search",
		Description: "Search decision content for words. Results are ranked by how many terms match.",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vmem_sync",
		Description: "Commit every decision written since the last sync to git as a single commit.",
	}, s.handleSync)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vmem_agent_guidance",
		Description: "Get guidance on using vmem tools during a staged workflow. Call this once at the start of a session.",
	}, s.handleAgentGuidance)
}

// DecisionView is the wire form of a decision record.
type DecisionView struct {
	Task      string            `json:"task"`
	Stage     int               `json:"stage"`
	StageName string            `json:"stage_name"`
	Layer     int               `json:"layer"`
	LayerName string            `json:"layer_name"`
	Location  string            `json:"location"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp"`
	AgentID   string            `json:"agent_id"`
	Context   map[string]string `json:"context,omitempty"`
}

func viewOf(r decision.Record) DecisionView {
	return DecisionView{
		Task:      r.Coordinate.Task,
		Stage:     int(r.Coordinate.Stage),
		StageName: r.Coordinate.Stage.String(),
		Layer:     int(r.Coordinate.Layer),
		LayerName: r.Coordinate.Layer.String(),
		Location:  r.Coordinate.Location(),
		Content:   r.Content,
		Timestamp: r.Timestamp.Format(time.RFC3339Nano),
		AgentID:   r.AgentID,
		Context:   r.Context,
	}
}

func viewsOf(recs []decision.Record) []DecisionView {
	out := make([]DecisionView, len(recs))
	for i, r := range recs {
		out[i] = viewOf(r)
	}
	return out
}

// DecisionsResult is the output of the listing tools.
type DecisionsResult struct {
	Decisions []DecisionView `json:"decisions"`
	Count     int            `json:"count"`
	Message   string         `json:"message,omitempty"`
}

func listResult(recs []decision.Record) DecisionsResult {
	out := DecisionsResult{Decisions: viewsOf(recs), Count: len(recs)}
	if len(recs) == 0 {
		out.Message = "No decisions found."
	}
	return out
}

// StoreArgs defines the input for vmem_store.
type StoreArgs struct {
	Task    string            `json:"task" jsonschema:"Task id, e.g. an issue id like codeframe-aco-t49"`
	Stage   int               `json:"stage" jsonschema:"Workflow stage 1-5"`
	Layer   int               `json:"layer" jsonschema:"Decision layer 1-4; 1 is immutable once written"`
	Content string            `json:"content" jsonschema:"The decision, as Markdown"`
	Title   string            `json:"title,omitempty" jsonschema:"Short title for the decision (optional)"`
	IssueID string            `json:"issue_id,omitempty" jsonschema:"Issue tracker id this decision belongs to (optional)"`
	Context map[string]string `json:"context,omitempty" jsonschema:"Extra key/value metadata (optional)"`
}

// StoreResult is the output of vmem_store.
type StoreResult struct {
	Location  string `json:"location"`
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Immutable bool   `json:"immutable"`
	Pending   int    `json:"pending"`
}

func (s *Server) handleStore(ctx context.Context, req *mcp.CallToolRequest, args StoreArgs) (*mcp.CallToolResult, any, error) {
	c := coord.Coordinate{Task: args.Task, Stage: coord.Stage(args.Stage), Layer: coord.Layer(args.Layer)}

	meta := make(map[string]string, len(args.Context)+3)
	for k, v := range args.Context {
		meta[k] = v
	}
	if args.Title != "" {
		meta[decision.ContextTitle] = args.Title
	}
	if args.IssueID != "" {
		meta[decision.ContextIssueID] = args.IssueID
	}
	if c.Stage.Valid() {
		meta[decision.ContextStageName] = c.Stage.String()
	}

	rec, err := s.mem.Store(ctx, c, args.Content, meta)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store decision: %w", err)
	}
	return nil, StoreResult{
		Location:  rec.Coordinate.Location(),
		Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
		AgentID:   rec.AgentID,
		Immutable: rec.Coordinate.Layer.Immutable(),
		Pending:   len(s.mem.Pending()),
	}, nil
}

// CoordArgs addresses one coordinate.
type CoordArgs struct {
	Task  string `json:"task" jsonschema:"Task id"`
	Stage int    `json:"stage" jsonschema:"Workflow stage 1-5"`
	Layer int    `json:"layer" jsonschema:"Decision layer 1-4"`
}

// GetResult is the output of vmem_get.
type GetResult struct {
	Found    bool          `json:"found"`
	Decision *DecisionView `json:"decision,omitempty"`
}

func (s *Server) handleGet(ctx context.Context, req *mcp.CallToolRequest, args CoordArgs) (*mcp.CallToolResult, any, error) {
	c := coord.Coordinate{Task: args.Task, Stage: coord.Stage(args.Stage), Layer: coord.Layer(args.Layer)}
	rec, ok, err := s.mem.Get(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read decision: %w", err)
	}
	if !ok {
		return nil, GetResult{}, nil
	}
	v := viewOf(rec)
	return nil, GetResult{Found: true, Decision: &v}, nil
}

// RangeArgs defines the input for vmem_range. Zero leaves a stage or layer
// bound open.
type RangeArgs struct {
	TaskMin  string `json:"task_min,omitempty" jsonschema:"Lowest task, inclusive (requires task_max)"`
	TaskMax  string `json:"task_max,omitempty" jsonschema:"Highest task, inclusive (requires task_min)"`
	StageMin int    `json:"stage_min,omitempty" jsonschema:"Lowest stage 1-5, inclusive"`
	StageMax int    `json:"stage_max,omitempty" jsonschema:"Highest stage 1-5, inclusive"`
	LayerMin int    `json:"layer_min,omitempty" jsonschema:"Lowest layer 1-4, inclusive"`
	LayerMax int    `json:"layer_max,omitempty" jsonschema:"Highest layer 1-4, inclusive"`
}

func (a RangeArgs) query() (query.RangeQuery, error) {
	var q query.RangeQuery
	switch {
	case a.TaskMin != "" && a.TaskMax != "":
		q.Task = &query.TaskRange{Min: a.TaskMin, Max: a.TaskMax}
	case a.TaskMin != "" || a.TaskMax != "":
		return q, fmt.Errorf("task_min and task_max must be given together")
	}
	q.Stage = intRange(a.StageMin, a.StageMax, int(coord.StageArchitect), int(coord.StageMerge))
	q.Layer = intRange(a.LayerMin, a.LayerMax, int(coord.LayerArchitecture), int(coord.LayerEphemeral))
	return q, nil
}

func intRange(lo, hi, floor, ceil int) *query.IntRange {
	if lo == 0 && hi == 0 {
		return nil
	}
	if lo == 0 {
		lo = floor
	}
	if hi == 0 {
		hi = ceil
	}
	return &query.IntRange{Min: lo, Max: hi}
}

func (s *Server) handleRange(ctx context.Context, req *mcp.CallToolRequest, args RangeArgs) (*mcp.CallToolResult, any, error) {
	q, err := args.query()
	if err != nil {
		return nil, nil, err
	}
	recs, err := s.mem.QueryRange(ctx, q)
	if err != nil {
		return nil, nil, fmt.Errorf("range query failed: %w", err)
	}
	return nil, listResult(recs), nil
}

// BeforeArgs defines the input for vmem_before.
type BeforeArgs struct {
	Task  string `json:"task" jsonschema:"Task id of the threshold"`
	Stage int    `json:"stage" jsonschema:"Threshold stage 1-6; 6 includes every stage of the task"`
	Layer int    `json:"layer,omitempty" jsonschema:"Only this layer 1-4 (optional)"`
}

func (s *Server) handleBefore(ctx context.Context, req *mcp.CallToolRequest, args BeforeArgs) (*mcp.CallToolResult, any, error) {
	var layer *coord.Layer
	if args.Layer != 0 {
		l := coord.Layer(args.Layer)
		layer = &l
	}
	recs, err := s.mem.QueryPartialOrder(ctx, args.Task, coord.Stage(args.Stage), layer)
	if err != nil {
		return nil, nil, fmt.Errorf("partial order query failed: %w", err)
	}
	return nil, listResult(recs), nil
}

// SearchArgs defines the input for vmem_search.
type SearchArgs struct {
	Terms    []string `json:"terms" jsonschema:"Words or phrases to look for"`
	MatchAll bool     `json:"match_all,omitempty" jsonschema:"Require every term to match (default: any term)"`
	Limit    int      `json:"limit,omitempty" jsonschema:"Maximum number of results (default 20)"`
}

// SearchHit is one search result.
type SearchHit struct {
	DecisionView
	Matched int `json:"matched"`
}

// SearchResult is the output of vmem_search.
type SearchResult struct {
	Hits    []SearchHit `json:"hits"`
	Total   int         `json:"total"`
	Message string      `json:"message,omitempty"`
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
	hits, err := s.mem.Search(ctx, args.Terms, args.MatchAll)
	if err != nil {
		return nil, nil, fmt.Errorf("search failed: %w", err)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	out := SearchResult{Total: len(hits), Hits: []SearchHit{}}
	for _, h := range hits[:min(limit, len(hits))] {
		out.Hits = append(out.Hits, SearchHit{DecisionView: viewOf(h.Record), Matched: h.Matched})
	}
	if len(hits) == 0 {
		out.Message = "No decisions matched."
	} else if len(hits) > limit {
		out.Message = fmt.Sprintf("Showing %d of %d matches.", limit, len(hits))
	}
	return nil, out, nil
}

// SyncArgs defines the input for vmem_sync.
type SyncArgs struct {
	Label string `json:"label,omitempty" jsonschema:"Commit message (optional; a default is generated)"`
}

// SyncResult is the output of vmem_sync.
type SyncResult struct {
	Committed []string `json:"committed"`
	Revision  string   `json:"revision,omitempty"`
	Label     string   `json:"label,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleSync(ctx context.Context, req *mcp.CallToolRequest, args SyncArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.mem.Flush(ctx, args.Label)
	if err != nil {
		return nil, nil, fmt.Errorf("sync failed: %w", err)
	}
	out := SyncResult{Committed: res.Committed, Revision: res.Revision, Label: res.Label}
	if out.Committed == nil {
		out.Committed = []string{}
		out.Message = "Nothing to sync."
	}
	return nil, out, nil
}

// AgentGuidanceArgs defines the input for vmem_agent_guidance.
type AgentGuidanceArgs struct{}

// AgentGuidanceResult is the output of vmem_agent_guidance.
type AgentGuidanceResult struct {
	Guidance string `json:"guidance"`
}

func (s *Server) handleAgentGuidance(ctx context.Context, req *mcp.CallToolRequest, args AgentGuidanceArgs) (*mcp.CallToolResult, any, error) {
	guidance := `# vmem Usage Guide

## Coordinates
Every decision lives at (task, stage, layer).
- Stages: 1 architect, 2 test, 3 implement, 4 review, 5 merge
- Layers: 1 architecture, 2 interfaces, 3 implementation, 4 ephemeral

## Start of a Stage
Call vmem_before(task, stage) to load every decision your work builds on:
all earlier tasks in the task order plus earlier stages of your own task.

## Recording
- Layer 1 is written once. Think before you write it; a second write fails.
- Layers 2-4 may be rewritten as the stage progresses.
- Keep one decision per coordinate; use layer 4 for scratch notes.

## End of a Stage
Call vmem_sync so your decisions are committed before the next agent starts.`

	return nil, AgentGuidanceResult{Guidance: guidance}, nil
}
