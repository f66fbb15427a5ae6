// Package memory ties the store, index, query engine, lock controller and
// git syncer together into one Manager per process.
package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/kokistudios/vmem/internal/config"
	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/gitsync"
	"github.com/kokistudios/vmem/internal/index"
	"github.com/kokistudios/vmem/internal/lock"
	"github.com/kokistudios/vmem/internal/order"
	"github.com/kokistudios/vmem/internal/query"
	"github.com/kokistudios/vmem/internal/store"
)

// AgentEnv overrides the agent id when the config does not set one.
const AgentEnv = "VMEM_AGENT_ID"

type Options struct {
	// Repo is the repository holding the memory. Defaults to
	// config.RepoPath().
	Repo string
	// Root overrides the memory root. Defaults to <Repo>/.vector-memory.
	Root string
	// AgentID overrides the configured agent id.
	AgentID string
	// Order overrides the configured order file.
	Order coord.Order
	// Committer overrides the git committer.
	Committer gitsync.Committer
	Logger    *log.Logger
	Now       func() time.Time
}

// Manager is the programmatic surface of the decision memory. All state is
// held here; nothing is global.
type Manager struct {
	home    *config.Home
	agentID string
	logger  *log.Logger

	st     *store.Store
	ix     *index.Index
	engine *query.Engine
	syncer *gitsync.Syncer

	mu       sync.Mutex
	watchers []*index.Watcher
	closed   bool
}

// Open builds a Manager over the memory root and loads the index from disk.
// When index.watch is set in the config, external writes are applied as they
// happen until Close.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	root := opts.Root
	if root == "" {
		repo := opts.Repo
		if repo == "" {
			repo = config.RepoPath()
		}
		root = config.Root(repo)
	}

	home, err := config.LoadOrDefault(root)
	if err != nil {
		return nil, err
	}
	cfg := home.Config

	agentID := opts.AgentID
	if agentID == "" {
		agentID = resolveAgentID(cfg.AgentID)
	}

	ord := opts.Order
	if ord == nil {
		if p := home.OrderPath(); p != "" {
			if ord, err = order.Load(p); err != nil {
				return nil, fmt.Errorf("failed to load task order: %w", err)
			}
		}
	}

	locker := lock.NewController(lock.Config{
		Timeout:      cfg.Lock.Timeout,
		PollInterval: cfg.Lock.PollInterval,
		Owner:        agentID,
		Logger:       logger,
	})
	st, err := store.Open(root, store.Options{
		MaxContentBytes: cfg.Content.MaxBytes,
		AgentID:         agentID,
		Now:             opts.Now,
		Locker:          locker,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	committer := opts.Committer
	if committer == nil {
		committer = gitsync.NewGit(st.Root())
	}

	ix := index.New(logger)
	m := &Manager{
		home:    home,
		agentID: agentID,
		logger:  logger.WithPrefix("memory"),
		st:      st,
		ix:      ix,
		engine:  query.New(ix, st, ord, logger),
		syncer: gitsync.New(committer, ix, st, gitsync.Options{
			LabelPrefix: cfg.Sync.LabelPrefix,
			Workers:     cfg.Index.Workers,
			Logger:      logger,
			Now:         opts.Now,
		}),
	}
	st.SetWriteHook(m.onWrite)

	if _, err := m.Load(ctx); err != nil {
		return nil, err
	}
	if cfg.Index.Watch {
		if err := m.Watch(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// resolveAgentID picks the configured id, then the environment, then a
// generated <hostname>-<uuid prefix>.
func resolveAgentID(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(AgentEnv); env != "" {
		return env
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (m *Manager) onWrite(rec decision.Record, location string) {
	m.ix.AddRecord(rec)
	m.syncer.Track(location)
}

func (m *Manager) Root() string          { return m.st.Root() }
func (m *Manager) AgentID() string       { return m.agentID }
func (m *Manager) Home() *config.Home    { return m.home }
func (m *Manager) Records() *store.Store { return m.st }
func (m *Manager) Index() *index.Index   { return m.ix }
func (m *Manager) Order() coord.Order    { return m.engine.Order() }

// Store records content at c. Foundational coordinates accept one write
// ever; other layers are replaced by each write.
func (m *Manager) Store(ctx context.Context, c coord.Coordinate, content string, meta map[string]string) (decision.Record, error) {
	rec, err := m.st.Put(ctx, c, content, meta)
	if err != nil {
		return decision.Record{}, err
	}
	m.logger.Debug("stored decision", "coord", c, "bytes", len(content))
	return rec, nil
}

// StoreBatch writes several records under one lock set. Nothing is written
// if any foundational member is already occupied.
func (m *Manager) StoreBatch(ctx context.Context, writes []store.Write) ([]decision.Record, error) {
	return m.st.PutBatch(ctx, writes)
}

func (m *Manager) Get(ctx context.Context, c coord.Coordinate) (decision.Record, bool, error) {
	return m.engine.Exact(ctx, c)
}

func (m *Manager) Exists(c coord.Coordinate) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	return m.st.Exists(c)
}

func (m *Manager) QueryRange(ctx context.Context, q query.RangeQuery) ([]decision.Record, error) {
	return m.engine.Range(ctx, q)
}

// QueryPartialOrder returns every record strictly before (task, stage).
func (m *Manager) QueryPartialOrder(ctx context.Context, task string, stage coord.Stage, layer *coord.Layer) ([]decision.Record, error) {
	return m.engine.PartialOrder(ctx, task, stage, layer)
}

// Search returns ranked hits with their match counts.
func (m *Manager) Search(ctx context.Context, terms []string, matchAll bool) ([]query.Hit, error) {
	return m.engine.Search(ctx, terms, matchAll)
}

// SearchContent returns the records matching terms, best first.
func (m *Manager) SearchContent(ctx context.Context, terms []string, matchAll bool) ([]decision.Record, error) {
	hits, err := m.engine.Search(ctx, terms, matchAll)
	if err != nil {
		return nil, err
	}
	recs := make([]decision.Record, len(hits))
	for i, h := range hits {
		recs[i] = h.Record
	}
	return recs, nil
}

// Pending lists record locations written but not yet flushed.
func (m *Manager) Pending() []string { return m.syncer.Pending() }

// Flush commits every pending record file as one commit.
func (m *Manager) Flush(ctx context.Context, label string) (gitsync.FlushResult, error) {
	return m.syncer.Flush(ctx, label)
}

// Load rebuilds the index from disk and returns the number of records
// indexed.
func (m *Manager) Load(ctx context.Context) (int, error) {
	report, err := m.syncer.Load(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range report.Skipped {
		m.logger.Debug("skipped", "path", s.Location, "err", s.Err)
	}
	return report.Indexed, nil
}

// LoadReport is Load with the full rebuild report.
func (m *Manager) LoadReport(ctx context.Context) (index.Report, error) {
	return m.syncer.Load(ctx)
}

// Refresh reloads the index when the durable state has moved on.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	return m.syncer.Refresh(ctx)
}

// Watch applies record files written by other processes to the index until
// ctx is done or the Manager is closed. It is a no-op while a watcher is
// already running.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory manager is closed")
	}
	if m.watchingLocked() {
		return nil
	}
	w, err := index.NewWatcher(m.ix, m.st, m.st.Root(), m.logger)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.st.Root(), err)
	}
	w.Start()
	m.watchers = append(m.watchers, w)
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.Done():
		}
	}()
	return nil
}

// Watching reports whether external writes are currently being applied.
func (m *Manager) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchingLocked()
}

func (m *Manager) watchingLocked() bool {
	for _, w := range m.watchers {
		select {
		case <-w.Done():
		default:
			return true
		}
	}
	return false
}

// Close stops every watcher. Pending records stay on disk; call Flush first
// to commit them.
func (m *Manager) Close() error {
	m.mu.Lock()
	ws := m.watchers
	m.watchers, m.closed = nil, true
	m.mu.Unlock()

	var first error
	for _, w := range ws {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	if n := len(m.syncer.Pending()); n > 0 {
		m.logger.Warn("closing with unflushed decisions", "count", n)
	}
	return first
}
