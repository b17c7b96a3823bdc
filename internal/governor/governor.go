package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/registry"
)

// DefaultCacheTTL is how long a quota cache entry stays authoritative.
const DefaultCacheTTL = 30 * time.Second

// cacheEntry carries only the count; CanSpawn always compares against the
// live tier limit so limit reloads take effect without a cache cycle.
type cacheEntry struct {
	activeCount int
	cachedAt    time.Time
}

// Governor is the admission gate in front of the registry. The cache only
// serves the advisory CanSpawn path; AdmitAndInsert always decides inside a
// transaction against the real count, so a stale cache can never oversubscribe
// an operator.
type Governor struct {
	store  *registry.Store
	logger *slog.Logger

	cacheTTL time.Duration

	mu      sync.Mutex
	limits  map[string]int
	cache   map[string]cacheEntry
	version int64
}

// Option configures a Governor.
type Option func(*Governor)

// WithCacheTTL overrides the quota cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Governor) {
		if ttl > 0 {
			g.cacheTTL = ttl
		}
	}
}

// WithTierLimits replaces the default tier limits.
func WithTierLimits(limits map[string]int) Option {
	return func(g *Governor) {
		if len(limits) > 0 {
			g.limits = cloneLimits(limits)
		}
	}
}

func New(store *registry.Store, logger *slog.Logger, opts ...Option) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		store:    store,
		logger:   logger.With("component", "governor"),
		cacheTTL: DefaultCacheTTL,
		limits:   DefaultTierLimits(),
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func cloneLimits(limits map[string]int) map[string]int {
	out := make(map[string]int, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}

func (g *Governor) limitFor(tier string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits[tier] // unknown tier -> 0, deny
}

// Version returns the internal admission version, bumped on every successful
// admission and every limit reload. Useful for cheap change detection.
func (g *Governor) Version() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// CanSpawn is the advisory pre-check. A zero limit always denies. An absent
// or expired cache entry answers optimistically: the transactional check in
// AdmitAndInsert is the one that counts.
func (g *Governor) CanSpawn(operatorID, tier string) bool {
	limit := g.limitFor(tier)
	if limit <= 0 {
		return false
	}

	g.mu.Lock()
	entry, ok := g.cache[operatorID]
	ttl := g.cacheTTL
	g.mu.Unlock()

	if !ok || time.Since(entry.cachedAt) > ttl {
		return true
	}
	return entry.activeCount < limit
}

// AdmitAndInsert performs the authoritative quota check and the task insert
// as one transaction. On the single-writer SQLite connection the transaction
// serializes concurrent admissions for the same operator the way row locks
// would on a server database: of two racers at the quota boundary, exactly
// one commits.
//
// When a non-terminal task already carries the same context hash for this
// operator, that task is returned with existing=true and nothing is inserted.
func (g *Governor) AdmitAndInsert(ctx context.Context, in registry.CreateInput, tier string) (task *registry.FleetTask, existing bool, err error) {
	limit := g.limitFor(tier)
	if limit <= 0 {
		return nil, false, &SpawnDeniedError{
			OperatorID: in.OperatorID,
			Tier:       tier,
			TierLimit:  0,
		}
	}

	tx, err := g.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin admission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dup, err := g.store.FindLiveByContextHashTx(ctx, tx, in.OperatorID, in.ContextHash)
	if err != nil {
		return nil, false, err
	}
	if dup != nil {
		g.logger.Info("duplicate spawn request, returning live task",
			"operator_id", in.OperatorID,
			"task_id", dup.ID,
			"context_hash", in.ContextHash,
		)
		return dup, true, nil
	}

	count, err := g.store.CountActiveTx(ctx, tx, in.OperatorID)
	if err != nil {
		return nil, false, err
	}
	if count >= limit {
		g.logger.Warn("spawn denied at quota",
			"operator_id", in.OperatorID,
			"tier", tier,
			"active", count,
			"limit", limit,
		)
		return nil, false, &SpawnDeniedError{
			OperatorID:  in.OperatorID,
			Tier:        tier,
			ActiveCount: count,
			TierLimit:   limit,
		}
	}

	task, err = g.store.CreateTx(ctx, tx, in)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit admission tx: %w", err)
	}

	g.mu.Lock()
	g.cache[in.OperatorID] = cacheEntry{
		activeCount: count + 1,
		cachedAt:    time.Now(),
	}
	g.version++
	g.mu.Unlock()

	return task, false, nil
}

// InvalidateCache drops one operator's cache entry.
func (g *Governor) InvalidateCache(operatorID string) {
	g.mu.Lock()
	delete(g.cache, operatorID)
	g.mu.Unlock()
}

// InvalidateAllCaches drops every cache entry.
func (g *Governor) InvalidateAllCaches() {
	g.mu.Lock()
	g.cache = make(map[string]cacheEntry)
	g.mu.Unlock()
}

// UpdateTierLimits swaps in new limits (live config reload). All cache
// entries are dropped so a downgraded tier is observable on the next check.
func (g *Governor) UpdateTierLimits(limits map[string]int) {
	if len(limits) == 0 {
		return
	}
	g.mu.Lock()
	g.limits = cloneLimits(limits)
	g.cache = make(map[string]cacheEntry)
	g.version++
	g.mu.Unlock()
	g.logger.Info("tier limits reloaded", "tiers", len(limits))
}

// WatchBus invalidates an operator's cache entry whenever one of their tasks
// reaches a state that changes the active count. Runs until ctx is done.
func (g *Governor) WatchBus(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicTaskStateChanged)
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				change, isChange := ev.Payload.(bus.TaskStateChangedEvent)
				if !isChange {
					continue
				}
				status := registry.Status(change.NewStatus)
				if registry.IsTerminal(status) || status == registry.StatusFailed {
					g.InvalidateCache(change.OperatorID)
				}
			}
		}
	}()
}
