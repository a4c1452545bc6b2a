// Package engine ties the pager, block cache, hooks and backfill traversal
// together behind one storage-engine handle.
package engine

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexustree/backfill"
	"github.com/INLOpen/nexustree/btree"
	"github.com/INLOpen/nexustree/cache"
	"github.com/INLOpen/nexustree/config"
	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/hooks"
	"github.com/INLOpen/nexustree/pager"
)

// Options configures an engine. Zero-value fields fall back to the
// defaults from the config package.
type Options struct {
	// BlockCacheCapacity is the number of decompressed blocks kept in the
	// LRU cache; <= 0 disables caching.
	BlockCacheCapacity int
	Backfill           backfill.Config
	Logger             *slog.Logger
	Tracer             trace.Tracer
	HookManager        hooks.HookManager
}

// OptionsFromConfig maps a loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		BlockCacheCapacity: cfg.Engine.Cache.BlockCacheCapacity,
		Backfill: backfill.Config{
			MaxBreadthBlocks: cfg.Engine.Backfill.MaxBreadthBlocks,
			MaxPendingBlocks: cfg.Engine.Backfill.MaxPendingBlocks,
		},
		Logger: logger,
	}
}

// StorageEngine serves read queries and incremental backfills over one
// immutable tree file.
type StorageEngine struct {
	pager      *pager.Pager
	blockCache *cache.LRUCache
	hooks      hooks.HookManager
	logger     *slog.Logger
	tracer     trace.Tracer

	backfillCfg backfill.Config

	cacheHits   *expvar.Int
	cacheMisses *expvar.Int

	mu     sync.Mutex
	closed bool
}

// Open opens the tree file at treePath.
func Open(treePath string, opts Options) (*StorageEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("nexustree")
	}
	hookManager := opts.HookManager
	if hookManager == nil {
		hookManager = hooks.NewHookManager(logger)
	}

	e := &StorageEngine{
		hooks:       hookManager,
		logger:      logger.With("component", "engine"),
		tracer:      tracer,
		backfillCfg: opts.Backfill,
		cacheHits:   new(expvar.Int),
		cacheMisses: new(expvar.Int),
	}

	if opts.BlockCacheCapacity > 0 {
		e.blockCache = cache.NewLRUCache(opts.BlockCacheCapacity,
			func(id core.BlockID, _ []byte) {
				e.hooks.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{BlockID: id}))
			},
			func(id core.BlockID) {
				e.hooks.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{BlockID: id}))
			},
			func(id core.BlockID) {
				e.hooks.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{BlockID: id}))
			},
		)
		e.blockCache.SetMetrics(e.cacheHits, e.cacheMisses)
	}

	var cacheIface cache.Interface
	if e.blockCache != nil {
		cacheIface = e.blockCache
	}
	p, err := pager.Open(treePath, pager.Options{
		BlockCache: cacheIface,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tree file: %w", err)
	}
	e.pager = p
	return e, nil
}

// Header returns the tree file header.
func (e *StorageEngine) Header() core.FileHeader { return e.pager.Header() }

// CacheHitRate reports the block cache hit rate, 0 when caching is disabled.
func (e *StorageEngine) CacheHitRate() float64 {
	if e.blockCache == nil {
		return 0
	}
	return e.blockCache.GetHitRate()
}

// PagerStats returns the pager's acquisition counters.
func (e *StorageEngine) PagerStats() pager.Stats { return e.pager.StatsSnapshot() }

// Get performs a point lookup. It returns core.ErrKeyNotFound for missing
// keys and tombstones.
func (e *StorageEngine) Get(ctx context.Context, key []byte) ([]byte, int64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, 0, core.ErrClosed
	}
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "StorageEngine.Get")
	defer span.End()

	txn, err := e.pager.BeginRead()
	if err != nil {
		return nil, 0, err
	}
	defer txn.Close()

	return btree.Get(ctx, txn, key)
}

// StartBackfill begins an incremental backfill: every live entry and
// tombstone with a last-modified timestamp at or after cutoff is delivered
// to onPair, and onDone fires exactly once when the traversal terminates.
// The read transaction is snapshotted here, before this method returns.
func (e *StorageEngine) StartBackfill(ctx context.Context, cutoff int64, onPair core.PairFunc, onDone core.DoneFunc) (*backfill.Backfill, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, core.ErrClosed
	}
	e.mu.Unlock()

	// Pre-hook: listeners may veto the backfill or adjust the cutoff.
	prePayload := hooks.PreBackfillPayload{Cutoff: &cutoff}
	if hookErr := e.hooks.Trigger(ctx, hooks.NewPreBackfillEvent(prePayload)); hookErr != nil {
		e.logger.Info("backfill cancelled by PreBackfill hook", "error", hookErr)
		return nil, fmt.Errorf("operation cancelled by pre-hook: %w", hookErr)
	}

	txn, err := e.pager.BeginRead()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.logger.Info("starting backfill", "cutoff", cutoff, "root", txn.Root())

	var b *backfill.Backfill
	ready := make(chan struct{})
	wrappedDone := func(status core.BackfillStatus, doneErr error) {
		txn.Close()
		<-ready
		pairs := b.Stats().PairsEmitted
		e.hooks.Trigger(context.Background(), hooks.NewPostBackfillEvent(hooks.PostBackfillPayload{
			Cutoff:       cutoff,
			Status:       status,
			PairsEmitted: pairs,
			Duration:     time.Since(start),
			Error:        doneErr,
		}))
		onDone(status, doneErr)
	}

	b = backfill.Start(ctx, txn, cutoff, onPair, wrappedDone, backfill.Options{
		Config: e.backfillCfg,
		Logger: e.logger,
		Tracer: e.tracer,
	})
	close(ready)
	return b, nil
}

// Close shuts the engine down. Backfills started through it must have
// drained first.
func (e *StorageEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hooks.Trigger(context.Background(), hooks.NewPreCloseEngineEvent())

	if e.blockCache != nil {
		e.blockCache.Clear()
	}
	err := e.pager.Close()

	e.hooks.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())
	e.hooks.Stop()
	if err != nil {
		return err
	}
	e.logger.Info("engine closed")
	return nil
}
