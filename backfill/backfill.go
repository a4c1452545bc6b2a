// Package backfill implements the incremental-replication traversal of a
// tree file: given a cutoff timestamp it visits exactly the subtrees whose
// recorded recency says they could contain entries modified at or after the
// cutoff, and delivers every qualifying live pair and tombstone to the
// caller's callback. Sibling subtrees descend concurrently; the number of
// blocks held or pending at any instant is bounded by two configured
// ceilings independent of tree size.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/INLOpen/nexustree/btree"
	"github.com/INLOpen/nexustree/config"
	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

// Config holds the two admission ceilings. MaxBreadthBlocks bounds blocks
// simultaneously held or pending across the whole traversal;
// MaxPendingBlocks bounds blocks awaiting acquisition completion. The
// ceilings are hard: a sibling whose admission would exceed either one
// queues at the gate instead of being acquired.
type Config struct {
	MaxBreadthBlocks int64
	MaxPendingBlocks int64
}

func (c Config) withDefaults() Config {
	if c.MaxBreadthBlocks <= 0 {
		c.MaxBreadthBlocks = config.DefaultMaxBreadthBlocks
	}
	if c.MaxPendingBlocks <= 0 {
		c.MaxPendingBlocks = config.DefaultMaxPendingBlocks
	}
	if c.MaxPendingBlocks > c.MaxBreadthBlocks {
		c.MaxPendingBlocks = c.MaxBreadthBlocks
	}
	return c
}

// Options carries optional collaborators for a traversal.
type Options struct {
	Config Config
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Backfill is the state of one running traversal. It is created by Start
// and owns every block handle it acquires until release; no handle outlives
// the unit of work that acquired it.
type Backfill struct {
	txn    *pager.ReadTxn
	cutoff int64
	onPair core.PairFunc
	onDone core.DoneFunc
	cfg    Config

	logger *slog.Logger
	tracer trace.Tracer

	// blockSem admits into the live set (held + pending); pendingSem bounds
	// in-flight acquisitions. Both are released as work resolves.
	blockSem   *semaphore.Weighted
	pendingSem *semaphore.Weighted

	live    atomic.Int64
	maxLive atomic.Int64

	// shutdown is the cooperative cancellation flag. Units of work check it
	// at suspension points and unwind cleanly, still releasing every handle.
	shutdown atomic.Bool

	// cancel aborts waits after a fault. It is not used for cooperative
	// shutdown; in-flight acquisitions are allowed to complete.
	cancel context.CancelFunc

	roster heldRoster
	stats  statsCounters

	failMu   sync.Mutex
	firstErr error

	wg   sync.WaitGroup // spawned subtree descents
	done chan struct{}
}

// Start begins a traversal of txn's tree and returns immediately. onPair is
// invoked from multiple concurrent units of work; onDone fires exactly once
// when the traversal terminates. The transaction must stay open until then;
// Start does not close it.
func Start(ctx context.Context, txn *pager.ReadTxn, cutoff int64, onPair core.PairFunc, onDone core.DoneFunc, opts Options) *Backfill {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config.withDefaults()

	b := &Backfill{
		txn:        txn,
		cutoff:     cutoff,
		onPair:     onPair,
		onDone:     onDone,
		cfg:        cfg,
		logger:     logger.With("component", "backfill", "cutoff", cutoff),
		tracer:     opts.Tracer,
		blockSem:   semaphore.NewWeighted(cfg.MaxBreadthBlocks),
		pendingSem: semaphore.NewWeighted(cfg.MaxPendingBlocks),
		done:       make(chan struct{}),
	}

	ctx, b.cancel = context.WithCancel(ctx)
	go b.run(ctx)
	return b
}

// RequestShutdown sets the cooperative cancellation flag. It does not
// block; onDone still fires once outstanding work drains.
func (b *Backfill) RequestShutdown() {
	if b.shutdown.CompareAndSwap(false, true) {
		b.logger.Info("shutdown requested")
	}
}

// Done returns a channel closed after onDone has been invoked.
func (b *Backfill) Done() <-chan struct{} { return b.done }

// Wait blocks until the traversal has terminated.
func (b *Backfill) Wait() { <-b.done }

// Stats returns a snapshot of the traversal's counters.
func (b *Backfill) Stats() Stats {
	s := b.stats.snapshot()
	s.MaxLiveBlocks = b.maxLive.Load()
	return s
}

func (b *Backfill) run(ctx context.Context) {
	defer close(b.done)
	start := time.Now()

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "Backfill.run")
		span.SetAttributes(attribute.Int64("backfill.cutoff", b.cutoff))
		defer span.End()
	}

	err := b.traverse(ctx)
	// Every spawned unit of work must finish before the traversal reports
	// done, even when unwinding from a fault.
	b.wg.Wait()
	b.cancel()

	if recorded := b.recordedErr(); recorded != nil {
		err = recorded
	}

	var status core.BackfillStatus
	switch {
	case err == nil:
		status = core.BackfillCompleted
	case errors.Is(err, core.ErrShutdownRequested):
		status = core.BackfillCancelled
		err = nil
	default:
		status = core.BackfillFailed
	}

	// Handle hygiene: everything acquired must have been released.
	if live := b.live.Load(); live != 0 && status != core.BackfillFailed {
		status = core.BackfillFailed
		err = core.NewInvariantError("traversal drained with %d live blocks", live)
	}

	s := b.Stats()
	b.logger.Info("backfill finished",
		"status", status.String(),
		"duration", time.Since(start),
		"pairs", s.PairsEmitted,
		"blocks_acquired", s.BlocksAcquired,
		"subtrees_skipped", s.SubtreesSkipped,
		"max_live_blocks", s.MaxLiveBlocks,
		"error", err)
	if span != nil {
		span.SetAttributes(
			attribute.String("backfill.status", status.String()),
			attribute.Int64("backfill.pairs", int64(s.PairsEmitted)),
			attribute.Int64("backfill.blocks_acquired", int64(s.BlocksAcquired)),
			attribute.Int64("backfill.subtrees_skipped", int64(s.SubtreesSkipped)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "backfill_failed")
		}
	}

	b.onDone(status, err)
}

// traverse acquires the superblock under the read transaction and visits
// the root as the first unit of work. A null root is an empty tree and
// completes immediately.
func (b *Backfill) traverse(ctx context.Context) error {
	root := b.txn.Root()
	if root == core.NullBlockID {
		b.logger.Debug("empty tree, nothing to backfill")
		return nil
	}

	super, err := b.acquire(ctx, 0, core.SuperblockID)
	if err != nil {
		return err
	}
	if super.Kind() != core.BlockKindSuper {
		kind := super.Kind()
		if relErr := b.release(super, 0); relErr != nil {
			return relErr
		}
		return core.NewStorageFault(core.SuperblockID, "classify",
			fmt.Errorf("expected superblock, found %s: %w", kind, core.ErrCorrupted))
	}
	sb, err := btree.DecodeSuperblock(super.Payload())
	if err != nil {
		if relErr := b.release(super, 0); relErr != nil {
			return relErr
		}
		return core.NewStorageFault(core.SuperblockID, "decode", err)
	}
	if sb.Root != root {
		if relErr := b.release(super, 0); relErr != nil {
			return relErr
		}
		return core.NewStorageFault(core.SuperblockID, "decode",
			fmt.Errorf("superblock root %d disagrees with transaction root %d: %w", sb.Root, root, core.ErrCorrupted))
	}

	// The root is its own first unit of work: a single-element sibling
	// batch at depth zero, with the superblock as its parent.
	return b.visitSubtrees(ctx, super, 0, []core.BlockID{root})
}

// fail records the first fatal error and aborts outstanding waits. Shutdown
// unwinds are not faults and are not recorded.
func (b *Backfill) fail(err error) {
	if err == nil || errors.Is(err, core.ErrShutdownRequested) {
		return
	}
	b.failMu.Lock()
	first := b.firstErr == nil
	if first {
		b.firstErr = err
	}
	b.failMu.Unlock()
	if first {
		b.logger.Error("backfill aborting", "error", err)
		b.cancel()
	}
}

func (b *Backfill) recordedErr() error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.firstErr
}

// acquire admits one block into the live set and acquires its handle. The
// admission gate blocks while either ceiling is reached; the pending permit
// is returned as soon as the acquisition resolves, the live permit when the
// handle is released.
func (b *Backfill) acquire(ctx context.Context, level int, id core.BlockID) (*pager.BlockHandle, error) {
	if err := b.pendingSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("traversal interrupted while awaiting admission: %w", err)
	}
	if err := b.blockSem.Acquire(ctx, 1); err != nil {
		b.pendingSem.Release(1)
		return nil, fmt.Errorf("traversal interrupted while awaiting admission: %w", err)
	}

	live := b.live.Add(1)
	for {
		max := b.maxLive.Load()
		if live <= max || b.maxLive.CompareAndSwap(max, live) {
			break
		}
	}
	if live > b.cfg.MaxBreadthBlocks {
		b.live.Add(-1)
		b.blockSem.Release(1)
		b.pendingSem.Release(1)
		return nil, core.NewInvariantError("live block count %d exceeds ceiling %d", live, b.cfg.MaxBreadthBlocks)
	}

	h, err := b.txn.AcquireBlock(ctx, id)
	b.pendingSem.Release(1)
	if err != nil {
		b.live.Add(-1)
		b.blockSem.Release(1)
		if core.IsStorageFault(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, core.NewStorageFault(id, "acquire", err)
	}

	b.stats.blocksAcquired.Add(1)
	b.roster.add(level, id)
	return h, nil
}

// release returns a handle and its live permit.
func (b *Backfill) release(h *pager.BlockHandle, level int) error {
	b.roster.remove(level, h.ID())
	err := h.Release()
	b.live.Add(-1)
	b.blockSem.Release(1)
	b.stats.blocksReleased.Add(1)
	return err
}

// heldRoster tracks currently held blocks by depth level. It exists for
// bookkeeping and debugging only; ownership stays with the unit of work.
type heldRoster struct {
	mu      sync.Mutex
	byLevel map[int]map[core.BlockID]struct{}
}

func (r *heldRoster) add(level int, id core.BlockID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLevel == nil {
		r.byLevel = make(map[int]map[core.BlockID]struct{})
	}
	m := r.byLevel[level]
	if m == nil {
		m = make(map[core.BlockID]struct{})
		r.byLevel[level] = m
	}
	m[id] = struct{}{}
}

func (r *heldRoster) remove(level int, id core.BlockID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.byLevel[level]; m != nil {
		delete(m, id)
	}
}

// HeldByLevel returns a snapshot of currently held block ids per level.
func (b *Backfill) HeldByLevel() map[int][]core.BlockID {
	b.roster.mu.Lock()
	defer b.roster.mu.Unlock()
	out := make(map[int][]core.BlockID, len(b.roster.byLevel))
	for level, m := range b.roster.byLevel {
		if len(m) == 0 {
			continue
		}
		ids := make([]core.BlockID, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		out[level] = ids
	}
	return out
}
