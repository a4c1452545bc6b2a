package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/INLOpen/nexustree/btree"
	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

// visitSubtrees processes one ordered batch of sibling block ids under an
// already-held parent. It prunes children whose subtree recency predates
// the cutoff, spawns a concurrent descent per survivor, waits for every
// child's acquisition signal, and only then releases the parent: once the
// children are independently admitted, the parent is never needed again.
// The parent handle is released on every path out of this function.
func (b *Backfill) visitSubtrees(ctx context.Context, parent *pager.BlockHandle, parentLevel int, ids []core.BlockID) error {
	if len(ids) == 0 {
		// Nothing beneath this parent; it completes immediately.
		return b.release(parent, parentLevel)
	}

	recencies, err := b.txn.SubtreeRecency(ids)
	if err != nil {
		b.fail(err)
		if relErr := b.release(parent, parentLevel); relErr != nil {
			return relErr
		}
		return err
	}

	level := parentLevel + 1
	// One acquisition signal per sibling, pulsed immediately for pruned
	// children and at admission for acquired ones. descendChild guarantees
	// the signal fires on every exit path, so a plain receive cannot hang.
	signals := make([]chan struct{}, len(ids))
	results := make([]error, len(ids))
	var children sync.WaitGroup

	for i, id := range ids {
		signals[i] = make(chan struct{})

		if recencies[i] < b.cutoff {
			// The subtree cannot contain a qualifying modification; skip it
			// without acquiring anything. This is the pruning rule that
			// makes the traversal cheap on mostly-old trees.
			b.stats.subtreesSkipped.Add(1)
			close(signals[i])
			continue
		}
		if b.shutdown.Load() {
			results[i] = core.ErrShutdownRequested
			close(signals[i])
			continue
		}

		children.Add(1)
		b.wg.Add(1)
		go func(i int, id core.BlockID) {
			defer b.wg.Done()
			defer children.Done()
			results[i] = b.descendChild(ctx, level, id, signals[i])
		}(i, id)
	}

	for i := range signals {
		<-signals[i]
	}

	// Children are all admitted (or skipped); the parent can go.
	relErr := b.release(parent, parentLevel)

	children.Wait()

	return firstMeaningful(relErr, results)
}

// descendChild is one unit of work: admit and acquire a single block, pulse
// its acquisition signal, then recurse (internal) or emit (leaf). The
// signal fires on every path, including admission failure.
func (b *Backfill) descendChild(ctx context.Context, level int, id core.BlockID, sig chan struct{}) error {
	sigFired := false
	fire := func() {
		if !sigFired {
			sigFired = true
			close(sig)
		}
	}
	defer fire()

	h, err := b.acquire(ctx, level, id)
	fire()
	if err != nil {
		b.fail(err)
		return err
	}

	if b.shutdown.Load() {
		if relErr := b.release(h, level); relErr != nil {
			b.fail(relErr)
			return relErr
		}
		return core.ErrShutdownRequested
	}

	switch h.Kind() {
	case core.BlockKindInternal:
		node, decErr := btree.DecodeInternalNode(h.Payload())
		if decErr != nil {
			fault := core.NewStorageFault(id, "decode", decErr)
			b.fail(fault)
			if relErr := b.release(h, level); relErr != nil {
				return relErr
			}
			return fault
		}
		return b.visitSubtrees(ctx, h, level, node.ChildIDs())

	case core.BlockKindLeaf:
		return b.emitLeaf(ctx, h, level)

	default:
		fault := core.NewStorageFault(id, "classify",
			fmt.Errorf("unexpected %s block in traversal: %w", h.Kind(), core.ErrCorrupted))
		b.fail(fault)
		if relErr := b.release(h, level); relErr != nil {
			return relErr
		}
		return fault
	}
}

// firstMeaningful reduces a batch's outcomes to one error, preferring real
// faults over cooperative-shutdown unwinds.
func firstMeaningful(relErr error, results []error) error {
	var shutdown error
	if relErr != nil {
		if errors.Is(relErr, core.ErrShutdownRequested) {
			shutdown = relErr
		} else {
			return relErr
		}
	}
	for _, err := range results {
		if err == nil {
			continue
		}
		if errors.Is(err, core.ErrShutdownRequested) {
			shutdown = err
			continue
		}
		return err
	}
	return shutdown
}
