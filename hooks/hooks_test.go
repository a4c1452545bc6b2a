package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexustree/core"
)

func TestHookManagerPriorityOrder(t *testing.T) {
	m := NewHookManager(nil)

	var order []int
	mk := func(pri int) HookListener {
		return &FuncListener{
			Fn: func(context.Context, HookEvent) error {
				order = append(order, pri)
				return nil
			},
			Pri: pri,
		}
	}
	m.Register(EventPreBackfill, mk(30))
	m.Register(EventPreBackfill, mk(10))
	m.Register(EventPreBackfill, mk(20))

	cutoff := int64(5)
	err := m.Trigger(context.Background(), NewPreBackfillEvent(PreBackfillPayload{Cutoff: &cutoff}))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestHookManagerPreHookCancels(t *testing.T) {
	m := NewHookManager(nil)
	errVeto := errors.New("retention floor violated")

	m.Register(EventPreBackfill, &FuncListener{
		Fn:  func(context.Context, HookEvent) error { return errVeto },
		Pri: 1,
	})
	var laterRan bool
	m.Register(EventPreBackfill, &FuncListener{
		Fn:  func(context.Context, HookEvent) error { laterRan = true; return nil },
		Pri: 2,
	})

	cutoff := int64(5)
	err := m.Trigger(context.Background(), NewPreBackfillEvent(PreBackfillPayload{Cutoff: &cutoff}))
	require.ErrorIs(t, err, errVeto)
	assert.False(t, laterRan, "listeners after a failing pre-hook must not run")
}

func TestHookManagerPreHookMutatesCutoff(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventPreBackfill, &FuncListener{
		Fn: func(_ context.Context, e HookEvent) error {
			p := e.Payload().(PreBackfillPayload)
			if *p.Cutoff < 100 {
				*p.Cutoff = 100
			}
			return nil
		},
	})

	cutoff := int64(5)
	require.NoError(t, m.Trigger(context.Background(), NewPreBackfillEvent(PreBackfillPayload{Cutoff: &cutoff})))
	assert.Equal(t, int64(100), cutoff)
}

func TestHookManagerPostHookErrorsDoNotPropagate(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventPostBackfill, &FuncListener{
		Fn: func(context.Context, HookEvent) error { return errors.New("sink broke") },
	})

	err := m.Trigger(context.Background(), NewPostBackfillEvent(PostBackfillPayload{
		Status: core.BackfillCompleted,
	}))
	assert.NoError(t, err, "post-hook errors are logged, not returned")
}

func TestHookManagerAsyncPostHook(t *testing.T) {
	m := NewHookManager(nil)
	done := make(chan core.BlockID, 1)
	m.Register(EventOnCacheEviction, &FuncListener{
		Fn: func(_ context.Context, e HookEvent) error {
			done <- e.Payload().(CachePayload).BlockID
			return nil
		},
		RunAsync: true,
	})

	require.NoError(t, m.Trigger(context.Background(), NewOnCacheEvictionEvent(CachePayload{BlockID: 7})))
	m.Stop()

	select {
	case id := <-done:
		assert.Equal(t, core.BlockID(7), id)
	default:
		t.Fatal("async listener did not run before Stop returned")
	}
}

func TestHookManagerNoListeners(t *testing.T) {
	m := NewHookManager(nil)
	assert.NoError(t, m.Trigger(context.Background(), NewPreCloseEngineEvent()))
	assert.NoError(t, m.Trigger(context.Background(), NewPostCloseEngineEvent()))
}
