package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
)

func newTestPool(t *testing.T, maxConcurrent, maxIdle int) *Pool {
	t.Helper()
	eng := llmengine.NewMemoryEngine()
	p := New(eng, maxConcurrent, maxIdle)
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "m", ContextLen: 4096}, maxIdle))
	return p
}

func TestAdmissionBound(t *testing.T) {
	const capacity = 3
	p := newTestPool(t, capacity, 2)

	var mu sync.Mutex
	live, maxLive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < capacity*10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.WithSession(context.Background(), "m", NoTimeout, func(h *Handle) error {
				mu.Lock()
				live++
				if live > maxLive {
					maxLive = live
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				live--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, maxLive, capacity)
}

func TestAcquireUnknownModel(t *testing.T) {
	p := newTestPool(t, 1, 1)
	_, err := p.Acquire(context.Background(), "nope", NoTimeout)
	require.ErrorIs(t, err, kilnerr.ErrUnknownModel)
}

func TestAcquireBusyWhenZeroTimeout(t *testing.T) {
	p := newTestPool(t, 1, 1)
	h, err := p.Acquire(context.Background(), "m", NoTimeout)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "m", 0)
	require.ErrorIs(t, err, kilnerr.ErrBusy)

	p.Release(h)
	h2, err := p.Acquire(context.Background(), "m", 0)
	require.NoError(t, err)
	p.Release(h2)
}

func TestAcquireTimeoutConvertsDeadline(t *testing.T) {
	p := newTestPool(t, 1, 1)
	h, err := p.Acquire(context.Background(), "m", NoTimeout)
	require.NoError(t, err)
	defer p.Release(h)

	_, err = p.Acquire(context.Background(), "m", 20*time.Millisecond)
	require.ErrorIs(t, err, kilnerr.ErrTimeout)
}

func TestReleaseFreesPermitImmediately(t *testing.T) {
	p := newTestPool(t, 1, 1)
	h, err := p.Acquire(context.Background(), "m", NoTimeout)
	require.NoError(t, err)
	require.Equal(t, 1, p.HeldPermits())

	p.Release(h)
	require.Equal(t, 0, p.HeldPermits())

	h2, err := p.Acquire(context.Background(), "m", 0)
	require.NoError(t, err)
	p.Release(h2)
}

func TestPoisonedSessionIsNotReused(t *testing.T) {
	p := newTestPool(t, 1, 1)
	h, err := p.Acquire(context.Background(), "m", NoTimeout)
	require.NoError(t, err)
	first := h.Session()
	h.Poison()
	p.Release(h)

	h2, err := p.Acquire(context.Background(), "m", 0)
	require.NoError(t, err)
	require.NotSame(t, first, h2.Session())
	p.Release(h2)
}
