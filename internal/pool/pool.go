// Package pool owns the loaded models and admission control. A global
// weighted semaphore bounds the number of simultaneously live sessions
// across every model, while each model additionally keeps a bounded LRU of
// idle warm sessions so release can cap how many sessions per model are
// retained.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
)

// NoTimeout tells acquire to block until ctx is done rather than convert a
// deadline into Timeout.
const NoTimeout time.Duration = -1

// Handle is an exclusive, non-clonable session handle. Only the goroutine
// that received it from acquire or WithSession may call its methods; the
// pool guarantees this by handing out exactly one Handle per session at a
// time and never copying the underlying Session into a second Handle.
type Handle struct {
	session  llmengine.Session
	modelKey string
	pool     *Pool

	mu       sync.Mutex
	poisoned bool
	released bool
}

// Session returns the underlying inference session.
func (h *Handle) Session() llmengine.Session { return h.session }

// ModelKey is the model this handle's session was created from.
func (h *Handle) ModelKey() string { return h.modelKey }

// Poison marks the session as unfit for reuse; release will close it
// instead of returning it to the idle pool.
func (h *Handle) Poison() {
	h.mu.Lock()
	h.poisoned = true
	h.mu.Unlock()
}

// Pool owns every loaded model's idle-session LRU and the global admission
// semaphore.
type Pool struct {
	engine      llmengine.Engine
	sem         *semaphore.Weighted
	held        atomic.Int64
	defaultIdle int

	mu     sync.Mutex
	models map[string]*modelSlot
}

type modelSlot struct {
	model kilnmodel.Model
	mu    sync.Mutex
	idle  *lru.Cache[int64, llmengine.Session]
	seq   int64
	live  int
}

// New constructs a Pool with a global concurrency limit of maxConcurrent.
// maxIdlePerModel is the default cap on warm sessions retained per model,
// used when Register is not given its own.
func New(engine llmengine.Engine, maxConcurrent int, maxIdlePerModel int) *Pool {
	if maxIdlePerModel <= 0 {
		maxIdlePerModel = 1
	}
	return &Pool{
		engine:      engine,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		defaultIdle: maxIdlePerModel,
		models:      make(map[string]*modelSlot),
	}
}

// Register loads m through the engine and makes it available to acquire.
func (p *Pool) Register(ctx context.Context, m kilnmodel.Model, maxIdlePerModel int) error {
	if err := p.engine.LoadModel(ctx, m); err != nil {
		return kilnerr.Wrapf(kilnerr.ErrModelLoadFailed, "model %q: %v", m.Key, err)
	}
	if maxIdlePerModel <= 0 {
		maxIdlePerModel = p.defaultIdle
	}
	idle, err := lru.NewWithEvict[int64, llmengine.Session](maxIdlePerModel, func(_ int64, s llmengine.Session) {
		_ = s.Close()
	})
	if err != nil {
		return kilnerr.Wrapf(kilnerr.ErrInternal, "idle LRU for %q: %v", m.Key, err)
	}
	p.mu.Lock()
	p.models[m.Key] = &modelSlot{model: m, idle: idle}
	p.mu.Unlock()
	return nil
}

func (p *Pool) slot(modelKey string) (*modelSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.models[modelKey]
	return s, ok
}

// Acquire blocks until a global permit and a per-model session are
// available. timeout==0 is a non-blocking try (Busy if unavailable),
// timeout<0 blocks until ctx is done, and a positive timeout blocks up to
// that duration, converting a deadline expiry into Timeout.
func (p *Pool) Acquire(ctx context.Context, modelKey string, timeout time.Duration) (*Handle, error) {
	slot, ok := p.slot(modelKey)
	if !ok {
		return nil, kilnerr.Wrapf(kilnerr.ErrUnknownModel, "model %q", modelKey)
	}

	if err := p.acquirePermit(ctx, timeout); err != nil {
		return nil, err
	}

	sess := slot.popIdle()
	if sess == nil {
		s, err := p.engine.NewSession(ctx, modelKey)
		if err != nil {
			p.sem.Release(1)
			p.held.Add(-1)
			return nil, kilnerr.Wrapf(kilnerr.ErrModelLoadFailed, "new session for %q: %v", modelKey, err)
		}
		sess = s
	}
	slot.incLive()

	return &Handle{session: sess, modelKey: modelKey, pool: p}, nil
}

func (p *Pool) acquirePermit(ctx context.Context, timeout time.Duration) error {
	switch {
	case timeout == 0:
		if !p.sem.TryAcquire(1) {
			return kilnerr.Wrap(kilnerr.ErrBusy, "acquire")
		}
	case timeout < 0:
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return waitErr(ctx)
		}
	default:
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.sem.Acquire(cctx, 1); err != nil {
			if ctx.Err() != nil {
				return waitErr(ctx)
			}
			return kilnerr.Wrap(kilnerr.ErrTimeout, "acquire")
		}
	}
	p.held.Add(1)
	return nil
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return kilnerr.Wrap(kilnerr.ErrCancelled, "acquire")
	}
	return kilnerr.Wrap(kilnerr.ErrTimeout, "acquire")
}

// Release returns h's session to the idle pool, or closes it if poisoned,
// and frees the global permit. Safe to call more than once; only the first
// call has an effect, matching a guaranteed-release-on-every-exit-path
// defer pattern.
func (p *Pool) Release(h *Handle) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	poisoned := h.poisoned
	h.mu.Unlock()

	slot, ok := p.slot(h.modelKey)
	if ok {
		slot.decLive()
		if poisoned {
			_ = h.session.Close()
		} else {
			slot.pushIdle(h.session)
		}
	}
	p.sem.Release(1)
	p.held.Add(-1)
}

// WithSession is the scoped acquisition API: it guarantees release on every
// exit path (normal return, error, panic-free cancellation) by deferring
// Release immediately after a successful Acquire.
func (p *Pool) WithSession(ctx context.Context, modelKey string, timeout time.Duration, f func(*Handle) error) error {
	h, err := p.Acquire(ctx, modelKey, timeout)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return f(h)
}

// HeldPermits is the number of global permits currently in use.
func (p *Pool) HeldPermits() int {
	return int(p.held.Load())
}

// Models lists every registered model's key.
func (p *Pool) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.models))
	for k := range p.models {
		out = append(out, k)
	}
	return out
}

// LiveSessions reports the number of currently-checked-out sessions per
// model.
func (p *Pool) LiveSessions() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.models))
	for k, s := range p.models {
		s.mu.Lock()
		out[k] = s.live
		s.mu.Unlock()
	}
	return out
}

func (s *modelSlot) popIdle() llmengine.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.idle.Keys()
	if len(keys) == 0 {
		return nil
	}
	key := keys[len(keys)-1]
	sess, _ := s.idle.Get(key)
	s.idle.Remove(key)
	return sess
}

func (s *modelSlot) pushIdle(sess llmengine.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.idle.Add(s.seq, sess)
}

func (s *modelSlot) incLive() {
	s.mu.Lock()
	s.live++
	s.mu.Unlock()
}

func (s *modelSlot) decLive() {
	s.mu.Lock()
	if s.live > 0 {
		s.live--
	}
	s.mu.Unlock()
}
