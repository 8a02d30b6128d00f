package runner

import (
	"context"
	"sync"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/pool"
)

// ChatSession pins one acquired handle for its entire lifetime. A chat
// task's prelude is fed exactly once, when the first turn runs, and each
// subsequent turn wraps only the new user message in prefix/postfix before
// running the same generation loop completion/stream requests use.
type ChatSession struct {
	r      *Runner
	task   kilnmodel.Task
	handle *pool.Handle

	mu         sync.Mutex
	preludeFed bool
	closed     bool
}

// NewChatSession acquires a session for task and returns a live chat
// session holding it. Close must be called to release the handle.
func (r *Runner) NewChatSession(ctx context.Context, taskName string) (*ChatSession, error) {
	t, err := r.task(taskName)
	if err != nil {
		return nil, err
	}
	h, err := r.pool.Acquire(ctx, t.ModelKey, pool.NoTimeout)
	if err != nil {
		return nil, err
	}
	h.Session().Reset()
	return &ChatSession{r: r, task: t, handle: h}, nil
}

// Turn runs one user message through the chat task's generation loop,
// streaming the reply to emit.
func (c *ChatSession) Turn(ctx context.Context, userPrompt string, ov kilnmodel.Overrides, emit func(string) error) (kilnmodel.StopReason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", kilnerr.Wrap(kilnerr.ErrCancelled, "chat session already closed")
	}
	if err := preflight(c.task, userPrompt); err != nil {
		return "", err
	}

	full, err := c.r.assemblePrompt(ctx, c.task, userPrompt, !c.preludeFed)
	if err != nil {
		return "", err
	}
	c.preludeFed = true

	reason, tokensOut, err := c.r.run(ctx, c.handle, c.task, full, ov, emit)
	if err != nil {
		c.handle.Poison()
	}
	if reason != "" {
		c.r.record(tokensOut, reason)
	}
	return reason, err
}

// Complete runs Turn and collects the reply into a single string.
func (c *ChatSession) Complete(ctx context.Context, userPrompt string, ov kilnmodel.Overrides) (string, kilnmodel.StopReason, error) {
	var out []byte
	reason, err := c.Turn(ctx, userPrompt, ov, func(s string) error {
		out = append(out, s...)
		return nil
	})
	return string(out), reason, err
}

// Close releases the session's handle back to the pool. Safe to call more
// than once.
func (c *ChatSession) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.r.pool.Release(c.handle)
}
