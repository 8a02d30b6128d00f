// Package backend is the façade a transport binds to. Task, model, and
// memory names are resolved at call time, so task -> memory ->
// embedding-model never needs to cycle through held references;
// configuration carries only string keys. It composes internal/runner and
// internal/memengine and owns nothing else.
package backend

import (
	"context"

	"kiln/internal/kilnmodel"
	"kiln/internal/memengine"
	"kiln/internal/runner"
)

// Backend is the façade exposed to a transport.
type Backend struct {
	run *runner.Runner
	mem *memengine.Engine
}

// New constructs a Backend over an already-populated runner and memory
// engine; mem may be nil when no memory is configured.
func New(run *runner.Runner, mem *memengine.Engine) *Backend {
	return &Backend{run: run, mem: mem}
}

// ListModels returns every loaded model's name.
func (b *Backend) ListModels() []string {
	return b.run.Models()
}

// ListTasks returns every registered task's name.
func (b *Backend) ListTasks() []string {
	return b.run.Names()
}

// ListMemories returns every registered memory's name.
func (b *Backend) ListMemories() []string {
	if b.mem == nil {
		return nil
	}
	return b.mem.Names()
}

// Stats returns the runner's cumulative counters and current admission
// state.
func (b *Backend) Stats() kilnmodel.TaskStats {
	return b.run.Stats()
}

// Complete runs task to termination and returns the full output.
func (b *Backend) Complete(ctx context.Context, task, prompt string, ov kilnmodel.Overrides) (string, kilnmodel.StopReason, error) {
	return b.run.Complete(ctx, task, prompt, ov)
}

// Stream runs task, invoking emit with each piece of output as it is
// produced.
func (b *Backend) Stream(ctx context.Context, task, prompt string, ov kilnmodel.Overrides, emit func(string) error) (kilnmodel.StopReason, error) {
	return b.run.Stream(ctx, task, prompt, ov, emit)
}

// Chat opens a new chat session pinned to task.
func (b *Backend) Chat(ctx context.Context, task string) (*runner.ChatSession, error) {
	return b.run.NewChatSession(ctx, task)
}

// Embed computes model's embedding of prompt.
func (b *Backend) Embed(ctx context.Context, model, prompt string) ([]float32, error) {
	return b.run.Embed(ctx, model, prompt)
}

// Recall returns the n nearest chunk payloads to prompt in memory.
func (b *Backend) Recall(ctx context.Context, memory, prompt string, n int) ([]string, error) {
	if b.mem == nil {
		return nil, errNoMemoryConfigured(memory)
	}
	return b.mem.Recall(ctx, memory, prompt, n)
}

// Remember extracts text from bytes per mime, chunks it, embeds each
// chunk, and upserts it into memory. When wait is false, ingestion
// continues in the background after Remember returns.
func (b *Backend) Remember(ctx context.Context, memory, sourceID, mime string, data []byte, wait bool) error {
	if b.mem == nil {
		return errNoMemoryConfigured(memory)
	}
	text, err := extractText(mime, data)
	if err != nil {
		return err
	}
	return b.mem.Remember(ctx, memory, sourceID, text, wait)
}

// Forget clears every entry from memory.
func (b *Backend) Forget(ctx context.Context, memory string) error {
	if b.mem == nil {
		return errNoMemoryConfigured(memory)
	}
	return b.mem.Forget(ctx, memory)
}

// Health reports per-memory store reachability: "ok" for a healthy or
// purely local store, the error string otherwise.
func (b *Backend) Health(ctx context.Context) map[string]string {
	out := make(map[string]string)
	if b.mem == nil {
		return out
	}
	for name, err := range b.mem.Ping(ctx) {
		if err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}

// Close releases every subsystem's resources.
func (b *Backend) Close() error {
	if b.mem == nil {
		return nil
	}
	return b.mem.Close()
}
