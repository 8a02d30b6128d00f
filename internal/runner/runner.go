// Package runner executes single requests against named tasks, composing
// the model pool, the biaser, and the memory engine. It owns prompt
// assembly, the single- and two-phase generation loops, stop-condition
// handling, and the output-side buffering that keeps stop sequences and
// private tokens from leaking across token boundaries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"kiln/internal/biaser"
	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
	"kiln/internal/memengine"
	"kiln/internal/pool"
	"kiln/internal/telemetry"
	"kiln/internal/tokenizer"
)

// Runner executes requests against a fixed set of named tasks.
type Runner struct {
	pool    *pool.Pool
	mem     *memengine.Engine
	metrics telemetry.Metrics

	mu    sync.Mutex
	tasks map[string]kilnmodel.Task
	stats kilnmodel.TaskStats
}

// New constructs a Runner. mem may be nil if no task configures a memory
// binding.
func New(p *pool.Pool, mem *memengine.Engine) *Runner {
	return &Runner{pool: p, mem: mem, metrics: telemetry.NopMetrics{}, tasks: make(map[string]kilnmodel.Task), stats: kilnmodel.NewTaskStats()}
}

// SetMetrics installs the sink every request's counters and histograms are
// recorded against. Optional: passing nil installs telemetry.NopMetrics.
func (r *Runner) SetMetrics(m telemetry.Metrics) {
	if m == nil {
		m = telemetry.NopMetrics{}
	}
	r.metrics = m
}

// Register validates and adds a task definition. Model and memory
// existence is checked by the caller (the config loader resolves
// cross-references before Register is ever called); Register itself only
// rejects a task whose biaser schema fails to compile.
func (r *Runner) Register(tok tokenizer.View, t kilnmodel.Task) error {
	if len(t.BiaserSchema) > 0 {
		if _, err := biaser.NewJSONSchema(t.BiaserSchema, tok, t.CompactJSON); err != nil {
			return kilnerr.Wrapf(kilnerr.ErrConfigInvalid, "task %q: biaser schema: %v", t.Name, err)
		}
	}
	r.mu.Lock()
	r.tasks[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Models lists every model registered with the pool, for the façade's
// list_models().
func (r *Runner) Models() []string {
	return r.pool.Models()
}

// Names lists every registered task, for the façade's list_tasks().
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	return out
}

func (r *Runner) task(name string) (kilnmodel.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		return kilnmodel.Task{}, kilnerr.Wrapf(kilnerr.ErrUnknownTask, "task %q", name)
	}
	return t, nil
}

// Stats returns a snapshot of cumulative counters plus the pool's current
// admission state, for the façade's stats().
func (r *Runner) Stats() kilnmodel.TaskStats {
	r.mu.Lock()
	snap := kilnmodel.TaskStats{
		Requests:    r.stats.Requests,
		TokensOut:   r.stats.TokensOut,
		StopReasons: make(map[kilnmodel.StopReason]int64, len(r.stats.StopReasons)),
	}
	for k, v := range r.stats.StopReasons {
		snap.StopReasons[k] = v
	}
	r.mu.Unlock()
	snap.HeldPermits = r.pool.HeldPermits()
	snap.LiveSessions = r.pool.LiveSessions()
	return snap
}

func (r *Runner) record(tokensOut int, reason kilnmodel.StopReason) {
	r.mu.Lock()
	r.stats.Requests++
	r.stats.TokensOut += int64(tokensOut)
	r.stats.StopReasons[reason]++
	r.mu.Unlock()
}

func preflight(t kilnmodel.Task, userInput string) error {
	for _, p := range t.PrivateTokens {
		if p != "" && strings.Contains(userInput, p) {
			return kilnerr.Wrapf(kilnerr.ErrPrivateTokenInInput, "task %q", t.Name)
		}
	}
	return nil
}

func effectiveMaxTokens(t kilnmodel.Task, ov kilnmodel.Overrides) int {
	if ov.HasMaxTokens && ov.MaxTokens > 0 {
		return ov.MaxTokens
	}
	if t.MaxTokens > 0 {
		return t.MaxTokens
	}
	return 512
}

// assemblePrompt builds [prelude?, memorized chunks?, prefix, user_prompt,
// postfix].
func (r *Runner) assemblePrompt(ctx context.Context, t kilnmodel.Task, userPrompt string, includePrelude bool) (string, error) {
	var b strings.Builder
	if includePrelude && t.Prelude != "" {
		b.WriteString(t.Prelude)
	}
	if t.HasMemory() && r.mem != nil {
		n := t.RetrieveN
		if n <= 0 {
			n = 3
		}
		chunks, err := r.mem.Recall(ctx, t.MemoryKey, userPrompt, n)
		if err != nil {
			return "", fmt.Errorf("runner: recall for task %q: %w", t.Name, err)
		}
		if len(chunks) > 0 {
			b.WriteString(strings.Join(chunks, "\n"))
		}
	}
	b.WriteString(t.Prefix)
	b.WriteString(userPrompt)
	b.WriteString(t.Postfix)
	return b.String(), nil
}

// Complete runs a one-shot completion to termination and returns the full
// user-visible text.
func (r *Runner) Complete(ctx context.Context, taskName, prompt string, ov kilnmodel.Overrides) (string, kilnmodel.StopReason, error) {
	var out strings.Builder
	reason, err := r.Stream(ctx, taskName, prompt, ov, func(s string) error {
		out.WriteString(s)
		return nil
	})
	return out.String(), reason, err
}

// Stream runs a completion, invoking emit with each user-visible piece of
// text as it becomes available.
func (r *Runner) Stream(ctx context.Context, taskName, prompt string, ov kilnmodel.Overrides, emit func(string) error) (kilnmodel.StopReason, error) {
	t, err := r.task(taskName)
	if err != nil {
		return "", err
	}
	if err := preflight(t, prompt); err != nil {
		return "", err
	}

	// Assembled before acquiring the generation session: recall embeds the
	// prompt through the pool, and doing that while holding a permit would
	// wedge a pool with a single permit.
	full, err := r.assemblePrompt(ctx, t, prompt, true)
	if err != nil {
		return "", err
	}

	var reason kilnmodel.StopReason
	var tokensOut int
	err = r.pool.WithSession(ctx, t.ModelKey, pool.NoTimeout, func(h *pool.Handle) error {
		h.Session().Reset()
		var gerr error
		reason, tokensOut, gerr = r.run(ctx, h, t, full, ov, emit)
		if gerr != nil {
			h.Poison()
		}
		return gerr
	})
	if reason != "" {
		r.record(tokensOut, reason)
		r.metrics.IncCounter("kiln_requests_total", map[string]string{"task": taskName, "stop_reason": string(reason)})
		r.metrics.ObserveHistogram("kiln_tokens_out", float64(tokensOut), map[string]string{"task": taskName})
	}
	return reason, err
}

// run feeds prompt into an already-acquired handle's session and executes
// either the single-phase or the two-phase generation protocol.
func (r *Runner) run(ctx context.Context, h *pool.Handle, t kilnmodel.Task, prompt string, ov kilnmodel.Overrides, emit func(string) error) (kilnmodel.StopReason, int, error) {
	sess := h.Session()
	if err := sess.Feed(ctx, prompt); err != nil {
		return classifyFeedErr(err)
	}

	maxTokens := effectiveMaxTokens(t, ov)

	if t.TwoPhase() {
		// Phase 1: unconstrained, discarded from the client's view but kept
		// in session history.
		reason, _, err := r.generate(ctx, h, t, nil, maxTokens, discard)
		if err != nil {
			return reason, 0, err
		}
		if err := sess.Feed(ctx, t.BiasPrompt); err != nil {
			return classifyFeedErr(err)
		}
		b, berr := r.newBiaser(t, sess)
		if berr != nil {
			return kilnmodel.StopBiaserStuck, 0, berr
		}
		return r.generate(ctx, h, t, b, maxTokens, emit)
	}

	var b biaser.Biaser
	if len(t.BiaserSchema) > 0 {
		nb, err := r.newBiaser(t, sess)
		if err != nil {
			return kilnmodel.StopBiaserStuck, 0, err
		}
		b = nb
	}
	return r.generate(ctx, h, t, b, maxTokens, emit)
}

func discard(string) error { return nil }

func (r *Runner) newBiaser(t kilnmodel.Task, sess llmengine.Session) (biaser.Biaser, error) {
	return biaser.NewJSONSchema(t.BiaserSchema, sess.Tokenizer(), t.CompactJSON)
}

func classifyFeedErr(err error) (kilnmodel.StopReason, int, error) {
	if errors.Is(err, kilnerr.ErrContextFull) {
		return kilnmodel.StopContextFull, 0, err
	}
	return kilnmodel.StopCancelled, 0, err
}

// generate runs the sample-filter-emit loop until one of the terminal
// conditions fires.
func (r *Runner) generate(ctx context.Context, h *pool.Handle, t kilnmodel.Task, b biaser.Biaser, maxTokens int, emit func(string) error) (kilnmodel.StopReason, int, error) {
	sess := h.Session()
	tok := sess.Tokenizer()
	filter := newOutputFilter(t.StopSequences, t.PrivateTokens)

	produced := 0
	for {
		if ctx.Err() != nil {
			return kilnmodel.StopCancelled, produced, kilnerr.Wrap(kilnerr.ErrCancelled, "generate")
		}

		var bias kilnmodel.BiasMap
		if b != nil {
			r.metrics.IncCounter("kiln_biaser_steps_total", nil)
			adm := b.Admissible()
			switch adm.Kind {
			case biaser.None:
				if b.Stuck() {
					return kilnmodel.StopBiaserStuck, produced, kilnerr.Wrap(kilnerr.ErrBiaserStuck, "generate")
				}
				if err := flushFinal(filter, emit); err != nil {
					return kilnmodel.StopCancelled, produced, err
				}
				return kilnmodel.StopEndOfText, produced, nil
			case biaser.Only:
				// A singleton admissible set is a forced continuation: the
				// bias map forbids every other token, so Sample returns it
				// deterministically without needing a separate commit path
				// on the Session interface.
				bias = forbidAllExcept(tok.VocabSize(), adm.Tokens)
			}
		}

		tokenID, err := sess.Sample(ctx, bias)
		if err != nil {
			if errors.Is(err, kilnerr.ErrContextFull) {
				ferr := flushFinal(filter, emit)
				if ferr != nil {
					return kilnmodel.StopCancelled, produced, ferr
				}
				return kilnmodel.StopContextFull, produced, err
			}
			return kilnmodel.StopCancelled, produced, err
		}

		if tokenID == tok.EndOfText() {
			if err := flushFinal(filter, emit); err != nil {
				return kilnmodel.StopCancelled, produced, err
			}
			return kilnmodel.StopEndOfText, produced, nil
		}

		if b != nil {
			if err := b.Advance(tokenID); err != nil {
				return kilnmodel.StopBiaserStuck, produced, kilnerr.Wrapf(kilnerr.ErrBiaserStuck, "advance: %v", err)
			}
		}

		text := tok.Decode([]int32{tokenID})
		produced++

		emitText, stopped := filter.push(text)
		if emitText != "" {
			if err := emit(emitText); err != nil {
				return kilnmodel.StopCancelled, produced, err
			}
		}
		if stopped {
			return kilnmodel.StopStopSequence, produced, nil
		}

		if produced >= maxTokens {
			if err := flushFinal(filter, emit); err != nil {
				return kilnmodel.StopCancelled, produced, err
			}
			return kilnmodel.StopMaxTokens, produced, nil
		}
	}
}

func flushFinal(f *outputFilter, emit func(string) error) error {
	if s := f.flush(); s != "" {
		return emit(s)
	}
	return nil
}

// forbidAllExcept builds the BiasMap the sampler needs to restrict its
// choice to allowed: every other vocabulary id is marked forbidden.
func forbidAllExcept(vocabSize int, allowed map[int32]bool) kilnmodel.BiasMap {
	bias := make(kilnmodel.BiasMap, vocabSize-len(allowed))
	for id := int32(0); id < int32(vocabSize); id++ {
		if !allowed[id] {
			bias.Forbid(id)
		}
	}
	return bias
}

// Embed feeds prompt to a fresh session of model and returns its mean-pooled
// embedding vector, without running the generation loop.
func (r *Runner) Embed(ctx context.Context, modelKey, prompt string) ([]float32, error) {
	var vec []float32
	err := r.pool.WithSession(ctx, modelKey, pool.NoTimeout, func(h *pool.Handle) error {
		sess := h.Session()
		sess.Reset()
		if err := sess.Feed(ctx, prompt); err != nil {
			return err
		}
		v, err := sess.Embed(ctx)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

func runeSafeLen(s string, want int) int {
	if want >= len(s) {
		return len(s)
	}
	for want > 0 && !utf8.RuneStart(s[want]) {
		want--
	}
	return want
}
