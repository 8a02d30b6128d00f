// Command kilnd loads a configuration document and serves the backend
// façade it describes over HTTP, SSE, and WebSocket. Startup errors are
// fatal: a model or memory that fails to register aborts the process.
package main

import (
	"context"
	"flag"
	"net/http"

	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/llmengine"
	"kiln/internal/logging"
	"kiln/internal/memengine"
	"kiln/internal/pool"
	"kiln/internal/runner"
	"kiln/internal/telemetry"
	"kiln/internal/tokenizer"
	"kiln/internal/transport"
	"kiln/internal/version"
)

func main() {
	configPath := flag.String("config", "kiln.yaml", "path to the kiln configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Log.WithError(err).Fatal("loading configuration")
	}

	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx, cfg.Observability)
	if err != nil {
		logging.Log.WithError(err).Fatal("setting up telemetry")
	}
	defer shutdown(ctx)

	// The underlying LLM execution engine is pluggable behind
	// llmengine.Engine; MemoryEngine is the reference implementation this
	// binary ships against.
	eng := llmengine.NewMemoryEngine()

	p := pool.New(eng, cfg.MaxConcurrent, 2)
	for name, m := range cfg.ToModels() {
		if err := p.Register(ctx, m, cfg.MaxIdleFor(name)); err != nil {
			logging.Log.WithError(err).WithField("model", name).Fatal("registering model")
		}
	}

	mem := memengine.New(p)
	for name, m := range cfg.ToMemories() {
		if err := mem.Register(ctx, m); err != nil {
			logging.Log.WithError(err).WithField("memory", name).Fatal("registering memory")
		}
	}

	run := runner.New(p, mem)
	run.SetMetrics(telemetry.NewOtelMetrics(func() int64 { return int64(p.HeldPermits()) }))
	tasks, err := cfg.ToTasks()
	if err != nil {
		logging.Log.WithError(err).Fatal("converting tasks")
	}
	for name, t := range tasks {
		tok, err := taskTokenizer(ctx, p, t.ModelKey)
		if err != nil {
			logging.Log.WithError(err).WithField("task", name).Fatal("loading task tokenizer")
		}
		if err := run.Register(tok, t); err != nil {
			logging.Log.WithError(err).WithField("task", name).Fatal("registering task")
		}
	}

	b := backend.New(run, mem)
	srv := transport.New(b, cfg.AllowedOrigins, cfg.AllowedKeys, cfg.Public)

	logging.Log.WithField("addr", cfg.BindAddress).WithField("version", version.Version).Info("kilnd listening")
	if err := http.ListenAndServe(cfg.BindAddress, srv); err != nil {
		logging.Log.WithError(err).Fatal("http server exited")
	}
}

// taskTokenizer briefly acquires a session on modelKey to read its
// tokenizer, the same one every session for that model shares, then
// releases the session back to the pool untouched.
func taskTokenizer(ctx context.Context, p *pool.Pool, modelKey string) (tokenizer.View, error) {
	h, err := p.Acquire(ctx, modelKey, pool.NoTimeout)
	if err != nil {
		return nil, err
	}
	defer p.Release(h)
	return h.Session().Tokenizer(), nil
}
