package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// Deps builds the engine's collaborators from the init config. The worker
// entrypoint injects the real implementations; tests inject fakes.
type Deps struct {
	OpenStore  func(cfg protocol.InitConfig) (offline.QueueStore, error)
	NewFetcher func(cfg protocol.InitConfig, tracker *perf.Tracker) (offline.PageFetcher, error)
	NewSource  func(cfg protocol.InitConfig) (offline.MetadataSource, error)
}

// Run drives the worker process over one envelope stream: it waits for the
// init envelope, assembles the engine, answers ready, then serves commands
// until the stream closes or ctx is canceled. Lifecycle commands run on the
// read loop; everything else is dispatched on its own goroutine, so a slow
// catalog lookup never blocks a cancel. The host correlates responses by
// request id, not arrival order.
//
// Events are written from engine goroutines; the codec serializes frames, so
// they interleave safely with command results.
func Run(ctx context.Context, r io.Reader, w io.Writer, deps Deps, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := protocol.NewCodec(r, w)

	env, err := codec.Read()
	if err != nil {
		return fmt.Errorf("read init envelope: %w", err)
	}
	if env.Type != protocol.MessageInit {
		fatal := fmt.Errorf("expected init envelope, got %q", env.Type)
		_ = codec.Write(protocol.Envelope{Type: protocol.MessageFatalError, Error: fatal.Error()})
		return fatal
	}
	cfg := *env.Init

	engine, err := assemble(cfg, deps, codec, logger)
	if err != nil {
		_ = codec.Write(protocol.Envelope{Type: protocol.MessageFatalError, Error: err.Error()})
		return err
	}
	defer func() {
		engine.Shutdown()
		if err := engine.store.Close(); err != nil {
			logger.Warn("closing queue store", zap.Error(err))
		}
	}()

	if err := engine.Restore(ctx); err != nil {
		logger.Warn("restoring persisted queue", zap.Error(err))
	}
	if err := codec.Write(protocol.Envelope{Type: protocol.MessageReady}); err != nil {
		return err
	}
	logger.Info("worker ready",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("download_concurrency", cfg.Tuning.DownloadConcurrency))

	// In-flight handlers must settle before the deferred engine and store
	// teardown runs.
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		env, err := codec.Read()
		if errors.Is(err, io.EOF) {
			logger.Info("command stream closed")
			return nil
		}
		if err != nil {
			logger.Error("reading command envelope", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if env.Type != protocol.MessageCommand {
			logger.Warn("ignoring unexpected envelope", zap.String("type", string(env.Type)))
			continue
		}
		if env.Command == protocol.CommandStart || env.Command == protocol.CommandStop {
			serve(ctx, engine, codec, env, logger)
			continue
		}
		inflight.Add(1)
		go func(env protocol.Envelope) {
			defer inflight.Done()
			serve(ctx, engine, codec, env, logger)
		}(env)
	}
}

// assemble builds the engine with events wired back onto the codec.
func assemble(cfg protocol.InitConfig, deps Deps, codec *protocol.Codec, logger *zap.Logger) (*Engine, error) {
	store, err := deps.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	source, err := deps.NewSource(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open metadata source: %w", err)
	}

	var engine *Engine
	emit := func(evt protocol.Event) {
		e := evt
		if err := codec.Write(protocol.Envelope{Type: protocol.MessageEvent, Event: &e}); err != nil {
			logger.Warn("emitting event", zap.String("kind", string(evt.Kind)), zap.Error(err))
		}
	}
	engine = NewEngine(cfg, store, nil, source, emit, logger)

	fetcher, err := deps.NewFetcher(cfg, engine.Tracker())
	if err != nil {
		engine.Shutdown()
		store.Close()
		return nil, fmt.Errorf("build page fetcher: %w", err)
	}
	engine.fetcher = fetcher
	return engine, nil
}

// serve runs one command and writes exactly one result or error envelope.
// Handler panics are converted to error envelopes so a bad request cannot
// take the process down.
func serve(ctx context.Context, engine *Engine, codec *protocol.Codec, env protocol.Envelope, logger *zap.Logger) {
	result, err := dispatch(ctx, engine, env)
	if err != nil {
		reply := protocol.Envelope{
			Type:      protocol.MessageError,
			RequestID: env.RequestID,
			Command:   env.Command,
			Error:     err.Error(),
		}
		var p panicError
		if errors.As(err, &p) {
			reply.Stack = p.stack
		}
		logger.Warn("command failed",
			zap.String("command", string(env.Command)),
			zap.Uint64("request_id", env.RequestID),
			zap.Error(err))
		if werr := codec.Write(reply); werr != nil {
			logger.Error("writing error envelope", zap.Error(werr))
		}
		return
	}

	raw, err := protocol.Encode(result)
	if err != nil {
		_ = codec.Write(protocol.Envelope{
			Type:      protocol.MessageError,
			RequestID: env.RequestID,
			Command:   env.Command,
			Error:     err.Error(),
		})
		return
	}
	if werr := codec.Write(protocol.Envelope{
		Type:      protocol.MessageResult,
		RequestID: env.RequestID,
		Command:   env.Command,
		Result:    raw,
	}); werr != nil {
		logger.Error("writing result envelope", zap.Error(werr))
		return
	}

	// Lifecycle notifications follow the acknowledging result.
	switch env.Command {
	case protocol.CommandStart:
		_ = codec.Write(protocol.Envelope{Type: protocol.MessageStarted})
	case protocol.CommandStop:
		_ = codec.Write(protocol.Envelope{Type: protocol.MessageStopped})
	}
}

type panicError struct {
	value any
	stack string
}

func (p panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

func dispatch(ctx context.Context, engine *Engine, env protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return engine.Handle(ctx, env.Command, env.Payload)
}
