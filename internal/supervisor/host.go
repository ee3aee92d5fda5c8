// Package supervisor runs the download worker as a child process and exposes
// its protocol as typed Go calls. The host owns the process lifecycle:
// spawning, init handshake, request correlation, crash recovery, and
// teardown.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/metrics"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// State is the host lifecycle state.
type State int32

// Host states. The only legal transitions are forward through the handshake,
// Started and Stopped alternating, and any state to Destroyed.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateStarted
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config tunes the host.
type Config struct {
	// Init is sent to the worker as the first envelope after spawn.
	Init protocol.InitConfig
	// InitTimeout bounds the spawn-to-ready handshake.
	InitTimeout time.Duration
	// StopTimeout is the grace period between closing the worker's stdin
	// and escalating to signals during teardown.
	StopTimeout time.Duration
	// RequestTimeout bounds each request locally. Expiry settles the call
	// with ErrRequestTimeout but does not cancel the worker-side work.
	RequestTimeout time.Duration
	// AutoRestart respawns the worker after a crash.
	AutoRestart bool
	// MaxRestarts caps crashes inside RestartWindow before the host gives
	// up. Zero means one crash exhausts the budget.
	MaxRestarts int
	// RestartWindow is the sliding window the crash timestamps live in.
	RestartWindow time.Duration
	Logger        *zap.Logger
}

// EventHandler receives worker events. Handlers run on the read loop
// goroutine; panics are isolated per handler.
type EventHandler func(protocol.Event)

type response struct {
	result json.RawMessage
	err    error
}

// Host supervises one worker process.
type Host struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger

	nextID atomic.Uint64

	// spawnMu serializes spawn and teardown so concurrent Starts share one
	// in-flight initialization.
	spawnMu sync.Mutex

	mu          sync.Mutex
	state       State
	proc        Process
	codec       *protocol.Codec
	pending     map[uint64]chan response
	listeners   []EventHandler
	restarts    []time.Time
	budgetSpent bool
	wantStarted bool
}

// New builds a Host. The worker is not spawned until the first Start or
// Request.
func New(cfg Config, launcher Launcher) *Host {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Host{
		cfg:      cfg,
		launcher: launcher,
		logger:   cfg.Logger,
		pending:  make(map[uint64]chan response),
	}
}

// State reports the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnEvent registers a handler for worker events. Registration is permanent
// for the host's lifetime.
func (h *Host) OnEvent(fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Start spawns the worker if needed and tells it to begin draining its
// queue. Calling Start on a started host is a no-op.
func (h *Host) Start(ctx context.Context) error {
	if err := h.ensureReady(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	alreadyStarted := h.state == StateStarted
	h.mu.Unlock()
	if alreadyStarted {
		return nil
	}
	return h.sendStart(ctx)
}

func (h *Host) sendStart(ctx context.Context) error {
	if _, err := h.Request(ctx, protocol.CommandStart, nil); err != nil {
		return err
	}
	h.mu.Lock()
	if h.state != StateDestroyed {
		h.state = StateStarted
		h.wantStarted = true
	}
	h.mu.Unlock()
	return nil
}

// Stop halts the worker: a best-effort stop command lets it pause its queue
// and persist state, then the process is terminated with the same escalation
// Destroy uses. The worker-side command failing is logged, never propagated;
// termination proceeds regardless. A later Start spawns a fresh worker.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return ErrHostDestroyed
	}
	if h.state != StateStarted {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// Best effort; a wedged worker must not block the teardown below.
	if _, err := h.Request(ctx, protocol.CommandStop, nil); err != nil {
		h.logger.Warn("stop command failed, terminating anyway", zap.Error(err))
	}

	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()

	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return ErrHostDestroyed
	}
	proc := h.proc
	h.proc = nil
	h.codec = nil
	pending := h.pending
	h.pending = make(map[uint64]chan response)
	h.state = StateStopped
	h.wantStarted = false
	h.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrWorkerExited}
	}
	if proc != nil {
		h.terminate(proc)
	}
	return nil
}

// Destroy tears the host down: pending requests are rejected, the worker is
// asked to exit, and escalating signals enforce the stop timeout. Destroy is
// idempotent and every later call on the host fails with ErrHostDestroyed.
func (h *Host) Destroy() {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()

	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return
	}
	h.state = StateDestroyed
	proc := h.proc
	h.proc = nil
	h.codec = nil
	pending := h.pending
	h.pending = make(map[uint64]chan response)
	h.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrHostDestroyed}
	}
	if proc != nil {
		h.terminate(proc)
	}
}

// terminate shuts one process down with escalation: closing stdin asks the
// worker to drain and exit on its own, SIGTERM and SIGKILL follow after the
// stop timeout each.
func (h *Host) terminate(proc Process) {
	_ = proc.Stdin().Close()
	select {
	case <-proc.Wait():
		return
	case <-time.After(h.cfg.StopTimeout):
	}
	h.logger.Warn("worker ignored stream close, sending SIGTERM", zap.Int("pid", proc.PID()))
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-proc.Wait():
		return
	case <-time.After(h.cfg.StopTimeout):
	}
	h.logger.Error("worker ignored SIGTERM, killing", zap.Int("pid", proc.PID()))
	_ = proc.Kill()
	<-proc.Wait()
}

// Request sends one command and blocks for its response. Responses correlate
// by request id, so out-of-order completion is fine. A local timeout settles
// the call exactly once; the worker may still finish the operation.
func (h *Host) Request(ctx context.Context, cmd protocol.Command, payload any) (json.RawMessage, error) {
	if err := h.ensureReady(ctx); err != nil {
		return nil, err
	}
	raw, err := protocol.Encode(payload)
	if err != nil {
		return nil, err
	}

	id := h.nextID.Add(1)
	ch := make(chan response, 1)

	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return nil, ErrHostDestroyed
	}
	codec := h.codec
	if codec == nil {
		h.mu.Unlock()
		return nil, ErrWorkerExited
	}
	h.pending[id] = ch
	h.mu.Unlock()

	if err := codec.Write(protocol.Envelope{
		Type:      protocol.MessageCommand,
		RequestID: id,
		Command:   cmd,
		Payload:   raw,
	}); err != nil {
		if h.takePending(id) {
			return nil, fmt.Errorf("send %s: %w", cmd, err)
		}
		resp := <-ch
		return resp.result, resp.err
	}

	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-timer.C:
		if h.takePending(id) {
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, cmd, h.cfg.RequestTimeout)
		}
		// The response won the race; deliver it.
		resp := <-ch
		return resp.result, resp.err
	case <-ctx.Done():
		if h.takePending(id) {
			return nil, ctx.Err()
		}
		resp := <-ch
		return resp.result, resp.err
	}
}

// takePending removes one pending entry, claiming the right to settle it.
func (h *Host) takePending(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[id]
	delete(h.pending, id)
	return ok
}

func (h *Host) settle(id uint64, resp response) {
	h.mu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// ensureReady spawns the worker if no live process exists. Concurrent
// callers serialize on spawnMu, so one initialization is shared.
func (h *Host) ensureReady(ctx context.Context) error {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()

	h.mu.Lock()
	switch {
	case h.state == StateDestroyed:
		h.mu.Unlock()
		return ErrHostDestroyed
	case h.budgetSpent:
		h.mu.Unlock()
		return fmt.Errorf("%w: %d crashes within %s", ErrRestartBudget, h.cfg.MaxRestarts+1, h.cfg.RestartWindow)
	case h.proc != nil:
		h.mu.Unlock()
		return nil
	}
	h.state = StateInitializing
	h.mu.Unlock()

	return h.spawn(ctx)
}

// spawn launches a process, performs the init handshake, and waits for
// ready. Called with spawnMu held.
func (h *Host) spawn(ctx context.Context) error {
	proc, err := h.launcher.Launch(ctx)
	if err != nil {
		h.setUninitialized(nil)
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	codec := protocol.NewCodec(proc.Stdout(), proc.Stdin())

	h.mu.Lock()
	h.proc = proc
	h.codec = codec
	h.mu.Unlock()

	readyCh := make(chan error, 1)
	readyFlag := new(atomic.Bool)
	go h.readLoop(proc, codec, readyCh, readyFlag)

	initCfg := h.cfg.Init
	if err := codec.Write(protocol.Envelope{Type: protocol.MessageInit, Init: &initCfg}); err != nil {
		_ = proc.Kill()
		h.setUninitialized(proc)
		return fmt.Errorf("%w: send init: %v", ErrInitialization, err)
	}

	select {
	case err := <-readyCh:
		if err != nil {
			_ = proc.Kill()
			h.setUninitialized(proc)
			return fmt.Errorf("%w: %v", ErrInitialization, err)
		}
	case <-time.After(h.cfg.InitTimeout):
		_ = proc.Kill()
		h.setUninitialized(proc)
		return fmt.Errorf("%w: no ready within %s", ErrInitialization, h.cfg.InitTimeout)
	case <-ctx.Done():
		_ = proc.Kill()
		h.setUninitialized(proc)
		return fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
	}

	h.mu.Lock()
	if h.proc == proc && h.state != StateDestroyed {
		h.state = StateReady
	}
	h.mu.Unlock()
	h.logger.Info("worker ready", zap.Int("pid", proc.PID()))
	return nil
}

// setUninitialized rolls the host back after a failed spawn.
func (h *Host) setUninitialized(proc Process) {
	h.mu.Lock()
	if proc == nil || h.proc == proc {
		h.proc = nil
		h.codec = nil
		if h.state != StateDestroyed {
			h.state = StateUninitialized
		}
	}
	h.mu.Unlock()
}

// readLoop dispatches every envelope from one process until its stream ends,
// then runs crash handling.
func (h *Host) readLoop(proc Process, codec *protocol.Codec, readyCh chan error, readyFlag *atomic.Bool) {
	readySignaled := false
	signalReady := func(err error) {
		if !readySignaled {
			readySignaled = true
			if err == nil {
				readyFlag.Store(true)
			}
			readyCh <- err
		}
	}

	for {
		env, err := codec.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("worker stream error", zap.Error(err))
			}
			signalReady(fmt.Errorf("stream closed before ready: %v", err))
			h.handleExit(proc, readyFlag.Load())
			return
		}
		switch env.Type {
		case protocol.MessageReady:
			signalReady(nil)
		case protocol.MessageStarted:
			h.logger.Debug("worker confirmed start")
		case protocol.MessageStopped:
			h.logger.Debug("worker confirmed stop")
		case protocol.MessageResult:
			h.settle(env.RequestID, response{result: env.Result})
		case protocol.MessageError:
			if env.Stack != "" {
				h.logger.Debug("worker handler stack",
					zap.String("command", string(env.Command)), zap.String("stack", env.Stack))
			}
			h.settle(env.RequestID, response{err: fmt.Errorf("%s: %s", env.Command, env.Error)})
		case protocol.MessageFatalError:
			h.logger.Error("worker fatal error", zap.String("error", env.Error))
			signalReady(fmt.Errorf("worker fatal: %s", env.Error))
		case protocol.MessageEvent:
			h.fanOut(*env.Event)
		default:
			h.logger.Warn("ignoring unexpected worker envelope", zap.String("type", string(env.Type)))
		}
	}
}

// fanOut delivers one event to every listener. A panicking listener is
// logged and skipped; it never takes down the read loop or its peers.
func (h *Host) fanOut(evt protocol.Event) {
	h.mu.Lock()
	listeners := make([]EventHandler, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("event listener panicked",
						zap.String("kind", string(evt.Kind)), zap.Any("panic", r))
				}
			}()
			fn(evt)
		}()
	}
}

// handleExit runs once per process after its stream closed: it rejects every
// pending request and decides whether to respawn. wasReady distinguishes a
// crash of a handshaken worker from a spawn that never came up; the latter is
// reported by spawn itself.
func (h *Host) handleExit(proc Process, wasReady bool) {
	waitErr := <-proc.Wait()

	h.mu.Lock()
	if h.proc != proc {
		// A newer process replaced this one, or Destroy already cleaned up.
		h.mu.Unlock()
		return
	}
	h.proc = nil
	h.codec = nil

	exitErr := ErrWorkerExited
	if waitErr != nil {
		exitErr = fmt.Errorf("%w: %v", ErrWorkerExited, waitErr)
	}
	pending := h.pending
	h.pending = make(map[uint64]chan response)

	if h.state == StateDestroyed || !wasReady {
		h.mu.Unlock()
		for _, ch := range pending {
			ch <- response{err: exitErr}
		}
		return
	}

	wasStarted := h.wantStarted
	restart := false
	if h.cfg.AutoRestart {
		now := time.Now()
		cutoff := now.Add(-h.cfg.RestartWindow)
		kept := h.restarts[:0]
		for _, ts := range h.restarts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		h.restarts = kept
		if len(h.restarts) < h.cfg.MaxRestarts {
			h.restarts = append(h.restarts, now)
			restart = true
		} else {
			h.budgetSpent = true
		}
	}
	h.state = StateUninitialized
	h.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: exitErr}
	}

	switch {
	case restart:
		h.logger.Warn("worker exited, restarting",
			zap.Int("pid", proc.PID()), zap.Error(waitErr), zap.Bool("resume_started", wasStarted))
		metrics.ObserveWorkerRestart()
		go h.respawn(wasStarted)
	case h.cfg.AutoRestart:
		h.logger.Error("worker crash loop, restart budget exhausted",
			zap.Int("max_restarts", h.cfg.MaxRestarts), zap.Duration("window", h.cfg.RestartWindow))
	default:
		h.logger.Warn("worker exited", zap.Int("pid", proc.PID()), zap.Error(waitErr))
	}
}

// respawn brings a crashed worker back, resuming the started state when the
// crash interrupted an active queue.
func (h *Host) respawn(wasStarted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.InitTimeout)
	defer cancel()
	if err := h.ensureReady(ctx); err != nil {
		h.logger.Error("worker respawn failed", zap.Error(err))
		return
	}
	if wasStarted {
		if err := h.sendStart(ctx); err != nil {
			h.logger.Error("worker restart start failed", zap.Error(err))
		}
	}
}
