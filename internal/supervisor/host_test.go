package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// workerScript plays the worker side of the protocol over c. Returning ends
// the fake process.
type workerScript func(c *protocol.Codec)

type fakeProcess struct {
	hostIn    *io.PipeWriter
	hostOut   *io.PipeReader
	workerIn  *io.PipeReader
	workerOut *io.PipeWriter
	done      chan error
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.hostIn }
func (p *fakeProcess) Stdout() io.Reader     { return p.hostOut }
func (p *fakeProcess) Wait() <-chan error    { return p.done }
func (p *fakeProcess) PID() int              { return 1 }

func (p *fakeProcess) Signal(os.Signal) error {
	return p.Kill()
}

func (p *fakeProcess) Kill() error {
	p.workerIn.Close()
	p.workerOut.Close()
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	script   workerScript
	launches int
}

func (l *fakeLauncher) Launch(context.Context) (Process, error) {
	l.mu.Lock()
	l.launches++
	script := l.script
	l.mu.Unlock()

	workerIn, hostIn := io.Pipe()
	hostOut, workerOut := io.Pipe()
	p := &fakeProcess{
		hostIn: hostIn, hostOut: hostOut,
		workerIn: workerIn, workerOut: workerOut,
		done: make(chan error, 1),
	}
	go func() {
		script(protocol.NewCodec(workerIn, workerOut))
		workerOut.Close()
		workerIn.Close()
		p.done <- nil
		close(p.done)
	}()
	return p, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// ackScript answers ready to init and acknowledges every command.
func ackScript(c *protocol.Codec) {
	for {
		env, err := c.Read()
		if err != nil {
			return
		}
		switch env.Type {
		case protocol.MessageInit:
			_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
		case protocol.MessageCommand:
			raw, _ := protocol.Encode(protocol.AckResult{OK: true})
			_ = c.Write(protocol.Envelope{
				Type: protocol.MessageResult, RequestID: env.RequestID,
				Command: env.Command, Result: raw,
			})
		}
	}
}

func newTestHost(t *testing.T, launcher Launcher, mutate func(*Config)) *Host {
	t.Helper()
	cfg := Config{
		InitTimeout:    2 * time.Second,
		StopTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
		Logger:         zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := New(cfg, launcher)
	t.Cleanup(h.Destroy)
	return h
}

func TestStartHandshakeAndIdempotence(t *testing.T) {
	var (
		mu     sync.Mutex
		starts int
	)
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			case protocol.MessageCommand:
				if env.Command == protocol.CommandStart {
					mu.Lock()
					starts++
					mu.Unlock()
				}
				raw, _ := protocol.Encode(protocol.AckResult{OK: true})
				_ = c.Write(protocol.Envelope{
					Type: protocol.MessageResult, RequestID: env.RequestID,
					Command: env.Command, Result: raw,
				})
			}
		}
	}}
	h := newTestHost(t, launcher, nil)

	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, StateStarted, h.State())
	require.NoError(t, h.Start(context.Background()), "second start is a no-op")

	require.Equal(t, 1, launcher.launchCount())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, starts)
}

func TestStopTerminatesWorkerAndStartRespawns(t *testing.T) {
	launcher := &fakeLauncher{script: ackScript}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.AutoRestart = true
		cfg.MaxRestarts = 3
	})

	require.NoError(t, h.Start(context.Background()))
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	require.NotNil(t, proc)

	require.NoError(t, h.Stop(context.Background()))
	require.Equal(t, StateStopped, h.State())

	// The process is gone, not parked: its exit channel fires and the host no
	// longer tracks it.
	select {
	case <-proc.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("worker process still running after Stop")
	}
	h.mu.Lock()
	require.Nil(t, h.proc)
	h.mu.Unlock()

	// Auto-restart must not resurrect a deliberately stopped worker.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, launcher.launchCount())

	// Start brings up a fresh process.
	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, StateStarted, h.State())
	require.Equal(t, 2, launcher.launchCount())
}

func TestStopRejectsPendingRequests(t *testing.T) {
	// The worker acknowledges stop but sits on every other command.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			case protocol.MessageCommand:
				if env.Command != protocol.CommandGetStorageStats {
					raw, _ := protocol.Encode(protocol.AckResult{OK: true})
					_ = c.Write(protocol.Envelope{
						Type: protocol.MessageResult, RequestID: env.RequestID,
						Command: env.Command, Result: raw,
					})
				}
			}
		}
	}}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.RequestTimeout = 10 * time.Second
		cfg.StopTimeout = 100 * time.Millisecond
	})

	require.NoError(t, h.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), protocol.CommandGetStorageStats, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	require.ErrorIs(t, <-errCh, ErrWorkerExited)
}

func TestRequestsCorrelateOutOfOrderResponses(t *testing.T) {
	// The worker holds both requests, then answers them in reverse order,
	// echoing each payload's chapter id as the result.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		var held []protocol.Envelope
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			case protocol.MessageCommand:
				held = append(held, env)
				if len(held) == 2 {
					for i := len(held) - 1; i >= 0; i-- {
						var p protocol.QueueChapterPayload
						_ = protocol.Decode(held[i].Payload, &p)
						raw, _ := protocol.Encode(protocol.QueueChapterResult{ID: p.ChapterID})
						_ = c.Write(protocol.Envelope{
							Type: protocol.MessageResult, RequestID: held[i].RequestID,
							Command: held[i].Command, Result: raw,
						})
					}
				}
			}
		}
	}}
	h := newTestHost(t, launcher, nil)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.QueueChapter(context.Background(), protocol.QueueChapterPayload{
				ExtensionID: "ext", MangaID: "m1", MangaSlug: "test", ChapterID: fmt.Sprintf("chapter-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("chapter-%d", i), results[i],
			"response %d correlates by request id, not arrival order", i)
	}
}

func TestRequestTimeoutSettlesExactlyOnce(t *testing.T) {
	// The worker swallows the first command and answers it only after the
	// second command arrives; by then the first request has timed out.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		var swallowed *protocol.Envelope
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			case protocol.MessageCommand:
				if swallowed == nil {
					held := env
					swallowed = &held
					continue
				}
				raw, _ := protocol.Encode(protocol.AckResult{OK: true})
				_ = c.Write(protocol.Envelope{
					Type: protocol.MessageResult, RequestID: env.RequestID,
					Command: env.Command, Result: raw,
				})
				// Late answer to the already-settled request.
				_ = c.Write(protocol.Envelope{
					Type: protocol.MessageResult, RequestID: swallowed.RequestID,
					Command: swallowed.Command, Result: raw,
				})
			}
		}
	}}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})

	_, err := h.Request(context.Background(), protocol.CommandGetStorageStats, nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// The late reply must be dropped, not delivered to a later request.
	_, err = h.Request(context.Background(), protocol.CommandIsActive, nil)
	require.NoError(t, err)
}

func TestWorkerCrashRejectsPendingAndRestarts(t *testing.T) {
	// The worker dies on its first command.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			case protocol.MessageCommand:
				return
			}
		}
	}}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.AutoRestart = true
		cfg.MaxRestarts = 3
		cfg.RestartWindow = time.Minute
	})

	_, err := h.Request(context.Background(), protocol.CommandGetStorageStats, nil)
	require.ErrorIs(t, err, ErrWorkerExited)

	require.Eventually(t, func() bool {
		return launcher.launchCount() == 2 && h.State() == StateReady
	}, 5*time.Second, 10*time.Millisecond, "crashed worker is respawned")
}

func TestRestartBudgetExhaustion(t *testing.T) {
	// Every worker dies right after ready, before answering anything.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			if env.Type == protocol.MessageInit {
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
				return
			}
		}
	}}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.AutoRestart = true
		cfg.MaxRestarts = 1
		cfg.RestartWindow = time.Minute
		cfg.RequestTimeout = 200 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		_, err := h.Request(context.Background(), protocol.CommandIsActive, nil)
		return errors.Is(err, ErrRestartBudget)
	}, 5*time.Second, 20*time.Millisecond, "budget exhausts after repeated crashes")
}

func TestEventFanOutIsolatesPanickingListeners(t *testing.T) {
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.MessageInit:
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
				_ = c.Write(protocol.Envelope{Type: protocol.MessageEvent, Event: &protocol.Event{
					Kind: protocol.EventDownloadQueued, QueueID: "q1",
				}})
			case protocol.MessageCommand:
				raw, _ := protocol.Encode(protocol.AckResult{OK: true})
				_ = c.Write(protocol.Envelope{
					Type: protocol.MessageResult, RequestID: env.RequestID,
					Command: env.Command, Result: raw,
				})
			}
		}
	}}
	h := newTestHost(t, launcher, nil)

	var (
		mu       sync.Mutex
		received []protocol.Event
	)
	h.OnEvent(func(protocol.Event) {
		panic("listener bug")
	})
	h.OnEvent(func(evt protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})

	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].QueueID == "q1"
	}, 5*time.Second, 10*time.Millisecond, "panicking listener does not starve its peers")
}

func TestDestroyRejectsPendingAndIsIdempotent(t *testing.T) {
	// The worker answers the handshake, then ignores every command.
	launcher := &fakeLauncher{script: func(c *protocol.Codec) {
		for {
			env, err := c.Read()
			if err != nil {
				return
			}
			if env.Type == protocol.MessageInit {
				_ = c.Write(protocol.Envelope{Type: protocol.MessageReady})
			}
		}
	}}
	h := newTestHost(t, launcher, func(cfg *Config) {
		cfg.RequestTimeout = 10 * time.Second
		cfg.StopTimeout = 100 * time.Millisecond
	})

	require.NoError(t, h.ensureReady(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), protocol.CommandGetStorageStats, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.Destroy()
	require.ErrorIs(t, <-errCh, ErrHostDestroyed)
	require.Equal(t, StateDestroyed, h.State())

	_, err := h.Request(context.Background(), protocol.CommandIsActive, nil)
	require.ErrorIs(t, err, ErrHostDestroyed)

	h.Destroy()
	require.Equal(t, StateDestroyed, h.State())
}

func TestRestartWindowPrunesOldCrashes(t *testing.T) {
	h := newTestHost(t, &fakeLauncher{script: ackScript}, func(cfg *Config) {
		cfg.AutoRestart = true
		cfg.MaxRestarts = 2
		cfg.RestartWindow = time.Minute
	})

	// Two crashes long ago must not count against fresh ones.
	old := time.Now().Add(-10 * time.Minute)
	h.mu.Lock()
	h.restarts = []time.Time{old, old.Add(time.Second)}
	h.mu.Unlock()

	require.NoError(t, h.ensureReady(context.Background()))
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	proc.Kill()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.budgetSpent {
			return false
		}
		return len(h.restarts) == 1
	}, 5*time.Second, 10*time.Millisecond, "stale crash timestamps are pruned, keeping memory bounded")
}
