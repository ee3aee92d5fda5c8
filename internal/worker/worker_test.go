package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

type workerHarness struct {
	codec *protocol.Codec
	stdin *io.PipeWriter
	done  chan error

	waitOnce sync.Once
	exitErr  error
}

// wait closes the worker's stdin and returns the loop's exit error.
func (h *workerHarness) wait(t *testing.T) error {
	t.Helper()
	h.waitOnce.Do(func() {
		h.stdin.Close()
		select {
		case h.exitErr = <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not exit after stdin closed")
		}
	})
	return h.exitErr
}

// startWorker runs the worker loop over in-memory pipes and returns a codec
// speaking the host side of the protocol.
func startWorker(t *testing.T, deps Deps) *workerHarness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &workerHarness{
		codec: protocol.NewCodec(stdoutR, stdinW),
		stdin: stdinW,
		done:  make(chan error, 1),
	}
	go func() {
		h.done <- Run(context.Background(), stdinR, stdoutW, deps, zap.NewNop())
	}()
	t.Cleanup(func() {
		h.wait(t)
		stdoutR.Close()
	})
	return h
}

func defaultDeps(store offline.QueueStore, fetcher offline.PageFetcher, source offline.MetadataSource) Deps {
	return Deps{
		OpenStore: func(protocol.InitConfig) (offline.QueueStore, error) {
			return store, nil
		},
		NewFetcher: func(protocol.InitConfig, *perf.Tracker) (offline.PageFetcher, error) {
			return fetcher, nil
		},
		NewSource: func(protocol.InitConfig) (offline.MetadataSource, error) {
			return source, nil
		},
	}
}

// awaitReply reads envelopes until the response for id arrives, collecting
// any events that interleave with it.
func (h *workerHarness) awaitReply(t *testing.T, id uint64) (protocol.Envelope, []protocol.Event) {
	t.Helper()
	var events []protocol.Event
	for {
		env, err := h.codec.Read()
		require.NoError(t, err)
		switch env.Type {
		case protocol.MessageEvent:
			events = append(events, *env.Event)
		case protocol.MessageResult, protocol.MessageError:
			require.Equal(t, id, env.RequestID, "responses correlate by request id")
			return env, events
		case protocol.MessageStarted, protocol.MessageStopped:
			// Lifecycle notifications are not replies.
		default:
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
	}
}

func (h *workerHarness) command(t *testing.T, id uint64, cmd protocol.Command, payload any) protocol.Envelope {
	t.Helper()
	raw, err := protocol.Encode(payload)
	require.NoError(t, err)
	require.NoError(t, h.codec.Write(protocol.Envelope{
		Type: protocol.MessageCommand, RequestID: id, Command: cmd, Payload: raw,
	}))
	env, _ := h.awaitReply(t, id)
	return env
}

func initWorker(t *testing.T, h *workerHarness, cfg protocol.InitConfig) {
	t.Helper()
	require.NoError(t, h.codec.Write(protocol.Envelope{Type: protocol.MessageInit, Init: &cfg}))
	env, err := h.codec.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageReady, env.Type)
}

func TestRunRejectsCommandBeforeInit(t *testing.T) {
	h := startWorker(t, defaultDeps(newFakeStore(), newFakeFetcher(), nil))

	require.NoError(t, h.codec.Write(protocol.Envelope{
		Type: protocol.MessageCommand, RequestID: 1, Command: protocol.CommandIsActive,
	}))
	env, err := h.codec.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageFatalError, env.Type)
	require.Contains(t, env.Error, "expected init")

	require.Error(t, h.wait(t))
}

func TestRunServesCommandsAfterInit(t *testing.T) {
	store := newFakeStore()
	h := startWorker(t, defaultDeps(store, newFakeFetcher(), nil))
	initWorker(t, h, testConfig(t))

	env := h.command(t, 1, protocol.CommandIsActive, nil)
	require.Equal(t, protocol.MessageResult, env.Type)
	var active protocol.BoolResult
	require.NoError(t, protocol.Decode(env.Result, &active))
	require.False(t, active.Value)

	env = h.command(t, 2, protocol.CommandGetQueuedDownloads, nil)
	require.Equal(t, protocol.MessageResult, env.Type)
	var list protocol.DownloadListResult
	require.NoError(t, protocol.Decode(env.Result, &list))
	require.Empty(t, list.Downloads)
}

func TestRunQueueChapterEmitsEventAndPersists(t *testing.T) {
	store := newFakeStore()
	h := startWorker(t, defaultDeps(store, newFakeFetcher(), nil))
	initWorker(t, h, testConfig(t))

	raw, err := protocol.Encode(protocol.QueueChapterPayload{
		ExtensionID: "ext", MangaID: "m1", MangaSlug: "chainsaw-man", ChapterID: "c1",
		Pages: inlinePages(1),
	})
	require.NoError(t, err)
	require.NoError(t, h.codec.Write(protocol.Envelope{
		Type: protocol.MessageCommand, RequestID: 7, Command: protocol.CommandQueueChapter, Payload: raw,
	}))

	env, events := h.awaitReply(t, 7)
	require.Equal(t, protocol.MessageResult, env.Type)
	var queued protocol.QueueChapterResult
	require.NoError(t, protocol.Decode(env.Result, &queued))
	require.NotEmpty(t, queued.ID)

	require.Len(t, events, 1)
	require.Equal(t, protocol.EventDownloadQueued, events[0].Kind)
	require.Equal(t, queued.ID, events[0].QueueID)

	_, ok := store.row(queued.ID)
	require.True(t, ok)
}

func TestRunStartStopLifecycleEnvelopes(t *testing.T) {
	h := startWorker(t, defaultDeps(newFakeStore(), newFakeFetcher(), nil))
	initWorker(t, h, testConfig(t))

	env := h.command(t, 1, protocol.CommandStart, nil)
	require.Equal(t, protocol.MessageResult, env.Type)
	started, err := h.codec.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageStarted, started.Type)

	env = h.command(t, 2, protocol.CommandStop, nil)
	require.Equal(t, protocol.MessageResult, env.Type)
	stopped, err := h.codec.Read()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageStopped, stopped.Type)
}

func TestRunBadPayloadYieldsErrorEnvelope(t *testing.T) {
	h := startWorker(t, defaultDeps(newFakeStore(), newFakeFetcher(), nil))
	initWorker(t, h, testConfig(t))

	// queue-chapter with no payload at all.
	env := h.command(t, 3, protocol.CommandQueueChapter, nil)
	require.Equal(t, protocol.MessageError, env.Type)
	require.Contains(t, env.Error, "payload")

	// The loop keeps serving after a failed command.
	env = h.command(t, 4, protocol.CommandIsActive, nil)
	require.Equal(t, protocol.MessageResult, env.Type)
}

// stallingSource blocks every catalog lookup until released, signalling
// entry so tests can interleave other commands deterministically.
type stallingSource struct {
	entered chan struct{}
	release chan struct{}
}

func newStallingSource() *stallingSource {
	return &stallingSource{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stallingSource) MangaDetails(context.Context, string, string) (offline.MangaDetails, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return offline.MangaDetails{
		ID: "m1", Slug: "slow-manga",
		Chapters: []offline.ChapterRef{{ID: "c1", Number: 1}},
	}, nil
}

func (s *stallingSource) ChapterPages(context.Context, string, string, string) ([]offline.PageRef, error) {
	return inlinePages(1), nil
}

func TestRunSlowCommandDoesNotBlockOthers(t *testing.T) {
	source := newStallingSource()
	h := startWorker(t, defaultDeps(newFakeStore(), newFakeFetcher(), source))
	initWorker(t, h, testConfig(t))

	raw, err := protocol.Encode(protocol.QueueMangaPayload{
		ExtensionID: "ext", MangaID: "m1", MangaSlug: "slow-manga",
	})
	require.NoError(t, err)
	require.NoError(t, h.codec.Write(protocol.Envelope{
		Type: protocol.MessageCommand, RequestID: 1, Command: protocol.CommandQueueManga, Payload: raw,
	}))

	// The catalog lookup is now parked inside the queue-manga handler.
	select {
	case <-source.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("queue-manga never reached the catalog")
	}

	// An unrelated command is answered while queue-manga is still in flight.
	env := h.command(t, 2, protocol.CommandIsActive, nil)
	require.Equal(t, protocol.MessageResult, env.Type)

	close(source.release)
	env, _ = h.awaitReply(t, 1)
	require.Equal(t, protocol.MessageResult, env.Type)
	var queued protocol.QueueMangaResult
	require.NoError(t, protocol.Decode(env.Result, &queued))
	require.Len(t, queued.IDs, 1)
}

func TestRunExitsCleanlyOnEOF(t *testing.T) {
	h := startWorker(t, defaultDeps(newFakeStore(), newFakeFetcher(), nil))
	initWorker(t, h, testConfig(t))

	require.NoError(t, h.wait(t))
}
