//go:build unix

package procmgr

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peterje/conduit/internal/process"
)

const testTimeout = 5 * time.Second

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	host := process.NewHost(context.Background(), nil)
	m := NewManager(host, append([]Option{WithStopGrace(200 * time.Millisecond)}, opts...)...)
	t.Cleanup(func() {
		m.StopAll(context.Background())
		_ = host.Close()
	})
	return m
}

func waitDone(t *testing.T, h SessionHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not exit")
	}
}

func drain(t *testing.T, ch <-chan Chunk) map[Stream]string {
	t.Helper()
	out := map[Stream]*bytes.Buffer{StreamStdout: {}, StreamStderr: {}}
	timeout := time.After(testTimeout)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return map[Stream]string{
					StreamStdout: out[StreamStdout].String(),
					StreamStderr: out[StreamStderr].String(),
				}
			}
			out[c.Stream].Write(c.Data)
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
}

func TestStartAndSubscribe(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Start(context.Background(), StartRequest{ID: "echo", Argv: []string{"cat"}})
	require.NoError(t, err)
	ch, unsub := h.Subscribe()
	defer unsub()

	require.NoError(t, h.Write(context.Background(), []byte("ping")))
	require.NoError(t, h.CloseInput())

	got := drain(t, ch)
	require.Equal(t, "ping", got[StreamStdout])
	require.Empty(t, got[StreamStderr])

	waitDone(t, h)
	code, ok := h.ExitCode()
	require.True(t, ok)
	require.Zero(t, code)

	info := h.Info()
	require.Equal(t, "echo", info.ID)
	require.Equal(t, StatusExited, info.Status)
	require.NotNil(t, info.ExitCode)
}

func TestInfoHasExitTimeAsSoonAsDone(t *testing.T) {
	m := newTestManager(t)

	before := time.Now().UTC()
	h, err := m.Start(context.Background(), StartRequest{Argv: []string{"true"}})
	require.NoError(t, err)
	waitDone(t, h)

	info := h.Info()
	require.Equal(t, StatusExited, info.Status)
	require.NotNil(t, info.ExitedAt)
	require.False(t, info.ExitedAt.Before(before))
	require.Equal(t, *info.ExitedAt, *h.Info().ExitedAt)
}

func TestReplayTagsStreams(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Start(context.Background(), StartRequest{Argv: []string{"sh", "-c", "printf out; printf err >&2"}})
	require.NoError(t, err)
	require.Len(t, h.Info().ID, 8)
	waitDone(t, h)

	require.Eventually(t, func() bool {
		var stdout, stderr string
		for _, c := range h.Replay() {
			switch c.Stream {
			case StreamStdout:
				stdout += string(c.Data)
			case StreamStderr:
				stderr += string(c.Data)
			}
		}
		return stdout == "out" && stderr == "err"
	}, testTimeout, 10*time.Millisecond)
}

func TestReplayBufferIsCapped(t *testing.T) {
	m := newTestManager(t, WithReplayBytes(4))

	h, err := m.Start(context.Background(), StartRequest{Argv: []string{"printf", "abcdefgh"}})
	require.NoError(t, err)
	waitDone(t, h)

	require.Eventually(t, func() bool {
		var buf bytes.Buffer
		for _, c := range h.Replay() {
			buf.Write(c.Data)
		}
		return buf.String() == "efgh"
	}, testTimeout, 10*time.Millisecond)
}

func TestSubscribeAfterOutputEnded(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Start(context.Background(), StartRequest{Argv: []string{"true"}})
	require.NoError(t, err)
	waitDone(t, h)

	require.Eventually(t, func() bool {
		ch, unsub := h.Subscribe()
		defer unsub()
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, testTimeout, 10*time.Millisecond)
}

func TestDuplicateID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Start(context.Background(), StartRequest{ID: "dup", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), StartRequest{ID: "dup", Argv: []string{"sleep", "10"}})
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t)

	require.Nil(t, m.Get("missing"))
	require.ErrorIs(t, m.Stop(context.Background(), "missing"), ErrSessionNotFound)
	require.ErrorIs(t, m.Kill("missing"), ErrSessionNotFound)
	require.ErrorIs(t, m.Resize("missing", 1, 1), ErrSessionNotFound)
	require.ErrorIs(t, m.CloseInput("missing"), ErrSessionNotFound)
	require.ErrorIs(t, m.Remove(context.Background(), "missing"), ErrSessionNotFound)
}

func TestStopAndRemove(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Start(context.Background(), StartRequest{ID: "sleeper", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	require.Equal(t, []string{"sleeper"}, m.ListActive())

	require.NoError(t, m.Stop(context.Background(), "sleeper"))
	waitDone(t, h)
	require.Empty(t, m.ListActive())
	require.Len(t, m.List(), 1)

	// Stopping an exited session is a no-op.
	require.NoError(t, m.Stop(context.Background(), "sleeper"))

	require.NoError(t, m.Remove(context.Background(), "sleeper"))
	require.Nil(t, m.Get("sleeper"))
	require.Empty(t, m.List())
}

func TestResizePipeSessionUnsupported(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Start(context.Background(), StartRequest{ID: "pipe", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	require.ErrorIs(t, m.Resize("pipe", 24, 80), process.ErrResizeUnsupported)
}

func TestPTYSession(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Start(context.Background(), StartRequest{ID: "tty", Argv: []string{"sh", "-c", "stty size; sleep 10"}, PTY: true, Rows: 21, Cols: 77})
	require.NoError(t, err)
	require.True(t, h.Info().PTY)

	require.Eventually(t, func() bool {
		var buf bytes.Buffer
		for _, c := range h.Replay() {
			require.Equal(t, StreamStdout, c.Stream)
			buf.Write(c.Data)
		}
		return bytes.Contains(buf.Bytes(), []byte("21 77"))
	}, testTimeout, 10*time.Millisecond)

	require.NoError(t, m.Resize("tty", 22, 78))
	require.NoError(t, m.Kill("tty"))
	waitDone(t, h)
}

func TestExitCallbackAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	exited := make(chan Info, 1)
	m := newTestManager(t,
		WithLogger(zap.New(core)),
		WithExitCallback(func(info Info) { exited <- info }))

	_, err := m.Start(context.Background(), StartRequest{ID: "cb", Argv: []string{"sh", "-c", "exit 5"}})
	require.NoError(t, err)

	select {
	case info := <-exited:
		require.Equal(t, "cb", info.ID)
		require.Equal(t, StatusExited, info.Status)
		require.Equal(t, 5, *info.ExitCode)
		require.NotNil(t, info.ExitedAt)
	case <-time.After(testTimeout):
		t.Fatal("exit callback not called")
	}

	require.Equal(t, 1, logs.FilterMessage("session started").Len())
	require.Equal(t, 1, logs.FilterMessage("session exited").Len())
}

func TestStopAll(t *testing.T) {
	m := newTestManager(t)

	var handles []SessionHandle
	for _, id := range []string{"a", "b", "c"} {
		h, err := m.Start(context.Background(), StartRequest{ID: id, Argv: []string{"sleep", "10"}})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	m.StopAll(context.Background())
	for _, h := range handles {
		waitDone(t, h)
	}
	require.Empty(t, m.ListActive())
}

func TestStreamString(t *testing.T) {
	require.Equal(t, "stdout", StreamStdout.String())
	require.Equal(t, "stderr", StreamStderr.String())
	require.Equal(t, "stream(9)", Stream(9).String())
}
