//go:build unix

package shepherd

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
)

const testTimeout = 5 * time.Second

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "shep")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startShepherd(t *testing.T) (*Shepherd, string) {
	t.Helper()
	socket := DefaultSocketPath(shortTempDir(t))
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{
		Logger:         zaptest.NewLogger(t),
		ManagerOptions: []procmgr.Option{procmgr.WithStopGrace(200 * time.Millisecond)},
	})
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
		shutdownCtx, stop := context.WithTimeout(context.Background(), testTimeout)
		defer stop()
		s.Shutdown(shutdownCtx)
	})
	return s, socket
}

func connect(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), socket, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()))
	return c
}

func waitDone(t *testing.T, h procmgr.SessionHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not exit")
	}
}

func drain(t *testing.T, ch <-chan procmgr.Chunk) map[procmgr.Stream]string {
	t.Helper()
	out := map[procmgr.Stream]*bytes.Buffer{procmgr.StreamStdout: {}, procmgr.StreamStderr: {}}
	timeout := time.After(testTimeout)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return map[procmgr.Stream]string{
					procmgr.StreamStdout: out[procmgr.StreamStdout].String(),
					procmgr.StreamStderr: out[procmgr.StreamStderr].String(),
				}
			}
			out[c.Stream].Write(c.Data)
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
}

func TestClientEchoRoundTrip(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	h, err := c.Start(context.Background(), procmgr.StartRequest{
		Argv: []string{"sh", "-c", `cat; echo done >&2; exit 4`},
	})
	require.NoError(t, err)
	ch, unsub := h.Subscribe()
	defer unsub()

	require.NoError(t, h.Write(context.Background(), []byte("ping")))
	require.NoError(t, h.CloseInput())

	got := drain(t, ch)
	require.Equal(t, "ping", got[procmgr.StreamStdout])
	require.Equal(t, "done\n", got[procmgr.StreamStderr])

	waitDone(t, h)
	code, ok := h.ExitCode()
	require.True(t, ok)
	require.Equal(t, 4, code)

	info := h.Info()
	require.Equal(t, procmgr.StatusExited, info.Status)
	require.Equal(t, 4, *info.ExitCode)
}

func TestClientWriteAfterExit(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	h, err := c.Start(context.Background(), procmgr.StartRequest{ID: "quick", Argv: []string{"true"}})
	require.NoError(t, err)
	waitDone(t, h)

	require.Eventually(t, func() bool {
		return errors.Is(h.Write(context.Background(), []byte("late")), process.ErrProcessExited)
	}, testTimeout, 20*time.Millisecond)
}

func TestClientErrorsMatchSentinels(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	require.Nil(t, c.Get("missing"))
	require.ErrorIs(t, c.Kill("missing"), procmgr.ErrSessionNotFound)
	require.ErrorIs(t, c.Stop(context.Background(), "missing"), procmgr.ErrSessionNotFound)

	_, err := c.Start(context.Background(), procmgr.StartRequest{ID: "dup", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	_, err = c.Start(context.Background(), procmgr.StartRequest{ID: "dup", Argv: []string{"sleep", "10"}})
	require.ErrorIs(t, err, procmgr.ErrSessionExists)
	require.ErrorIs(t, c.Resize("dup", 24, 80), process.ErrResizeUnsupported)

	_, err = c.Start(context.Background(), procmgr.StartRequest{Argv: nil})
	require.ErrorIs(t, err, process.ErrEmptyCommand)

	_, err = c.Start(context.Background(), procmgr.StartRequest{Argv: []string{"/nonexistent/bin-xyz"}})
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = c.Start(context.Background(), procmgr.StartRequest{Argv: []string{"no-such-binary-xyz"}})
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = c.Start(context.Background(), procmgr.StartRequest{Argv: []string{"true"}, Dir: "/nonexistent/dir"})
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestBlockedInputDoesNotStallConnection(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	h, err := c.Start(context.Background(), procmgr.StartRequest{ID: "deaf", Argv: []string{"sleep", "30"}})
	require.NoError(t, err)

	// Larger than any pipe buffer, so the write cannot complete.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = h.Write(ctx, bytes.Repeat([]byte("x"), 1<<20))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), time.Second)
	defer cancelPing()
	require.NoError(t, c.Ping(pingCtx))
	require.Len(t, c.List(), 1)

	// Fill the backlog behind the stuck write; the next write is refused.
	for range inputBacklog {
		require.NoError(t, c.writeInput("deaf", []byte("y")))
	}
	err = h.Write(context.Background(), []byte("z"))
	require.ErrorIs(t, err, procmgr.ErrInputBacklog)

	start := time.Now()
	require.NoError(t, c.Kill("deaf"))
	waitDone(t, h)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool {
		return errors.Is(h.Write(context.Background(), []byte("late")), process.ErrProcessExited)
	}, testTimeout, 20*time.Millisecond)
}

func TestCloseInputFollowsQueuedWrites(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	h, err := c.Start(context.Background(), procmgr.StartRequest{ID: "cat", Argv: []string{"cat"}})
	require.NoError(t, err)
	ch, unsub := h.Subscribe()
	defer unsub()

	for _, part := range []string{"a", "b", "c"} {
		require.NoError(t, c.writeInput("cat", []byte(part)))
	}
	require.NoError(t, c.CloseInput("cat"))
	require.Equal(t, "abc", drain(t, ch)[procmgr.StreamStdout])
	waitDone(t, h)

	require.ErrorIs(t, c.CloseInput("missing"), procmgr.ErrSessionNotFound)
}

func TestSessionsSurviveReconnect(t *testing.T) {
	_, socket := startShepherd(t)

	first := connect(t, socket)
	h, err := first.Start(context.Background(), procmgr.StartRequest{ID: "long", Argv: []string{"sh", "-c", "echo hello; sleep 10"}})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := connect(t, socket)
	infos, err := second.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "long", infos[0].ID)
	require.Equal(t, procmgr.StatusRunning, infos[0].Status)

	adopted := second.Get("long")
	require.NotNil(t, adopted)
	require.Eventually(t, func() bool {
		var buf bytes.Buffer
		for _, c := range adopted.Replay() {
			buf.Write(c.Data)
		}
		return buf.String() == "hello\n"
	}, testTimeout, 10*time.Millisecond)

	require.NoError(t, second.Stop(context.Background(), "long"))
	waitDone(t, adopted)
	_, ok := adopted.ExitCode()
	require.True(t, ok)
	select {
	case <-h.Done():
		t.Fatal("closed client should not observe exits")
	default:
	}
}

func TestExitBroadcastReachesOtherClients(t *testing.T) {
	_, socket := startShepherd(t)
	starter := connect(t, socket)
	watcher := connect(t, socket)

	_, err := starter.Start(context.Background(), procmgr.StartRequest{ID: "watched", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)

	h := watcher.Get("watched")
	require.NotNil(t, h)
	require.NoError(t, starter.Kill("watched"))
	waitDone(t, h)

	code, ok := h.ExitCode()
	require.True(t, ok)
	require.Equal(t, 137, code)
}

func TestInputFrameIsFireAndForget(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	h, err := c.Start(context.Background(), procmgr.StartRequest{ID: "cat", Argv: []string{"cat"}})
	require.NoError(t, err)
	ch, unsub := h.Subscribe()
	defer unsub()

	require.NoError(t, c.writeInput("cat", []byte("raw")))
	require.NoError(t, c.CloseInput("cat"))
	require.Equal(t, "raw", drain(t, ch)[procmgr.StreamStdout])
}

func TestRemoveForgetsSession(t *testing.T) {
	s, socket := startShepherd(t)
	c := connect(t, socket)

	_, err := c.Start(context.Background(), procmgr.StartRequest{ID: "gone", Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	require.NoError(t, c.Remove(context.Background(), "gone"))
	require.Nil(t, s.Manager().Get("gone"))
	require.Empty(t, c.List())
}

func TestStopAllStopsEverySession(t *testing.T) {
	_, socket := startShepherd(t)
	c := connect(t, socket)

	var handles []procmgr.SessionHandle
	for _, id := range []string{"a", "b"} {
		h, err := c.Start(context.Background(), procmgr.StartRequest{ID: id, Argv: []string{"sleep", "10"}})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	c.StopAll(context.Background())
	for _, h := range handles {
		waitDone(t, h)
	}
}

func TestClientClosedWhenShepherdStops(t *testing.T) {
	s, socket := startShepherd(t)
	c := connect(t, socket)

	s.Shutdown(context.Background())
	select {
	case <-c.Closed():
	case <-time.After(testTimeout):
		t.Fatal("client did not notice disconnect")
	}
	require.ErrorIs(t, c.Ping(context.Background()), ErrClientClosed)
}

func TestRunCleansUp(t *testing.T) {
	dir := shortTempDir(t)
	cfg := Config{
		SocketPath: DefaultSocketPath(dir),
		PIDPath:    DefaultPIDPath(dir),
		Logger:     zaptest.NewLogger(t),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	var c *Client
	require.Eventually(t, func() bool {
		var err error
		c, err = dialAndPing(context.Background(), cfg.SocketPath, zaptest.NewLogger(t))
		return err == nil
	}, testTimeout, 20*time.Millisecond)
	defer c.Close()

	pid, err := os.ReadFile(cfg.PIDPath)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(pid))

	// A second shepherd refuses to start while the first is alive.
	require.ErrorContains(t, Run(context.Background(), cfg), "already running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}
	require.NoFileExists(t, cfg.SocketPath)
	require.NoFileExists(t, cfg.PIDPath)
}

func TestCleanStaleSocket(t *testing.T) {
	dir := shortTempDir(t)
	socket := filepath.Join(dir, "stale.sock")
	pidPath := filepath.Join(dir, "stale.pid")

	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	// Leave the socket file behind without a listener.
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	require.NoError(t, os.WriteFile(pidPath, []byte("999999999"), 0o644))

	require.NoError(t, cleanStaleSocket(socket, pidPath, zaptest.NewLogger(t)))
	require.NoFileExists(t, socket)
	require.NoFileExists(t, pidPath)
}

func TestConnectWithoutAutostart(t *testing.T) {
	_, err := Connect(context.Background(), ConnectOptions{
		SocketPath: filepath.Join(shortTempDir(t), "none.sock"),
	})
	require.Error(t, err)
}
