//go:build unix

package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peterje/conduit/internal/db"
	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/procmgr"
	"github.com/peterje/conduit/internal/service"
)

const testTimeout = 5 * time.Second

// setup connects a client to a conduit MCP server over in-memory transports.
func setup(t *testing.T) *sdkmcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	host := process.NewHost(ctx, nil)
	mgr := procmgr.NewManager(host, procmgr.WithStopGrace(200*time.Millisecond))
	svc := service.New(db.NewProcesses(database), mgr, zaptest.NewLogger(t))

	server := NewServer(svc, "test", zaptest.NewLogger(t))
	ct, st := sdkmcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
		mgr.StopAll(context.Background())
		_ = host.Close()
		database.Close()
	})
	return cs
}

func callTool(t *testing.T, cs *sdkmcp.ClientSession, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool(%s)", name)
	return res
}

func resultText(r *sdkmcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeResult[T any](t *testing.T, r *sdkmcp.CallToolResult) T {
	t.Helper()
	require.False(t, r.IsError, resultText(r))
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(r)), &v))
	return v
}

func readOutput(t *testing.T, cs *sdkmcp.ClientSession, args map[string]any) readResult {
	t.Helper()
	return decodeResult[readResult](t, callTool(t, cs, "read_output", args))
}

func TestToolsRegistered(t *testing.T) {
	cs := setup(t)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{
		"start_process", "send_input", "close_input",
		"read_output", "list_processes", "terminate_process",
	}, names)
}

func TestInteractiveProcess(t *testing.T) {
	cs := setup(t)

	rec := decodeResult[models.Process](t, callTool(t, cs, "start_process", map[string]any{
		"command": "sh",
		"args":    []string{"-c", `read line; echo "got:$line"; echo oops >&2`},
	}))
	require.Equal(t, models.StatusRunning, rec.Status)

	res := callTool(t, cs, "send_input", map[string]any{"process_id": rec.ID, "data": "hi\n"})
	require.False(t, res.IsError, resultText(res))
	require.Equal(t, "wrote 3 bytes", resultText(res))

	var out readResult
	require.Eventually(t, func() bool {
		out = readOutput(t, cs, map[string]any{"process_id": rec.ID})
		return out.Status == models.StatusExited
	}, testTimeout, 20*time.Millisecond)
	require.Equal(t, 0, *out.ExitCode)
	require.Contains(t, out.Output, "got:hi\n")
	require.Contains(t, out.Output, "oops\n")

	stderr := readOutput(t, cs, map[string]any{"process_id": rec.ID, "stream": "stderr"})
	require.Equal(t, "oops\n", stderr.Output)

	tail := readOutput(t, cs, map[string]any{"process_id": rec.ID, "stream": "stdout", "max_bytes": 3})
	require.Equal(t, "hi\n", tail.Output)
	require.True(t, tail.Truncated)

	res = callTool(t, cs, "send_input", map[string]any{"process_id": rec.ID, "data": "late"})
	require.True(t, res.IsError)
	require.Contains(t, resultText(res), "process_exited")
}

func TestCloseInputEndsProcess(t *testing.T) {
	cs := setup(t)

	rec := decodeResult[models.Process](t, callTool(t, cs, "start_process", map[string]any{"command": "cat"}))
	res := callTool(t, cs, "close_input", map[string]any{"process_id": rec.ID})
	require.False(t, res.IsError, resultText(res))

	require.Eventually(t, func() bool {
		return readOutput(t, cs, map[string]any{"process_id": rec.ID}).Status == models.StatusExited
	}, testTimeout, 20*time.Millisecond)
}

func TestTerminateAndList(t *testing.T) {
	cs := setup(t)

	rec := decodeResult[models.Process](t, callTool(t, cs, "start_process", map[string]any{
		"command": "sleep",
		"args":    []string{"10"},
	}))

	list := decodeResult[[]models.Process](t, callTool(t, cs, "list_processes", nil))
	require.Len(t, list, 1)
	require.Equal(t, rec.ID, list[0].ID)

	res := callTool(t, cs, "terminate_process", map[string]any{"process_id": rec.ID, "force": true})
	require.False(t, res.IsError, resultText(res))

	require.Eventually(t, func() bool {
		out := readOutput(t, cs, map[string]any{"process_id": rec.ID})
		return out.Status == models.StatusExited && *out.ExitCode == 137
	}, testTimeout, 20*time.Millisecond)
}

func TestToolErrors(t *testing.T) {
	cs := setup(t)

	for _, tc := range []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"unknown process", "read_output", map[string]any{"process_id": "nope"}, "not_found"},
		{"unknown stream", "read_output", map[string]any{"process_id": "nope", "stream": "stdin"}, "unknown stream"},
		{"missing binary", "start_process", map[string]any{"command": "no-such-binary-xyz"}, "invalid_request"},
		{"terminate unknown", "terminate_process", map[string]any{"process_id": "nope"}, "not_found"},
		{"close unknown", "close_input", map[string]any{"process_id": "nope"}, "not_found"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, cs, tc.tool, tc.args)
			require.True(t, res.IsError)
			require.Contains(t, resultText(res), tc.want)
		})
	}
}

func TestEmptyList(t *testing.T) {
	cs := setup(t)
	require.Empty(t, decodeResult[[]models.Process](t, callTool(t, cs, "list_processes", nil)))
	require.Equal(t, "[]", resultText(callTool(t, cs, "list_processes", nil)))
}
