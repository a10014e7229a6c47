package remote_test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/audit"
	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/retry"
	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/ssh/sshtest"
	"github.com/eniac111/proxyops/internal/store/sqlite"
	"github.com/eniac111/proxyops/internal/types"
)

var edge = types.Target{ID: "edge-1", Address: "10.0.0.5", User: "deploy", Password: "pw"}

func newExecutor(t *testing.T, conn ssh.Conn) (*remote.Executor, *sqlite.AuditRepo) {
	t.Helper()
	store := sqlite.NewStore(sqlite.OpenTestDB(t)).Audit
	pool := ssh.NewPool(sshtest.Static(conn), retry.Policy{MaxAttempts: 1}, logger.Discard(), nil)
	t.Cleanup(func() { _ = pool.ReleaseAll() })
	exec := remote.New(pool, audit.NewRecorder(store, logger.Discard()), logger.Discard(), nil)
	return exec, store
}

// auditTrail returns the entries for edge in the order they were written.
func auditTrail(t *testing.T, store *sqlite.AuditRepo) []types.AuditLogEntry {
	t.Helper()
	entries, err := store.ListByTarget(context.Background(), edge.ID, 0)
	require.NoError(t, err)
	slices.Reverse(entries)
	return entries
}

func TestRunClassifiesOutcomes(t *testing.T) {
	conn := &sshtest.Conn{Handler: func(cmd string) (string, string, int, error) {
		switch cmd {
		case ssh.ProbeCommand:
			return "", "", 0, nil
		case "ok":
			return "hello\n", "", 0, nil
		case "nonzero":
			return "", "nope\n", 2, nil
		default:
			return "", "", -1, fmt.Errorf("connection reset: %w", types.ErrConnectivity)
		}
	}}
	exec, store := newExecutor(t, conn)
	ctx := context.Background()

	res, err := exec.Run(ctx, edge, "ok", remote.Interactive)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.True(t, res.OK())

	res, err = exec.Run(ctx, edge, "nonzero", remote.Interactive)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitStatus)
	var cmdErr *types.CommandError
	require.ErrorAs(t, res.Check("nonzero"), &cmdErr)
	assert.ErrorIs(t, cmdErr, types.ErrRemoteCommand)

	_, err = exec.Run(ctx, edge, "broken", remote.Interactive)
	assert.ErrorIs(t, err, types.ErrConnectivity)

	entries := auditTrail(t, store)
	require.Len(t, entries, 3)
	assert.Equal(t, types.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, types.OutcomeWarning, entries[1].Outcome)
	assert.Equal(t, types.OutcomeError, entries[2].Outcome)
	for _, e := range entries {
		assert.Equal(t, types.ActionCommandExecution, e.Action)
	}
}

func TestRunTimeoutIsError(t *testing.T) {
	conn := &sshtest.Conn{Handler: func(cmd string) (string, string, int, error) {
		if cmd == ssh.ProbeCommand {
			return "", "", 0, nil
		}
		time.Sleep(50 * time.Millisecond)
		return "", "", -1, context.DeadlineExceeded
	}}
	exec, store := newExecutor(t, conn)
	exec.InteractiveTimeout = 10 * time.Millisecond

	_, err := exec.Run(context.Background(), edge, "sleep 60", remote.Interactive)

	assert.ErrorIs(t, err, types.ErrTimeout)
	entries := auditTrail(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeError, entries[0].Outcome)
}

func TestRunStreamingDeliversLines(t *testing.T) {
	conn := &sshtest.Conn{Handler: func(string) (string, string, int, error) {
		return "one\ntwo\nthree", "warn\n", 0, nil
	}}
	exec, _ := newExecutor(t, conn)

	var mu sync.Mutex
	var lines []string
	res, err := exec.RunStreaming(context.Background(), edge, "certbot", remote.LongRunning, func(s remote.Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, string(s)+":"+line)
	})

	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", res.Stdout)
	assert.Equal(t, []string{"stdout:one", "stdout:two", "stderr:warn", "stdout:three"}, lines)
}

func TestUploadOrdinaryPathWritesDirectly(t *testing.T) {
	host := sshtest.NewHost()
	exec, store := newExecutor(t, host)

	err := exec.Upload(context.Background(), edge, []byte("data"), "/home/deploy/app.conf")
	require.NoError(t, err)

	got, ok := host.ReadFile("/home/deploy/app.conf")
	require.True(t, ok)
	assert.Equal(t, "data", got)
	assert.Zero(t, host.CountCommands("sudo mv"))

	entries := auditTrail(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ActionFileCreation, entries[0].Action)
	assert.Equal(t, types.OutcomeSuccess, entries[0].Outcome)
}

func TestUploadPrivilegedPathStagesAndMoves(t *testing.T) {
	host := sshtest.NewHost()
	exec, _ := newExecutor(t, host)

	err := exec.Upload(context.Background(), edge, []byte("server {}"), "/etc/nginx/nginx.conf")
	require.NoError(t, err)

	got, ok := host.ReadFile("/etc/nginx/nginx.conf")
	require.True(t, ok)
	assert.Equal(t, "server {}", got)

	var moved string
	for _, c := range host.Commands() {
		if strings.HasPrefix(c, "sudo mv /tmp/proxyops_") {
			moved = c
		}
	}
	require.NotEmpty(t, moved, "expected a staged move")
	assert.Contains(t, moved, "sudo chmod 644 /etc/nginx/nginx.conf")
	assert.Empty(t, host.List("/tmp"))
}

func TestUploadFailureIsAudited(t *testing.T) {
	host := sshtest.NewHost()
	host.FailUpload = true
	exec, store := newExecutor(t, host)

	err := exec.Upload(context.Background(), edge, []byte("x"), "/srv/app.conf")
	require.Error(t, err)

	entries := auditTrail(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeError, entries[0].Outcome)
}

func TestPrivileged(t *testing.T) {
	exec := remote.New(nil, nil, nil, nil)
	assert.True(t, exec.Privileged("/etc/nginx/nginx.conf"))
	assert.True(t, exec.Privileged("/usr/share/nginx/html/index.html"))
	assert.False(t, exec.Privileged("/tmp/x"))
	assert.False(t, exec.Privileged("/etcetera"))
}

func TestBoundMustRun(t *testing.T) {
	conn := &sshtest.Conn{Handler: func(string) (string, string, int, error) {
		return "", "boom", 1, nil
	}}
	exec, _ := newExecutor(t, conn)

	_, err := exec.For(edge).MustRun(context.Background(), "false", remote.Interactive)
	assert.ErrorIs(t, err, types.ErrRemoteCommand)
}
