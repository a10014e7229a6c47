// Package remote runs commands and transfers files on targets through pooled
// SSH sessions, auditing every call.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/types"
)

// TimeoutClass selects how long a command may run.
type TimeoutClass int

const (
	// Interactive is for probes and small file operations.
	Interactive TimeoutClass = iota
	// LongRunning is for package installation and certificate issuance.
	LongRunning
)

func (c TimeoutClass) String() string {
	if c == LongRunning {
		return "long_running"
	}
	return "interactive"
}

const (
	DefaultInteractiveTimeout = 60 * time.Second
	DefaultLongRunningTimeout = 600 * time.Second
)

// DefaultPrivilegedPrefixes are the directories that cannot be written
// directly over SFTP.
var DefaultPrivilegedPrefixes = []string{"/etc/", "/usr/"}

// Stream identifies which output a streamed line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc observes streamed output one line at a time.
type LineFunc func(stream Stream, line string)

// Result is the aggregate outcome of a completed command.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus int    `json:"exit_status"`
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitStatus == 0 }

// Output returns stdout and stderr joined, the way a terminal shows them.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Check converts a nonzero exit into a *types.CommandError.
func (r Result) Check(cmd string) error {
	if r.OK() {
		return nil
	}
	return &types.CommandError{Command: cmd, ExitStatus: r.ExitStatus, Stdout: r.Stdout, Stderr: r.Stderr}
}

// Sessions hands out live sessions. *ssh.Pool implements it.
type Sessions interface {
	Acquire(ctx context.Context, t types.Target) (ssh.Conn, error)
	Invalidate(targetID string)
}

// Auditor records one audit entry. *audit.Recorder implements it.
type Auditor interface {
	Record(ctx context.Context, targetID, action string, outcome types.Outcome, detail string)
}

// Executor runs commands on targets.
type Executor struct {
	Sessions           Sessions
	Audit              Auditor
	InteractiveTimeout time.Duration
	LongRunningTimeout time.Duration
	PrivilegedPrefixes []string
	Logger             *slog.Logger
	Metrics            *metrics.Metrics

	newID func() string
}

// New returns an Executor with default timeouts and privileged prefixes.
func New(sessions Sessions, auditor Auditor, log *slog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		Sessions:           sessions,
		Audit:              auditor,
		InteractiveTimeout: DefaultInteractiveTimeout,
		LongRunningTimeout: DefaultLongRunningTimeout,
		PrivilegedPrefixes: DefaultPrivilegedPrefixes,
		Logger:             logger.OrDefault(log),
		Metrics:            m,
	}
}

// Run executes cmd on t. The error is non-nil only for transport failures
// and timeouts; a nonzero exit is reported in the Result.
func (e *Executor) Run(ctx context.Context, t types.Target, cmd string, class TimeoutClass) (Result, error) {
	return e.run(ctx, t, cmd, class, nil)
}

// RunStreaming is Run with a per-line observer invoked as output arrives.
func (e *Executor) RunStreaming(ctx context.Context, t types.Target, cmd string, class TimeoutClass, onLine LineFunc) (Result, error) {
	return e.run(ctx, t, cmd, class, onLine)
}

func (e *Executor) run(ctx context.Context, t types.Target, cmd string, class TimeoutClass, onLine LineFunc) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout(class))
	defer cancel()

	var res Result
	conn, err := e.Sessions.Acquire(ctx, t)
	if err != nil {
		return res, e.finish(ctx, t, cmd, class, start, res, err)
	}

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = &stdout, &stderr
	var lines *lineSplitter
	if onLine != nil {
		lines = &lineSplitter{fn: onLine}
		outW = io.MultiWriter(&stdout, lines.writer(Stdout))
		errW = io.MultiWriter(&stderr, lines.writer(Stderr))
	}

	status, err := conn.Run(ctx, cmd, outW, errW)
	if lines != nil {
		lines.flush()
	}
	res = Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitStatus: status}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s after %s: %w", cmd, e.timeout(class), types.ErrTimeout)
		} else if errors.Is(err, types.ErrConnectivity) {
			e.Sessions.Invalidate(t.ID)
		}
	}
	return res, e.finish(ctx, t, cmd, class, start, res, err)
}

func (e *Executor) finish(ctx context.Context, t types.Target, cmd string, class TimeoutClass, start time.Time, res Result, err error) error {
	var outcome types.Outcome
	var detail string
	switch {
	case err != nil:
		outcome = types.OutcomeError
		detail = fmt.Sprintf("Command: %s\nError: %v", cmd, err)
	case res.ExitStatus != 0:
		outcome = types.OutcomeWarning
		detail = fmt.Sprintf("Command: %s\nExit status: %d\nOutput: %s", cmd, res.ExitStatus, strings.TrimSpace(res.Output()))
	default:
		outcome = types.OutcomeSuccess
		detail = fmt.Sprintf("Command: %s\nOutput: %s", cmd, strings.TrimSpace(res.Stdout))
	}

	e.Metrics.CommandFinished(class.String(), string(outcome), time.Since(start))
	e.log().Debug("remote command finished",
		logger.Target(t.ID),
		logger.Command(cmd),
		slog.String("class", class.String()),
		slog.Int("exit_status", res.ExitStatus),
		logger.Elapsed(start),
		logger.Error(err),
	)
	if e.Audit != nil {
		e.Audit.Record(ctx, t.ID, types.ActionCommandExecution, outcome, detail)
	}
	return err
}

// Upload writes content to remotePath on t. Paths under a privileged prefix
// are staged in /tmp and moved into place with sudo.
func (e *Executor) Upload(ctx context.Context, t types.Target, content []byte, remotePath string) error {
	err := e.upload(ctx, t, content, remotePath)
	if e.Audit != nil {
		if err != nil {
			e.Audit.Record(ctx, t.ID, types.ActionFileCreation, types.OutcomeError,
				fmt.Sprintf("Upload %s failed: %v", remotePath, err))
		} else {
			e.Audit.Record(ctx, t.ID, types.ActionFileCreation, types.OutcomeSuccess,
				fmt.Sprintf("Uploaded %d bytes to %s", len(content), remotePath))
		}
	}
	return err
}

func (e *Executor) upload(ctx context.Context, t types.Target, content []byte, remotePath string) error {
	uploadCtx, cancel := context.WithTimeout(ctx, e.timeout(Interactive))
	defer cancel()

	conn, err := e.Sessions.Acquire(uploadCtx, t)
	if err != nil {
		return err
	}

	if !e.Privileged(remotePath) {
		if err := conn.Upload(uploadCtx, content, remotePath); err != nil {
			return fmt.Errorf("upload %s: %w", remotePath, err)
		}
		return nil
	}

	staging := path.Join("/tmp", "proxyops_"+e.id())
	if err := conn.Upload(uploadCtx, content, staging); err != nil {
		return fmt.Errorf("stage %s: %w", staging, err)
	}
	cmd := fmt.Sprintf("sudo mv %s %s && sudo chmod 644 %s", shellescape.Quote(staging), shellescape.Quote(remotePath), shellescape.Quote(remotePath))
	res, err := e.Run(ctx, t, cmd, Interactive)
	if err != nil {
		return err
	}
	return res.Check(cmd)
}

// Privileged reports whether remotePath needs an elevated move.
func (e *Executor) Privileged(remotePath string) bool {
	for _, prefix := range e.PrivilegedPrefixes {
		if strings.HasPrefix(remotePath, prefix) {
			return true
		}
	}
	return false
}

// For binds the executor to one target.
func (e *Executor) For(t types.Target) *Bound {
	return &Bound{exec: e, target: t}
}

func (e *Executor) timeout(class TimeoutClass) time.Duration {
	if class == LongRunning {
		if e.LongRunningTimeout > 0 {
			return e.LongRunningTimeout
		}
		return DefaultLongRunningTimeout
	}
	if e.InteractiveTimeout > 0 {
		return e.InteractiveTimeout
	}
	return DefaultInteractiveTimeout
}

func (e *Executor) id() string {
	if e.newID != nil {
		return e.newID()
	}
	return uuid.NewString()
}

func (e *Executor) log() *slog.Logger {
	return logger.OrDefault(e.Logger)
}

// Bound is an Executor tied to a single target.
type Bound struct {
	exec   *Executor
	target types.Target
}

// Target returns the bound target.
func (b *Bound) Target() types.Target { return b.target }

func (b *Bound) Run(ctx context.Context, cmd string, class TimeoutClass) (Result, error) {
	return b.exec.Run(ctx, b.target, cmd, class)
}

func (b *Bound) RunStreaming(ctx context.Context, cmd string, class TimeoutClass, onLine LineFunc) (Result, error) {
	return b.exec.RunStreaming(ctx, b.target, cmd, class, onLine)
}

func (b *Bound) Upload(ctx context.Context, content []byte, remotePath string) error {
	return b.exec.Upload(ctx, b.target, content, remotePath)
}

// MustRun runs cmd and turns a nonzero exit into an error.
func (b *Bound) MustRun(ctx context.Context, cmd string, class TimeoutClass) (Result, error) {
	res, err := b.Run(ctx, cmd, class)
	if err != nil {
		return res, err
	}
	return res, res.Check(cmd)
}

// lineSplitter turns the two output streams into complete lines. Both
// streams share one lock so the observer is never called concurrently.
type lineSplitter struct {
	mu      sync.Mutex
	fn      LineFunc
	pending map[Stream]*bytes.Buffer
}

type streamWriter struct {
	s      *lineSplitter
	stream Stream
}

func (l *lineSplitter) writer(s Stream) io.Writer { return streamWriter{s: l, stream: s} }

func (w streamWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.pending == nil {
		w.s.pending = make(map[Stream]*bytes.Buffer)
	}
	buf, ok := w.s.pending[w.stream]
	if !ok {
		buf = &bytes.Buffer{}
		w.s.pending[w.stream] = buf
	}
	buf.Write(p)
	for {
		i := bytes.IndexByte(buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(buf.Next(i+1)), "\r\n")
		w.s.fn(w.stream, line)
	}
	return len(p), nil
}

func (l *lineSplitter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range []Stream{Stdout, Stderr} {
		if buf, ok := l.pending[s]; ok && buf.Len() > 0 {
			l.fn(s, strings.TrimRight(buf.String(), "\r"))
			buf.Reset()
		}
	}
}
