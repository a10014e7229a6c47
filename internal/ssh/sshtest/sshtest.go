// Package sshtest provides in-memory sessions for tests of code that talks
// to targets.
package sshtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/types"
)

// Handler answers one remote command.
type Handler func(cmd string) (stdout, stderr string, status int, err error)

// Conn is a scripted ssh.Conn.
type Conn struct {
	Handler Handler
	// UploadFunc handles Upload. Nil stores data in Uploads.
	UploadFunc func(data []byte, remotePath string) error

	mu       sync.Mutex
	commands []string
	uploads  map[string][]byte
	closed   bool
}

var _ ssh.Conn = (*Conn)(nil)

func (c *Conn) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return -1, fmt.Errorf("session closed: %w", types.ErrConnectivity)
	}
	c.commands = append(c.commands, cmd)
	h := c.Handler
	c.mu.Unlock()

	if h == nil {
		return 0, nil
	}
	out, errOut, status, err := h(cmd)
	_, _ = io.WriteString(stdout, out)
	_, _ = io.WriteString(stderr, errOut)
	return status, err
}

func (c *Conn) Upload(ctx context.Context, data []byte, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.UploadFunc != nil {
		return c.UploadFunc(data, remotePath)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploads == nil {
		c.uploads = make(map[string][]byte)
	}
	c.uploads[remotePath] = append([]byte(nil), data...)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Commands returns every command run so far, in order.
func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Uploaded returns the bytes stored at remotePath by Upload.
func (c *Conn) Uploaded(remotePath string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.uploads[remotePath]
	return b, ok
}

// Dialer hands out connections from New and counts dials.
type Dialer struct {
	// New builds the next connection. It may return an error to simulate an
	// unreachable target.
	New func(t types.Target) (ssh.Conn, error)

	dials atomic.Int32
}

var _ ssh.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, t types.Target) (ssh.Conn, error) {
	d.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.New(t)
}

// Dials reports how many connection attempts were made.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Static returns a Dialer that always hands out conn.
func Static(conn ssh.Conn) *Dialer {
	return &Dialer{New: func(types.Target) (ssh.Conn, error) { return conn, nil }}
}
