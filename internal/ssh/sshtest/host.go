package sshtest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/eniac111/proxyops/internal/ssh"
	"github.com/eniac111/proxyops/internal/types"
)

var teeRegex = regexp.MustCompile(`^echo (\S+) \| base64 -d \| (?:sudo )?tee( -a)? (\S+) > /dev/null$`)

// Host is an in-memory remote host. It understands the file commands the
// deployment code issues and answers everything else through Handle
// overrides, defaulting to success.
type Host struct {
	// FailUpload makes every SFTP upload fail.
	FailUpload bool
	// SilentTee makes overwriting tee commands report success without
	// writing anything.
	SilentTee bool
	// SuppressSymlinks makes ln report success without creating a link.
	SuppressSymlinks bool

	mu       sync.Mutex
	files    map[string]string
	links    map[string]string
	dirs     map[string]bool
	handlers []override
	commands []string
	closed   bool
}

type override struct {
	match string
	fn    Handler
}

var _ ssh.Conn = (*Host)(nil)

// NewHost returns an empty host.
func NewHost() *Host {
	return &Host{
		files: make(map[string]string),
		links: make(map[string]string),
		dirs:  make(map[string]bool),
	}
}

// Handle answers any command containing match with fn. Later overrides win.
func (h *Host) Handle(match string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, override{match: match, fn: fn})
}

// WriteFile seeds a file.
func (h *Host) WriteFile(p, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = content
}

// ReadFile returns the content at p, following a symlink.
func (h *Host) ReadFile(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read(p)
}

// IsLink reports whether p is a symlink and where it points.
func (h *Host) IsLink(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, ok := h.links[p]
	return src, ok
}

// List returns "name -> target" for links and "name" for files directly
// under dir, sorted.
func (h *Host) List(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		if path.Dir(p) == dir {
			out = append(out, path.Base(p))
		}
	}
	for p, src := range h.links {
		if path.Dir(p) == dir {
			out = append(out, path.Base(p)+" -> "+src)
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns every command run so far, in order.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// CountCommands returns how many commands contained substr.
func (h *Host) CountCommands(substr string) int {
	n := 0
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func (h *Host) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return -1, fmt.Errorf("session closed: %w", types.ErrConnectivity)
	}
	h.commands = append(h.commands, cmd)
	var custom Handler
	for i := len(h.handlers) - 1; i >= 0; i-- {
		if strings.Contains(cmd, h.handlers[i].match) {
			custom = h.handlers[i].fn
			break
		}
	}
	h.mu.Unlock()

	if custom != nil {
		out, errOut, status, err := custom(cmd)
		_, _ = io.WriteString(stdout, out)
		_, _ = io.WriteString(stderr, errOut)
		return status, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	status := 0
	for _, alt := range strings.Split(cmd, " || ") {
		status = 0
		for _, step := range strings.Split(alt, " && ") {
			var out string
			out, status = h.exec(strings.TrimSpace(step))
			_, _ = io.WriteString(stdout, out)
			if status != 0 {
				break
			}
		}
		if status == 0 {
			break
		}
	}
	return status, nil
}

func (h *Host) Upload(ctx context.Context, data []byte, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailUpload {
		return fmt.Errorf("sftp: permission denied")
	}
	h.files[remotePath] = string(data)
	return nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Host) read(p string) (string, bool) {
	if src, ok := h.links[p]; ok {
		p = src
	}
	c, ok := h.files[p]
	return c, ok
}

func (h *Host) exists(p string) bool {
	if _, ok := h.read(p); ok {
		return true
	}
	return h.dirs[p]
}

func (h *Host) exec(step string) (string, int) {
	if m := teeRegex.FindStringSubmatch(step); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "", 1
		}
		target := m[3]
		if src, ok := h.links[target]; ok {
			target = src
		}
		if m[2] != "" {
			h.files[target] += string(data)
			return "", 0
		}
		if !h.SilentTee {
			h.files[target] = string(data)
		}
		return "", 0
	}

	fields := strings.Fields(strings.TrimPrefix(step, "sudo "))
	if len(fields) == 0 {
		return "", 0
	}
	switch {
	case fields[0] == "true":
		return "", 0
	case fields[0] == "test" && len(fields) == 3 && fields[1] == "-e":
		if h.exists(fields[2]) {
			return "", 0
		}
		return "", 1
	case fields[0] == "stat" && len(fields) == 4:
		c, ok := h.read(fields[3])
		if !ok {
			return "", 1
		}
		return strconv.Itoa(len(c)) + "\n", 0
	case fields[0] == "sha256sum" && len(fields) == 2:
		c, ok := h.read(fields[1])
		if !ok {
			return "", 1
		}
		sum := sha256.Sum256([]byte(c))
		return hex.EncodeToString(sum[:]) + "  " + fields[1] + "\n", 0
	case fields[0] == "truncate" && len(fields) == 4:
		target := fields[3]
		if src, ok := h.links[target]; ok {
			target = src
		}
		h.files[target] = ""
		return "", 0
	case fields[0] == "mkdir":
		for _, d := range fields[1:] {
			if d != "-p" {
				h.dirs[d] = true
			}
		}
		return "", 0
	case fields[0] == "rm":
		for _, p := range fields[1:] {
			if strings.HasPrefix(p, "-") {
				continue
			}
			delete(h.files, p)
			delete(h.links, p)
		}
		return "", 0
	case fields[0] == "ln" && len(fields) == 4:
		if !h.SuppressSymlinks {
			delete(h.files, fields[3])
			h.links[fields[3]] = fields[2]
		}
		return "", 0
	case fields[0] == "mv" && len(fields) == 3:
		c, ok := h.files[fields[1]]
		if !ok {
			return "", 1
		}
		delete(h.files, fields[1])
		delete(h.links, fields[2])
		h.files[fields[2]] = c
		return "", 0
	case fields[0] == "readlink" && len(fields) == 2:
		src, ok := h.links[fields[1]]
		if !ok {
			return "", 1
		}
		return src + "\n", 0
	case fields[0] == "cat" && len(fields) == 2:
		c, ok := h.read(fields[1])
		if !ok {
			return "", 1
		}
		return c, 0
	}
	return "", 0
}
