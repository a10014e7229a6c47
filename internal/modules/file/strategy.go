package file

import (
	"bytes"
	"context"
	"fmt"

	"al.essio.dev/pkg/shellescape"

	"github.com/eniac111/proxyops/internal/remote"
)

// Strategy is one way of putting content at a remote path.
type Strategy interface {
	Name() string
	// CreateOnly strategies are skipped when the path already exists.
	CreateOnly() bool
	Write(ctx context.Context, r Runner, path string, content []byte) error
}

// DefaultStrategies returns the write tiers in the order they are tried.
func DefaultStrategies() []Strategy {
	return []Strategy{DirectWrite{}, ElevatedOverwrite{}, LineAppend{}}
}

// DirectWrite uploads over SFTP, staging privileged paths.
type DirectWrite struct{}

func (DirectWrite) Name() string     { return "direct_write" }
func (DirectWrite) CreateOnly() bool { return true }

func (DirectWrite) Write(ctx context.Context, r Runner, path string, content []byte) error {
	return r.Upload(ctx, content, path)
}

// ElevatedOverwrite pipes the whole content through sudo tee.
type ElevatedOverwrite struct{}

func (ElevatedOverwrite) Name() string     { return "elevated_overwrite" }
func (ElevatedOverwrite) CreateOnly() bool { return false }

func (ElevatedOverwrite) Write(ctx context.Context, r Runner, path string, content []byte) error {
	cmd := fmt.Sprintf("echo %s | base64 -d | sudo tee %s > /dev/null", encode(content), shellescape.Quote(path))
	return run(ctx, r, cmd)
}

// LineAppend truncates the file and appends it one line at a time.
type LineAppend struct{}

func (LineAppend) Name() string     { return "line_append" }
func (LineAppend) CreateOnly() bool { return false }

func (LineAppend) Write(ctx context.Context, r Runner, path string, content []byte) error {
	quoted := shellescape.Quote(path)
	if err := run(ctx, r, "sudo truncate -s 0 "+quoted); err != nil {
		return err
	}
	for _, line := range bytes.SplitAfter(content, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		cmd := fmt.Sprintf("echo %s | base64 -d | sudo tee -a %s > /dev/null", encode(line), quoted)
		if err := run(ctx, r, cmd); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, r Runner, cmd string) error {
	res, err := r.Run(ctx, cmd, remote.Interactive)
	if err != nil {
		return err
	}
	return res.Check(cmd)
}
