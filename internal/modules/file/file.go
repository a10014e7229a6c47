package file

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/types"
)

// Runner is the slice of a bound executor the file module needs.
type Runner interface {
	Run(ctx context.Context, cmd string, class remote.TimeoutClass) (remote.Result, error)
	Upload(ctx context.Context, content []byte, remotePath string) error
}

// FileModule manages files on one target.
type FileModule struct {
	Runner     Runner
	Strategies []Strategy
	Logger     *slog.Logger
}

// New returns a FileModule using the default write tiers.
func New(r Runner, log *slog.Logger) *FileModule {
	return &FileModule{Runner: r, Strategies: DefaultStrategies(), Logger: logger.OrDefault(log)}
}

// EnsureFile makes path hold exactly content. A missing path starts at the
// first tier; an existing one skips tiers that only create. Each tier is
// verified by size before the next is considered.
func (fm *FileModule) EnsureFile(ctx context.Context, path string, content []byte) types.StepResult {
	step := "write " + path
	content = normalize(content)

	exists, err := fm.Exists(ctx, path)
	if err != nil {
		return failResult(step, err)
	}
	if exists {
		same, err := fm.sameContent(ctx, path, content)
		if err != nil {
			return failResult(step, err)
		}
		if same {
			return types.OK(step, false, fmt.Sprintf("File '%s' unchanged", path))
		}
	}

	var errs []error
	for _, s := range fm.Strategies {
		if exists && s.CreateOnly() {
			continue
		}
		if err := s.Write(ctx, fm.Runner, path, content); err != nil {
			fm.log().Warn("file write tier failed",
				slog.String("path", path), slog.String("tier", s.Name()), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			if isTransport(err) {
				break
			}
			continue
		}
		ok, err := fm.verifySize(ctx, path, len(content))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s verify: %w", s.Name(), err))
			if isTransport(err) {
				break
			}
			continue
		}
		if !ok {
			fm.log().Warn("file write tier did not take effect",
				slog.String("path", path), slog.String("tier", s.Name()))
			errs = append(errs, fmt.Errorf("%s: size mismatch after write", s.Name()))
			continue
		}
		return types.OK(step, true, fmt.Sprintf("File '%s' written via %s", path, s.Name()))
	}
	return failResult(step, fmt.Errorf("all write tiers failed for %s: %w", path, errors.Join(errs...)))
}

// EnsureDirectory creates every dir that does not exist yet.
func (fm *FileModule) EnsureDirectory(ctx context.Context, dirs ...string) types.StepResult {
	step := "mkdir"
	quoted := make([]string, len(dirs))
	for i, d := range dirs {
		quoted[i] = shellescape.Quote(d)
	}
	if err := fm.mustRun(ctx, "sudo mkdir -p "+strings.Join(quoted, " ")); err != nil {
		return failResult(step, err)
	}
	return types.OK(step, false, fmt.Sprintf("Directories ensured: %s", strings.Join(dirs, ", ")))
}

// RemovePath deletes path if it exists.
func (fm *FileModule) RemovePath(ctx context.Context, path string) types.StepResult {
	step := "remove " + path
	existed, err := fm.Exists(ctx, path)
	if err != nil {
		return failResult(step, err)
	}
	if err := fm.mustRun(ctx, "sudo rm -f "+shellescape.Quote(path)); err != nil {
		return failResult(step, err)
	}
	return types.OK(step, existed, fmt.Sprintf("Removed '%s'", path))
}

// EnsureSymlink points dest at src. When dest does not end up as a link to
// src, content is copied to dest instead, replacing a stale copy.
func (fm *FileModule) EnsureSymlink(ctx context.Context, src, dest string, content []byte) types.StepResult {
	step := "enable " + dest
	cmd := fmt.Sprintf("sudo ln -sf %s %s", shellescape.Quote(src), shellescape.Quote(dest))
	if err := fm.mustRun(ctx, cmd); err != nil && isTransport(err) {
		return failResult(step, err)
	}

	target, isLink, err := fm.Readlink(ctx, dest)
	if err != nil {
		return failResult(step, err)
	}
	if isLink && target == src {
		return types.OK(step, true, fmt.Sprintf("Symlink created: %s -> %s", dest, src))
	}
	if isLink {
		// tee would write through a foreign link into its target.
		if err := fm.mustRun(ctx, "sudo rm -f "+shellescape.Quote(dest)); err != nil {
			return failResult(step, err)
		}
	}

	fm.log().Warn("symlink not in place, copying content", slog.String("dest", dest))
	res := fm.EnsureFile(ctx, dest, content)
	res.Step = step
	switch {
	case res.Failed():
	case res.Changed:
		res.Msg = fmt.Sprintf("Copied %s to %s", src, dest)
	default:
		res.Msg = fmt.Sprintf("Copy of %s at %s is current", src, dest)
	}
	return res
}

// Readlink reports where the symlink at p points. ok is false when p is
// missing or not a symlink.
func (fm *FileModule) Readlink(ctx context.Context, p string) (target string, ok bool, err error) {
	res, err := fm.Runner.Run(ctx, "sudo readlink "+shellescape.Quote(p), remote.Interactive)
	if err != nil {
		return "", false, err
	}
	if !res.OK() {
		return "", false, nil
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

// Exists reports whether path exists on the target.
func (fm *FileModule) Exists(ctx context.Context, path string) (bool, error) {
	res, err := fm.Runner.Run(ctx, "sudo test -e "+shellescape.Quote(path), remote.Interactive)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (fm *FileModule) verifySize(ctx context.Context, path string, want int) (bool, error) {
	res, err := fm.Runner.Run(ctx, "sudo stat -c %s "+shellescape.Quote(path), remote.Interactive)
	if err != nil {
		return false, err
	}
	if !res.OK() {
		return false, nil
	}
	got, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return false, nil
	}
	return got == want, nil
}

func (fm *FileModule) sameContent(ctx context.Context, path string, content []byte) (bool, error) {
	res, err := fm.Runner.Run(ctx, "sudo sha256sum "+shellescape.Quote(path), remote.Interactive)
	if err != nil {
		return false, err
	}
	if !res.OK() {
		return false, nil
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return false, nil
	}
	sum := sha256.Sum256(content)
	return fields[0] == hex.EncodeToString(sum[:]), nil
}

func (fm *FileModule) mustRun(ctx context.Context, cmd string) error {
	res, err := fm.Runner.Run(ctx, cmd, remote.Interactive)
	if err != nil {
		return err
	}
	return res.Check(cmd)
}

func (fm *FileModule) log() *slog.Logger {
	return logger.OrDefault(fm.Logger)
}

// normalize guarantees a trailing newline so line-based tiers and size
// verification agree.
func normalize(content []byte) []byte {
	if len(content) == 0 || content[len(content)-1] != '\n' {
		return append(append([]byte(nil), content...), '\n')
	}
	return content
}

func isTransport(err error) bool {
	return errors.Is(err, types.ErrConnectivity) || errors.Is(err, types.ErrTimeout)
}

// failResult marks a step terminal with the given cause.
func failResult(step string, err error) types.StepResult {
	return types.Terminal(step, err)
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
