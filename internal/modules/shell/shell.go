package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/types"
)

// Runner executes a command on one target.
type Runner interface {
	Run(ctx context.Context, cmd string, class remote.TimeoutClass) (remote.Result, error)
}

// ShellModule runs named remote steps.
type ShellModule struct {
	Runner Runner
}

// Run executes cmd and reports it as a step. A nonzero exit or a transport
// failure is terminal; the remote output is kept in the message.
func (sm ShellModule) Run(ctx context.Context, step, cmd string, class remote.TimeoutClass) (types.StepResult, remote.Result) {
	if strings.TrimSpace(cmd) == "" {
		return types.Terminal(step, fmt.Errorf("missing command: %w", types.ErrInvalidArgument)), remote.Result{}
	}

	res, err := sm.Runner.Run(ctx, cmd, class)
	if err != nil {
		return types.Terminal(step, err), res
	}
	if err := res.Check(cmd); err != nil {
		return types.Terminal(step, err), res
	}
	return types.OK(step, true, "Command output: "+strings.TrimSpace(res.Stdout)), res
}
