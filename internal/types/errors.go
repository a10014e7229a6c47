package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a record with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectivity indicates that a target could not be reached. It is
	// terminal for the current attempt.
	ErrConnectivity = errors.New("target unreachable")

	// ErrAuthentication indicates a bad or missing credential.
	ErrAuthentication = errors.New("authentication failed")

	// ErrRemoteCommand indicates a remote command exited nonzero.
	ErrRemoteCommand = errors.New("remote command failed")

	// ErrConfigValidation indicates the proxy rejected the rendered configuration.
	ErrConfigValidation = errors.New("configuration validation failed")

	// ErrIssuance indicates certificate issuance failed for a rule set.
	ErrIssuance = errors.New("certificate issuance failed")

	// ErrPersistence indicates a record or audit entry could not be written.
	ErrPersistence = errors.New("persistence failed")

	// ErrTimeout indicates a remote command exceeded its timeout class.
	ErrTimeout = errors.New("remote command timed out")

	// ErrNoRoutingRules indicates that no routing rules resolve for a target.
	ErrNoRoutingRules = errors.New("no routing rules for target")
)

// CommandError carries the result of a remote command that exited nonzero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}
	if out == "" {
		return fmt.Sprintf("%q exited with status %d", e.Command, e.ExitStatus)
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.ExitStatus, out)
}

// Is lets callers match a CommandError against ErrRemoteCommand.
func (e *CommandError) Is(target error) bool {
	return target == ErrRemoteCommand
}
