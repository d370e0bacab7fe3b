// Package toolchain runs the external tools devicetrust depends on (openssl,
// tpm2-tools) behind a small interface with bounded timeouts and structured
// errors.
//
// A non-zero exit is reported as errdefs.ErrExternalTool with the tool's
// trimmed stderr. A deadline is reported as errdefs.ErrTimeout, which callers
// may retry.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// DefaultTimeout bounds every subprocess call unless overridden.
const DefaultTimeout = 10 * time.Second

// Command is one subprocess invocation.
type Command struct {
	// Name is the executable, resolved through PATH when not absolute.
	Name string
	// Args are passed verbatim; no shell is involved.
	Args []string
	// Stdin is fed to the process when non-nil. Secrets are passed this way,
	// never as arguments.
	Stdin []byte
	// Dir is the working directory, if set.
	Dir string
}

// String renders the command for logs and error messages. Stdin is never
// included.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs a Command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// Exec runs commands with os/exec.
type Exec struct {
	// Timeout bounds each call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewExec returns an Exec runner with the given timeout.
func NewExec(timeout time.Duration) *Exec {
	return &Exec{Timeout: timeout}
}

// Run executes cmd. The caller's context is honored in addition to the
// runner timeout.
func (e *Exec) Run(ctx context.Context, cmd Command) ([]byte, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Dir = cmd.Dir
	if cmd.Stdin != nil {
		command.Stdin = bytes.NewReader(cmd.Stdin)
	}

	err := command.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, errdefs.Timeout(cmd.String(), ctxErr)
		}
		return nil, fmt.Errorf("%s: %w", cmd.String(), ctxErr)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v (stderr: %s): %w",
			cmd.String(), err, strings.TrimSpace(stderr.String()), errdefs.ErrExternalTool)
	}
	return stdout.Bytes(), nil
}

// Available reports whether every named tool resolves through PATH.
func Available(names ...string) bool {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return false
		}
	}
	return true
}
