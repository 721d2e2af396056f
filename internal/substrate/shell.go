package substrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/shlex"
	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
)

// Shell runs substrate commands (ip, tc).
type Shell interface {
	// Runv runs argv and returns its combined output.
	Runv(ctx context.Context, argv []string) ([]byte, error)
}

// ShellRunf formats a command line, splits it like a POSIX shell would and
// runs it.
func ShellRunf(ctx context.Context, sh Shell, format string, v ...any) error {
	argv, err := shlex.Split(fmt.Sprintf(format, v...))
	if err != nil {
		return err
	}
	_, err = sh.Runv(ctx, argv)
	return err
}

// CommandError reports a substrate command that exited with an error,
// including what it printed.
type CommandError struct {
	Argv   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Argv, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Argv, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// LinuxShell executes commands on the host.
type LinuxShell struct {
	Log logging.Logger
}

var _ Shell = &LinuxShell{}

// Runv implements Shell.
func (sh *LinuxShell) Runv(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) < 1 {
		return nil, errors.New("no command specified")
	}
	log := sh.Log
	if log == nil {
		log = logging.Noop()
	}
	log.Debug(ctx, "+ "+strings.Join(argv, " "))

	cmd := execabs.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), &CommandError{Argv: argv, Output: out.String(), Err: err}
	}
	return out.Bytes(), nil
}

// DryRunShell records commands without executing them.
type DryRunShell struct {
	Log logging.Logger

	mu       sync.Mutex
	commands []string
}

var _ Shell = &DryRunShell{}

// Runv implements Shell.
func (sh *DryRunShell) Runv(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) < 1 {
		return nil, errors.New("no command specified")
	}
	line := strings.Join(argv, " ")
	if sh.Log != nil {
		sh.Log.Info(ctx, "+ "+line, logging.Bool("dry_run", true))
	}
	sh.mu.Lock()
	sh.commands = append(sh.commands, line)
	sh.mu.Unlock()
	return nil, nil
}

// Commands returns the command lines recorded so far.
func (sh *DryRunShell) Commands() []string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]string(nil), sh.commands...)
}
