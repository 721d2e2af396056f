package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
)

var (
	// ErrNotReady indicates the control endpoint did not appear in time.
	ErrNotReady = errors.New("daemon not ready")
	// ErrExited indicates the daemon exited before its endpoint appeared.
	ErrExited = errors.New("daemon exited during startup")
)

// DefaultReadyTimeout bounds the wait for every control endpoint.
const DefaultReadyTimeout = 8 * time.Second

const (
	readyPollInterval = 100 * time.Millisecond
	logTailBytes      = 2048
)

// Commander builds a command that runs inside a host's network context.
// substrate.Substrate satisfies it.
type Commander interface {
	Command(ctx context.Context, host string, argv []string) (*execabs.Cmd, error)
}

// Launcher starts forwarding daemons. Config, log and socket files live in
// StateDir as <node>.yml, <node>.log and the registry-assigned endpoint.
type Launcher struct {
	Binary   string
	StateDir string
	Network  string
	UDPPort  int
	Hosts    Commander
	Log      logging.Logger
	// Env is appended to the inherited environment of every daemon.
	Env []string
}

// Start writes node's configuration and launches its daemon. A stale
// socket at endpoint is removed first.
func (l *Launcher) Start(ctx context.Context, node, endpoint string) (*Process, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("start %s: daemon binary not configured", node)
	}
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("start %s: remove stale endpoint: %w", node, err)
	}

	confPath := filepath.Join(l.StateDir, node+".yml")
	logPath := filepath.Join(l.StateDir, node+".log")
	if err := NodeConfig(node, l.Network, endpoint, l.UDPPort).WriteFile(confPath); err != nil {
		return nil, fmt.Errorf("start %s: %w", node, err)
	}

	cmd, err := l.Hosts.Command(ctx, node, []string{l.Binary, "daemon", confPath})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", node, err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", node, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), l.Env...)

	p, err := startProcess(cmd, logFile)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", node, err)
	}
	p.Node, p.Endpoint, p.ConfigPath, p.LogPath = node, endpoint, confPath, logPath
	l.logger().Info(ctx, "daemon started",
		logging.Node(node),
		logging.Int("pid", p.Pid()),
		logging.String("endpoint", endpoint),
	)
	return p, nil
}

func (l *Launcher) logger() logging.Logger {
	if l.Log == nil {
		return logging.Noop()
	}
	return l.Log
}

// ReadinessError describes a daemon whose endpoint never became usable.
type ReadinessError struct {
	Node     string
	Endpoint string
	LogTail  string
	Err      error
}

func (e *ReadinessError) Error() string {
	msg := fmt.Sprintf("%s (%s): %v", e.Node, e.Endpoint, e.Err)
	if tail := strings.TrimSpace(e.LogTail); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func (e *ReadinessError) Unwrap() error { return e.Err }

// WaitReady polls until every process's endpoint exists as a socket. One
// deadline covers the whole set. The first daemon that exits or is still
// missing at the deadline is reported as a *ReadinessError. If ctx ends
// first, the error wraps ctx.Err() instead of ErrNotReady.
func WaitReady(ctx context.Context, procs []*Process, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	pending := append([]*Process(nil), procs...)
	for {
		remaining := pending[:0]
		for _, p := range pending {
			if isSocket(p.Endpoint) {
				continue
			}
			if exited, werr := p.Exited(); exited {
				err := ErrExited
				if werr != nil {
					err = fmt.Errorf("%w: %v", ErrExited, werr)
				}
				return &ReadinessError{Node: p.Node, Endpoint: p.Endpoint, LogTail: p.LogTail(logTailBytes), Err: err}
			}
			remaining = append(remaining, p)
		}
		pending = remaining
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			p := pending[0]
			err := fmt.Errorf("%w after %s (%d missing)", ErrNotReady, timeout, len(pending))
			if perr := parent.Err(); perr != nil {
				err = fmt.Errorf("readiness wait interrupted (%d missing): %w", len(pending), perr)
			}
			return &ReadinessError{
				Node:     p.Node,
				Endpoint: p.Endpoint,
				LogTail:  p.LogTail(logTailBytes),
				Err:      err,
			}
		case <-ticker.C:
		}
	}
}

func isSocket(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode()&os.ModeSocket != 0
}
