package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDaemonStart indicates a node's forwarding daemon failed to launch
	// or never became reachable on its control endpoint.
	ErrDaemonStart = errors.New("daemon start failed")
	// ErrLinkState indicates the substrate refused a link state or profile
	// change.
	ErrLinkState = errors.New("link state change failed")
	// ErrUnknownLink indicates a link id that does not exist in the topology.
	ErrUnknownLink = errors.New("unknown link")
	// ErrTornDown indicates an operation on a topology after Teardown.
	ErrTornDown = errors.New("topology torn down")
)

// DaemonStartError carries the node and the tail of its daemon log.
type DaemonStartError struct {
	Node    string
	LogTail string
	Err     error
}

func (e *DaemonStartError) Error() string {
	msg := fmt.Sprintf("%v: node %s: %v", ErrDaemonStart, e.Node, e.Err)
	if tail := strings.TrimSpace(e.LogTail); tail != "" {
		msg += "\n--- " + e.Node + ".log ---\n" + tail
	}
	return msg
}

func (e *DaemonStartError) Is(target error) bool { return target == ErrDaemonStart }

func (e *DaemonStartError) Unwrap() error { return e.Err }

// LinkStateError reports a failed link mutation.
type LinkStateError struct {
	Link string
	Op   string
	Err  error
}

func (e *LinkStateError) Error() string {
	return fmt.Sprintf("%v: link %s: %s: %v", ErrLinkState, e.Link, e.Op, e.Err)
}

func (e *LinkStateError) Is(target error) bool { return target == ErrLinkState }

func (e *LinkStateError) Unwrap() error { return e.Err }
