// Package controller runs the emulator's single control loop.
//
// Operator lines and scheduled link events are handled on one goroutine, so
// every topology mutation is serialised. A separate goroutine only turns
// input into lines.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/satnet-emulator/internal/handover"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/session"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

// Scheduler is the part of *handover.Scheduler the loop drives.
type Scheduler interface {
	Start()
	Next() (time.Time, bool)
	RunDue(ctx context.Context) []handover.Result
}

// Console handles operator lines. *session.Session satisfies it.
type Console interface {
	Handle(ctx context.Context, line string) error
	Prompt() string
	PrintError(err error)
}

// Config wires a Controller. Console and Input are nil when running
// without an operator; Scheduler is nil when nothing is scheduled.
type Config struct {
	Clock     timectrl.SimClock
	Scheduler Scheduler
	Console   Console
	Input     io.Reader
	// PromptOut receives the prompt; nil disables it.
	PromptOut io.Writer
	Log       logging.Logger
}

// Controller owns the control loop.
type Controller struct {
	cfg Config
}

// New returns a controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = timectrl.NewWallClock()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	return &Controller{cfg: cfg}
}

// ReadLines feeds r into a channel line by line and closes it at EOF or
// once ctx is done and the next line has been read.
func ReadLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// Run starts the scheduler and serves lines and events until the operator
// quits, input ends, or ctx is done. Quitting and end of input return nil;
// cancellation returns ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	var lines <-chan string
	if c.cfg.Console != nil && c.cfg.Input != nil {
		lines = ReadLines(readCtx, c.cfg.Input)
	}
	if c.cfg.Scheduler != nil {
		c.cfg.Scheduler.Start()
	}
	c.prompt()

	var (
		timer   <-chan time.Time
		armedAt time.Time
	)
	for {
		if c.cfg.Scheduler != nil {
			next, ok := c.cfg.Scheduler.Next()
			switch {
			case !ok:
				timer = nil
			case timer == nil || !next.Equal(armedAt):
				armedAt = next
				timer = c.cfg.Clock.After(next.Sub(c.cfg.Clock.Now()))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer:
			timer = nil
			c.runDue(ctx)

		case line, ok := <-lines:
			if !ok {
				c.cfg.Log.Info(ctx, "input closed")
				return nil
			}
			if err := c.cfg.Console.Handle(ctx, line); err != nil {
				if errors.Is(err, session.ErrQuit) {
					return nil
				}
				c.cfg.Console.PrintError(err)
			}
			c.prompt()
		}
	}
}

func (c *Controller) runDue(ctx context.Context) {
	for _, r := range c.cfg.Scheduler.RunDue(ctx) {
		if r.Err != nil {
			c.cfg.Log.Warn(ctx, "scheduled event failed", logging.Link(r.Event.Link), logging.Err(r.Err))
		}
	}
}

func (c *Controller) prompt() {
	if c.cfg.PromptOut != nil && c.cfg.Console != nil {
		fmt.Fprint(c.cfg.PromptOut, c.cfg.Console.Prompt())
	}
}
