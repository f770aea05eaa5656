package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chzyer/readline"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
	"github.com/chaz8081/disto-reader/internal/operator"
	"github.com/chaz8081/disto-reader/internal/session"
)

// requester is the part of the session machine the console drives.
type requester interface {
	Request(ctx context.Context, cmd protocol.Command) error
}

// console is the active-mode operator prompt.
type console struct {
	rl      *readline.Instance
	machine requester
}

func newConsole(m requester) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "disto> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{rl: rl, machine: m}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (c *console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that coordinates with the prompt.
func (c *console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Close releases the terminal and unblocks a pending Readline.
func (c *console) Close() error {
	return c.rl.Close()
}

// Run reads commands until the operator quits, input ends, or ctx is done.
func (c *console) Run(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			cancel()
			return
		}

		if !c.handle(ctx, line) {
			cancel()
			return
		}
	}
}

// handle executes one input line and reports whether to keep reading.
func (c *console) handle(ctx context.Context, line string) bool {
	out := c.rl.Stdout()

	action, err := operator.Parse(line)
	if err != nil {
		fmt.Fprintf(out, "%v (? for help)\n", err)
		return true
	}

	switch action.Kind {
	case operator.ActionQuit:
		fmt.Fprintln(out, "Exiting...")
		return false
	case operator.ActionHelp:
		fmt.Fprint(out, operator.Help())
	case operator.ActionCommand:
		err := c.machine.Request(ctx, action.Command)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrMeasurementInProgress):
			fmt.Fprintln(out, "busy: a measurement is in progress")
		default:
			fmt.Fprintf(out, "%s failed: %v\n", action.Command, err)
		}
	}
	return true
}
