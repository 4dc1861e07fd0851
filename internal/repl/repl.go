// Package repl implements the shell's read-eval loop.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nixpig/cush/internal/builtins"
	"github.com/nixpig/cush/internal/parser"
)

// Jobs is the housekeeping the loop performs on the job manager between
// pipelines.
type Jobs interface {
	FlushNotices()
	Sweep()
}

// Dispatcher runs one parsed pipeline.
type Dispatcher interface {
	Dispatch(p *parser.Pipeline) error
}

type Config struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// Prompt is printed before each line when not nil.
	Prompt func() string
}

type REPL struct {
	jobs       Jobs
	dispatcher Dispatcher
	in         *bufio.Reader
	out        io.Writer
	err        io.Writer
	prompt     func() string
}

func New(jobs Jobs, dispatcher Dispatcher, cfg Config) *REPL {
	return &REPL{
		jobs:       jobs,
		dispatcher: dispatcher,
		in:         bufio.NewReader(cfg.In),
		out:        cfg.Out,
		err:        cfg.Err,
		prompt:     cfg.Prompt,
	}
}

// Run reads and runs lines until end of input, `exit`, or ctx is done. It
// only returns an error the shell cannot recover from.
func (r *REPL) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.safePoint()

		if r.prompt != nil {
			fmt.Fprint(r.out, r.prompt())
		}

		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if r.prompt != nil {
				fmt.Fprintln(r.out)
			}

			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read input: %w", err)
		}

		cl, err := parser.Parse(line)
		if err != nil {
			fmt.Fprintf(r.err, "cush: %v\n", err)
			continue
		}

		for i, p := range cl.Pipelines {
			if i > 0 {
				r.safePoint()
			}

			if err := r.dispatcher.Dispatch(p); err != nil {
				if errors.Is(err, builtins.ErrExit) {
					return nil
				}

				return err
			}
		}
	}
}

// safePoint reports what happened to jobs since the last iteration and
// drops the ones that have finished. Nothing holds a job at this point.
func (r *REPL) safePoint() {
	r.jobs.FlushNotices()
	r.jobs.Sweep()
}
