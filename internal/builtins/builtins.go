// Package builtins routes pipelines either to a shell builtin or to the job
// manager for launching.
package builtins

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/nixpig/cush/internal/jobmanager"
	"github.com/nixpig/cush/internal/parser"
	"github.com/spf13/pflag"
)

// ErrExit is returned by Dispatch when the shell should exit.
var ErrExit = errors.New("exit")

// JobController is the part of *jobmanager.Manager the builtins drive.
type JobController interface {
	Launch(p *parser.Pipeline) (int, error)
	Jobs() []jobmanager.JobInfo
	Continue(id int) error
	Stop(id int) error
	Kill(id int) error
	Foreground(id int) error
}

// usages holds the usage line of every builtin, and so also defines which
// commands are builtins.
var usages = map[string]string{
	"exit": "exit",
	"jobs": "jobs",
	"fg":   "fg <job>",
	"bg":   "bg <job>",
	"stop": "stop <job>",
	"kill": "kill <job>",
}

// IsBuiltin reports whether name is handled by the shell itself.
func IsBuiltin(name string) bool {
	_, ok := usages[name]
	return ok
}

// Dispatcher runs builtins against a JobController and hands everything
// else to it for launching.
type Dispatcher struct {
	jobs   JobController
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func NewDispatcher(
	jobs JobController,
	stdout io.Writer,
	stderr io.Writer,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:   jobs,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
}

// Dispatch runs p. User errors are reported on stderr and are not returned.
// The returned error is either ErrExit or an error the shell cannot recover
// from.
func (d *Dispatcher) Dispatch(p *parser.Pipeline) error {
	name := p.Name()

	if !IsBuiltin(name) {
		_, err := d.jobs.Launch(p)
		return err
	}

	args := p.Commands[0].Argv[1:]

	switch name {
	case "exit":
		return ErrExit

	case "jobs":
		if _, ok := d.parseArgs(name, args, 0); !ok {
			return nil
		}

		for _, info := range d.jobs.Jobs() {
			fmt.Fprint(d.stdout, info.Summary())
		}

		return nil
	}

	rest, ok := d.parseArgs(name, args, 1)
	if !ok {
		return nil
	}

	arg := rest[0]

	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return d.report(name, arg, jobmanager.ErrJobNotFound)
	}

	switch name {
	case "fg":
		err = d.jobs.Foreground(id)
	case "bg":
		err = d.jobs.Continue(id)
	case "stop":
		err = d.jobs.Stop(id)
	case "kill":
		err = d.jobs.Kill(id)
	}

	return d.report(name, arg, err)
}

// parseArgs checks that args holds exactly want operands and no flags,
// printing the builtin's usage otherwise.
func (d *Dispatcher) parseArgs(name string, args []string, want int) ([]string, bool) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil || fs.NArg() != want {
		if err != nil && !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(d.stderr, "%s: %v\n", name, err)
		}

		fmt.Fprintf(d.stderr, "usage: %s\n", usages[name])

		return nil, false
	}

	return fs.Args(), true
}

// report translates jobmanager errors to messages for the user. Only an
// *jobmanager.InvariantError is passed back.
func (d *Dispatcher) report(name, arg string, err error) error {
	var invariantErr *jobmanager.InvariantError

	switch {
	case err == nil:
		return nil

	case errors.As(err, &invariantErr):
		return err

	case errors.Is(err, jobmanager.ErrJobNotFound):
		fmt.Fprintf(d.stderr, "%s %s: no such job\n", name, arg)

	case errors.As(err, new(jobmanager.InvalidStateError)):
		fmt.Fprintf(d.stderr, "%s %s: %v\n", name, arg, err)

	default:
		d.logger.Warn(name, "job", arg, "err", err)
		fmt.Fprintf(d.stderr, "%s %s: %v\n", name, arg, err)
	}

	return nil
}
