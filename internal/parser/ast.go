// Package parser turns a line of shell input into pipelines that the job
// manager can launch.
package parser

import "strings"

// Command is a single program invocation within a Pipeline.
type Command struct {
	Argv []string

	// MergeStderr duplicates the command's stderr onto its stdout.
	MergeStderr bool
}

// Pipeline is an ordered list of Commands connected by pipes, plus the
// redirections that apply to the pipeline as a whole.
type Pipeline struct {
	Commands []Command

	// InputFile is read by the first command when not empty.
	InputFile string

	// OutputFile receives the output of the last command when not empty.
	OutputFile string
	Append     bool

	Background bool
}

// CommandLine is everything parsed from one line of input.
type CommandLine struct {
	Pipelines []*Pipeline
}

// Name returns argv[0] of the leading command, or "" for an empty Pipeline.
func (p *Pipeline) Name() string {
	if len(p.Commands) == 0 || len(p.Commands[0].Argv) == 0 {
		return ""
	}

	return p.Commands[0].Argv[0]
}

// String renders the commands of the Pipeline, without redirections.
func (p *Pipeline) String() string {
	parts := make([]string, 0, len(p.Commands))
	for _, c := range p.Commands {
		parts = append(parts, strings.Join(c.Argv, " "))
	}

	return strings.Join(parts, " | ")
}
