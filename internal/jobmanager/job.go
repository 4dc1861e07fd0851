package jobmanager

import (
	"fmt"
	"slices"

	"github.com/nixpig/cush/internal/parser"
	"github.com/nixpig/cush/internal/terminal"
)

// Job represents one pipeline launched by the shell. Its fields are only
// accessed while notifications are deferred.
type Job struct {
	id       int
	pgid     int
	members  []int
	alive    int
	status   JobStatus
	killed   bool
	pipeline *parser.Pipeline

	// savedTerminal is only meaningful while the job is stopped.
	savedTerminal *terminal.State
}

// JobInfo is a point-in-time copy of a Job's state.
type JobInfo struct {
	ID       int
	Pgid     int
	Members  []int
	Alive    int
	Status   JobStatus
	Killed   bool
	Pipeline string
}

func newJob(id int, p *parser.Pipeline) *Job {
	status := JobStatusForeground
	if p.Background {
		status = JobStatusBackground
	}

	return &Job{
		id:       id,
		status:   status,
		pipeline: p,
		members:  make([]int, 0, len(p.Commands)),
	}
}

// finished reports whether every process of the job is known to be gone.
func (j *Job) finished() bool {
	return j.alive == 0
}

func (j *Job) hasMember(pid int) bool {
	return slices.Contains(j.members, pid)
}

// Info returns a copy of the Job's state.
func (j *Job) Info() JobInfo {
	return JobInfo{
		ID:       j.id,
		Pgid:     j.pgid,
		Members:  slices.Clone(j.members),
		Alive:    j.alive,
		Status:   j.status,
		Killed:   j.killed,
		Pipeline: j.pipeline.String(),
	}
}

// summary is the line printed by `jobs` and when a job stops.
func (j *Job) summary() string {
	return formatSummary(j.id, j.status.String(), j.pipeline.String())
}

func formatSummary(id int, label, text string) string {
	return fmt.Sprintf("[%d]\t%s\t\t(%s)\n", id, label, text)
}

// Summary formats the JobInfo as a `jobs` line.
func (i JobInfo) Summary() string {
	return formatSummary(i.ID, i.Status.String(), i.Pipeline)
}
