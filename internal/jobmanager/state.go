package jobmanager

type JobStatus int

const (
	// JobStatusForeground indicates the job owns the terminal and the shell
	// is waiting for it. At most one live job is in this state.
	JobStatusForeground JobStatus = iota

	// JobStatusBackground indicates the job is running without the terminal.
	JobStatusBackground

	// JobStatusStopped indicates the job was stopped by a stop signal.
	JobStatusStopped

	// JobStatusNeedsTerminal indicates a background job was stopped because
	// it tried to read from or write to the terminal.
	JobStatusNeedsTerminal
)

// NOTE: This slice needs to be kept in sync with the JobStatus values. The
// labels are what `jobs` prints.
var jobStatuses = []string{
	"Foreground",
	"Running",
	"Stopped",
	"Stopped (tty)",
}

// String returns the label for the JobStatus printed in job summaries.
func (s JobStatus) String() string {
	if int(s) < 0 || int(s) >= len(jobStatuses) {
		return "Unknown"
	}

	return jobStatuses[s]
}
