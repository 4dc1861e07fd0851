// Package jobmanager runs parsed pipelines as jobs under a job-control shell.
//
// A Job is one pipeline: its processes share a process group so that the
// group can be signalled, stopped and given the terminal as a unit. The
// Manager owns the job table, launches pipelines, and reaps child status
// changes both synchronously (while a foreground job runs) and
// asynchronously (on SIGCHLD).
//
// Job records are shared between those two paths. Every read or write of
// them happens inside a notification-deferred region (see Manager), during
// which no status change is applied by the asynchronous path. Finished jobs
// are never removed from inside status handling; Sweep removes them at the
// start of each driver iteration.
package jobmanager
