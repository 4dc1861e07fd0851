package jobmanager

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

type eventKind int

const (
	eventIgnored eventKind = iota
	eventExited
	eventSignaled
	eventStopped
)

// statusEvent records that process pid reached a new state. Building one
// touches no shared state.
type statusEvent struct {
	pid  int
	kind eventKind
	sig  unix.Signal
}

// signalMessages are printed when a job's process is killed by one of these
// signals. Other signals are silent.
var signalMessages = map[unix.Signal]string{
	unix.SIGABRT: "aborted",
	unix.SIGFPE:  "floating point exception",
	unix.SIGKILL: "killed",
	unix.SIGSEGV: "segmentation fault",
	unix.SIGTERM: "terminated",
}

func classify(pid int, ws unix.WaitStatus) statusEvent {
	switch {
	case ws.Stopped():
		return statusEvent{pid: pid, kind: eventStopped, sig: ws.StopSignal()}
	case ws.Exited():
		return statusEvent{pid: pid, kind: eventExited}
	case ws.Signaled():
		return statusEvent{pid: pid, kind: eventSignaled, sig: ws.Signal()}
	default:
		return statusEvent{pid: pid, kind: eventIgnored}
	}
}

// apply updates the job that ev.pid belongs to.
func (m *Manager) apply(_ *deferral, ev statusEvent) {
	if ev.kind == eventIgnored {
		return
	}

	j, ok := m.table.ByMemberPID(ev.pid)
	if !ok {
		// Normal after a signal death: the rest of the job is reaped once
		// it has already been swept.
		m.logger.Debug("status change for unknown process", "pid", ev.pid)
		return
	}

	m.logger.Debug(
		"child status changed",
		"job", j.id,
		"pid", ev.pid,
		"kind", ev.kind,
		"signal", ev.sig,
	)

	switch ev.kind {
	case eventStopped:
		switch j.status {
		case JobStatusForeground:
			// The waiter prints the summary once it has the terminal back.
			j.status = JobStatusStopped
			m.saveTerminal(j)

		case JobStatusBackground:
			j.status = JobStatusStopped
			if ev.sig == unix.SIGTTIN || ev.sig == unix.SIGTTOU {
				j.status = JobStatusNeedsTerminal
			}
			m.saveTerminal(j)
			m.notify(j.summary())
		}

		// Already stopped: another member of the group following suit.
		return

	case eventExited:
		if j.alive > 0 {
			j.alive--
		}

	case eventSignaled:
		// One process dying to a signal takes the whole job with it.
		wasKilled := j.killed
		j.alive = 0
		j.killed = true

		if msg, ok := signalMessages[ev.sig]; ok && !wasKilled {
			m.notifyError(msg + "\n")
		}
	}

	if j.finished() && j.status == JobStatusBackground && !j.killed {
		m.notify(formatSummary(j.id, "Done", j.pipeline.String()))
	}
}

// poll collects every pending status change without blocking.
func (m *Manager) poll(held *deferral) {
	for {
		var ws unix.WaitStatus

		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		// ECHILD just means there is nothing left to reap.
		if err != nil || pid <= 0 {
			return
		}

		m.apply(held, classify(pid, ws))
	}
}

// waitForForeground blocks until j is no longer a running foreground job.
// Since notifications are deferred nothing else can reap j's processes, so
// a failing wait4 means the bookkeeping is wrong.
func (m *Manager) waitForForeground(held *deferral, j *Job) error {
	for j.status == JobStatusForeground && !j.finished() {
		var ws unix.WaitStatus

		pid, err := unix.Wait4(-1, &ws, unix.WUNTRACED, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			m.logger.Error("wait for foreground job", "job", j.id, "err", err)
			return &InvariantError{Op: "wait for foreground job", Err: err}
		}

		m.apply(held, classify(pid, ws))
	}

	return nil
}

// Poll collects every pending child status change without blocking.
func (m *Manager) Poll() {
	d := m.deferNotifications()
	defer d.release()

	m.poll(d)
}

// Run reaps children each time SIGCHLD arrives, until ctx is done. Reports
// that arrive while notifications are deferred are picked up as soon as the
// deferring operation ends.
func (m *Manager) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)
	defer signal.Stop(sigCh)

	// Catch anything that changed before we were listening.
	m.Poll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			m.Poll()
		}
	}
}
