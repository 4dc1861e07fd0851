package jobmanager

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nixpig/cush/internal/terminal"
	"golang.org/x/sys/unix"
)

// Terminal transfers terminal ownership between the shell and its jobs.
// *terminal.Controller implements it.
type Terminal interface {
	GiveTo(pgid int) error
	ReclaimForShell() error
	Save() (*terminal.State, error)
	Restore(s *terminal.State) error
}

// Config configures a Manager. Zero values fall back to the process' own
// stdio, a terminal.Controller on Stdin, a discarding logger and the
// current environment.
type Config struct {
	// Stdin, Stdout and Stderr are inherited by jobs unless redirected.
	// Stdout and Stderr also receive the shell's own job notices.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	Terminal Terminal
	Logger   *slog.Logger
	Env      []string
}

// Manager is responsible for launching pipelines as Jobs and keeping the
// job table consistent with the state of their processes.
type Manager struct {
	table *Table
	term  Terminal

	stdin  *os.File
	stdout *os.File
	stderr *os.File
	env    []string

	logger *slog.Logger

	// notices are produced while handling status changes and written out
	// by FlushNotices from the driver loop.
	notices []notice

	// mu is held for the whole of a notification-deferred region.
	mu sync.Mutex
}

type notice struct {
	text   string
	stderr bool
}

// deferral is proof that child status notifications are deferred. It is
// obtained with deferNotifications and must be released exactly once.
// Everything that touches job records takes one.
type deferral struct {
	m        *Manager
	released bool
}

// NewManager creates a Manager with an empty job table.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		table:  NewTable(),
		term:   cfg.Terminal,
		stdin:  cfg.Stdin,
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
		env:    cfg.Env,
		logger: cfg.Logger,
	}

	if m.stdin == nil {
		m.stdin = os.Stdin
	}

	if m.stdout == nil {
		m.stdout = os.Stdout
	}

	if m.stderr == nil {
		m.stderr = os.Stderr
	}

	if m.term == nil {
		m.term = terminal.New(m.stdin)
	}

	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}

	if m.env == nil {
		m.env = os.Environ()
	}

	return m
}

func (m *Manager) deferNotifications() *deferral {
	m.mu.Lock()
	return &deferral{m: m}
}

func (d *deferral) release() {
	if d.released {
		return
	}

	d.released = true
	d.m.mu.Unlock()
}

// Sweep removes finished jobs from the table. It must only be called from
// the driver loop, never while a job is being waited on.
func (m *Manager) Sweep() {
	d := m.deferNotifications()
	defer d.release()

	if n := m.table.Sweep(); n > 0 {
		m.logger.Debug("swept finished jobs", "count", n)
	}
}

// FlushNotices writes out notices queued by status handling, e.g. that a
// background job is done or was stopped.
func (m *Manager) FlushNotices() {
	d := m.deferNotifications()
	pending := m.notices
	m.notices = nil
	d.release()

	for _, n := range pending {
		w := m.stdout
		if n.stderr {
			w = m.stderr
		}

		fmt.Fprint(w, n.text)
	}
}

// Jobs returns the live jobs in creation order.
func (m *Manager) Jobs() []JobInfo {
	d := m.deferNotifications()
	defer d.release()

	var infos []JobInfo

	m.table.ForEach(func(j *Job) {
		if !j.finished() {
			infos = append(infos, j.Info())
		}
	})

	return infos
}

// Job returns the state of the job with the given id, or ErrJobNotFound. A
// finished job is still returned until it has been swept.
func (m *Manager) Job(id int) (JobInfo, error) {
	d := m.deferNotifications()
	defer d.release()

	j, ok := m.table.ByID(id)
	if !ok {
		return JobInfo{}, ErrJobNotFound
	}

	return j.Info(), nil
}

// Continue resumes the job with the given id in the background.
func (m *Manager) Continue(id int) error {
	d := m.deferNotifications()
	defer d.release()

	j, err := m.liveJob(d, id)
	if err != nil {
		return err
	}

	if err := m.signal(j, unix.SIGCONT); err != nil {
		return err
	}

	j.status = JobStatusBackground
	j.savedTerminal = nil

	return nil
}

// Stop stops every process of the job with the given id.
func (m *Manager) Stop(id int) error {
	d := m.deferNotifications()
	defer d.release()

	j, err := m.liveJob(d, id)
	if err != nil {
		return err
	}

	if err := m.signal(j, unix.SIGSTOP); err != nil {
		return err
	}

	if j.status != JobStatusStopped && j.status != JobStatusNeedsTerminal {
		m.saveTerminal(j)
	}

	j.status = JobStatusStopped

	return nil
}

// Kill sends SIGTERM to the job with the given id. The job is updated once
// its processes are reaped, not here.
func (m *Manager) Kill(id int) error {
	d := m.deferNotifications()
	defer d.release()

	j, err := m.liveJob(d, id)
	if err != nil {
		return err
	}

	if err := m.signal(j, unix.SIGTERM); err != nil {
		return err
	}

	// A stopped process only acts on SIGTERM once continued.
	if j.status == JobStatusStopped || j.status == JobStatusNeedsTerminal {
		return m.signal(j, unix.SIGCONT)
	}

	return nil
}

// Foreground resumes the job with the given id in the foreground, gives it
// the terminal and waits until it finishes or stops again.
func (m *Manager) Foreground(id int) error {
	d := m.deferNotifications()
	defer d.release()

	// Take in any report that is already pending, e.g. the stop caused by
	// an earlier `stop`, so it cannot end the wait below straight away.
	m.poll(d)

	j, err := m.liveJob(d, id)
	if err != nil {
		return err
	}

	if j.status == JobStatusForeground {
		return NewInvalidStateError(j.status, JobStatusForeground)
	}

	fmt.Fprintln(m.stdout, j.pipeline.String())

	if err := m.term.Restore(j.savedTerminal); err != nil {
		m.logger.Warn("restore job terminal state", "job", j.id, "err", err)
	}

	m.giveTerminal(j)

	if err := m.signal(j, unix.SIGCONT); err != nil {
		m.reclaimTerminal()
		return err
	}

	j.status = JobStatusForeground
	j.savedTerminal = nil

	return m.finishForeground(d, j)
}

// finishForeground waits for j, which holds the terminal, and takes the
// terminal back afterwards.
func (m *Manager) finishForeground(held *deferral, j *Job) error {
	err := m.waitForForeground(held, j)

	m.reclaimTerminal()

	if j.status == JobStatusStopped {
		fmt.Fprint(m.stdout, j.summary())
	}

	return err
}

func (m *Manager) liveJob(_ *deferral, id int) (*Job, error) {
	j, ok := m.table.ByID(id)
	if !ok || j.finished() {
		return nil, ErrJobNotFound
	}

	return j, nil
}

func (m *Manager) signal(j *Job, sig unix.Signal) error {
	if err := unix.Kill(-j.pgid, sig); err != nil {
		m.logger.Warn(
			"signal process group",
			"job", j.id,
			"pgid", j.pgid,
			"signal", sig,
			"err", err,
		)

		return fmt.Errorf("signal job %d: %w", j.id, err)
	}

	return nil
}

func (m *Manager) saveTerminal(j *Job) {
	s, err := m.term.Save()
	if err != nil {
		m.logger.Warn("save job terminal state", "job", j.id, "err", err)
		return
	}

	j.savedTerminal = s
}

func (m *Manager) giveTerminal(j *Job) {
	if err := m.term.GiveTo(j.pgid); err != nil {
		m.logger.Warn("give terminal to job", "job", j.id, "err", err)
	}
}

func (m *Manager) reclaimTerminal() {
	if err := m.term.ReclaimForShell(); err != nil {
		m.logger.Warn("reclaim terminal", "err", err)
	}
}

func (m *Manager) notify(text string) {
	m.notices = append(m.notices, notice{text: text})
}

func (m *Manager) notifyError(text string) {
	m.notices = append(m.notices, notice{text: text, stderr: true})
}
