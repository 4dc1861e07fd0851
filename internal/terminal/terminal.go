// Package terminal transfers ownership of the controlling terminal between
// the shell and the process groups of its jobs.
//
// When the shell's stdin is not a terminal every operation is a no-op, so a
// shell reading a script or a pipe runs jobs without job control.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// State is a snapshot of terminal attributes.
type State struct {
	termios unix.Termios
}

// Controller owns the shell's saved terminal attributes.
type Controller struct {
	fd          int
	interactive bool
	shellPgid   int
	shellState  State
}

// New creates a Controller for f, usually os.Stdin.
func New(f *os.File) *Controller {
	c := &Controller{
		fd:        int(f.Fd()),
		shellPgid: unix.Getpgrp(),
	}

	if _, err := unix.IoctlGetTermios(c.fd, unix.TCGETS); err == nil {
		c.interactive = true
	}

	return c
}

// Interactive reports whether the Controller is attached to a terminal.
func (c *Controller) Interactive() bool {
	return c.interactive
}

// Init makes the shell the leader of its own process group, waits until
// that group is in the foreground, takes the terminal and saves the
// terminal attributes that ReclaimForShell restores.
func (c *Controller) Init() error {
	if !c.interactive {
		return nil
	}

	for {
		fg, err := unix.IoctlGetInt(c.fd, unix.TIOCGPGRP)
		if err != nil {
			return fmt.Errorf("get foreground process group: %w", err)
		}

		if fg == unix.Getpgrp() {
			break
		}

		// Stops the shell until it is brought to the foreground.
		if err := unix.Kill(-unix.Getpgrp(), unix.SIGTTIN); err != nil {
			return fmt.Errorf("wait for foreground: %w", err)
		}
	}

	// A session leader cannot change its group; it already leads one.
	if err := unix.Setpgid(0, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("create shell process group: %w", err)
	}

	c.shellPgid = unix.Getpgrp()

	if err := c.setForeground(c.shellPgid); err != nil {
		return err
	}

	t, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("save shell terminal state: %w", err)
	}

	c.shellState.termios = *t

	return nil
}

// GiveTo makes pgid the foreground process group of the terminal.
func (c *Controller) GiveTo(pgid int) error {
	if !c.interactive {
		return nil
	}

	return c.setForeground(pgid)
}

// ReclaimForShell makes the shell's group the foreground process group
// again and restores the terminal attributes saved by Init.
func (c *Controller) ReclaimForShell() error {
	if !c.interactive {
		return nil
	}

	if err := c.setForeground(c.shellPgid); err != nil {
		return err
	}

	return c.Restore(&c.shellState)
}

// Save returns a snapshot of the current terminal attributes, or nil when
// not interactive.
func (c *Controller) Save() (*State, error) {
	if !c.interactive {
		return nil, nil
	}

	t, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("get terminal attributes: %w", err)
	}

	return &State{termios: *t}, nil
}

// Restore applies s once pending output has drained. A nil s is ignored.
func (c *Controller) Restore(s *State) error {
	if !c.interactive || s == nil {
		return nil
	}

	// The shell may still be in the background here.
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)

	t := s.termios
	if err := unix.IoctlSetTermios(c.fd, unix.TCSETSW, &t); err != nil {
		return fmt.Errorf("set terminal attributes: %w", err)
	}

	return nil
}

func (c *Controller) setForeground(pgid int) error {
	// tcsetpgrp from a background group raises SIGTTOU, which would stop
	// the shell when it takes the terminal back.
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)

	if err := unix.IoctlSetPointerInt(c.fd, unix.TIOCSPGRP, pgid); err != nil {
		return fmt.Errorf("set foreground process group %d: %w", pgid, err)
	}

	return nil
}
