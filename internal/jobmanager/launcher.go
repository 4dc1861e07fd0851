package jobmanager

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/nixpig/cush/internal/parser"
	"golang.org/x/sys/unix"
)

// pipe holds both ends of a pipe between two adjacent commands.
type pipe struct {
	r int
	w int
}

// Launch runs p as a new Job. A background job is announced and left
// running; for a foreground job Launch hands it the terminal and returns
// once it has finished or stopped. The returned id is 0 if no job was
// created.
//
// A command that cannot be started is reported on stderr and the rest of
// the pipeline runs without it. Only an *InvariantError is returned as an
// error.
func (m *Manager) Launch(p *parser.Pipeline) (int, error) {
	if len(p.Commands) == 0 {
		return 0, nil
	}

	// Until every child is recorded as a member its exit must not be
	// reaped, or the job could never be matched to it.
	d := m.deferNotifications()
	defer d.release()

	j := m.table.Create(p)

	pipes, err := openPipes(len(p.Commands) - 1)
	if err != nil {
		return j.id, &InvariantError{Op: "create pipes", Err: err}
	}

	for i, cmd := range p.Commands {
		pid, err := m.start(p, pipes, i, j.pgid)
		if err != nil {
			m.reportStartFailure(cmd.Argv[0], err)
			continue
		}

		if j.pgid == 0 {
			j.pgid = pid
		}

		j.members = append(j.members, pid)
		j.alive++

		m.logger.Debug("started process", "job", j.id, "pid", pid, "pgid", j.pgid)

		// The child joins the group itself before exec; this covers the
		// parent's view regardless of scheduling. Once the child has exec'd
		// the kernel refuses with EACCES, which means it already joined.
		if err := unix.Setpgid(pid, j.pgid); err != nil &&
			!errors.Is(err, unix.EACCES) &&
			!errors.Is(err, unix.ESRCH) {
			closePipes(pipes)
			return j.id, &InvariantError{Op: "set process group", Err: err}
		}
	}

	// Only the children need the pipes now. Leaving a write end open here
	// would keep readers from ever seeing EOF.
	closePipes(pipes)

	if len(j.members) == 0 {
		return j.id, nil
	}

	if p.Background {
		j.status = JobStatusBackground
		fmt.Fprintf(m.stdout, "[%d] %d\n", j.id, j.members[0])
		return j.id, nil
	}

	m.giveTerminal(j)

	return j.id, m.finishForeground(d, j)
}

// start forks and execs command i of p into process group pgid, or into a
// new group led by the child when pgid is 0.
func (m *Manager) start(
	p *parser.Pipeline,
	pipes []pipe,
	i int,
	pgid int,
) (int, error) {
	cmd := p.Commands[i]
	last := i == len(p.Commands)-1

	var opened []*os.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	stdin := m.stdin.Fd()
	switch {
	case i > 0:
		stdin = uintptr(pipes[i-1].r)
	case p.InputFile != "":
		f, err := os.Open(p.InputFile)
		if err != nil {
			return 0, err
		}
		opened = append(opened, f)
		stdin = f.Fd()
	}

	stdout := m.stdout.Fd()
	switch {
	case !last:
		stdout = uintptr(pipes[i].w)
	case p.OutputFile != "":
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if p.Append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}

		f, err := os.OpenFile(p.OutputFile, flags, 0644)
		if err != nil {
			return 0, err
		}
		opened = append(opened, f)
		stdout = f.Fd()
	}

	stderr := m.stderr.Fd()
	if cmd.MergeStderr {
		stderr = stdout
	}

	path, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		return 0, err
	}

	// Every other descriptor, pipes included, is close-on-exec, so the
	// child keeps exactly these three.
	return syscall.ForkExec(path, cmd.Argv, &syscall.ProcAttr{
		Env:   m.env,
		Files: []uintptr{stdin, stdout, stderr},
		Sys: &syscall.SysProcAttr{
			Setpgid: true,
			Pgid:    pgid,
		},
	})
}

func (m *Manager) reportStartFailure(name string, err error) {
	m.logger.Debug("start process", "name", name, "err", err)

	if errors.Is(err, exec.ErrNotFound) {
		fmt.Fprintf(m.stderr, "cush: %s: command not found\n", name)
		return
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		fmt.Fprintf(m.stderr, "cush: %s: %v\n", name, execErr.Err)
		return
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		fmt.Fprintf(m.stderr, "cush: %s: %v\n", pathErr.Path, pathErr.Err)
		return
	}

	fmt.Fprintf(m.stderr, "cush: %s: %v\n", name, err)
}

// openPipes creates n close-on-exec pipes.
func openPipes(n int) ([]pipe, error) {
	pipes := make([]pipe, 0, n)

	for range n {
		var fds [2]int
		if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
			closePipes(pipes)
			return nil, fmt.Errorf("pipe: %w", err)
		}

		pipes = append(pipes, pipe{r: fds[0], w: fds[1]})
	}

	return pipes, nil
}

func closePipes(pipes []pipe) {
	for _, p := range pipes {
		unix.Close(p.r)
		unix.Close(p.w)
	}
}
