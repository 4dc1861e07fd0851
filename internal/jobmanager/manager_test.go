package jobmanager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/cush/internal/jobmanager"
	"github.com/nixpig/cush/internal/parser"
	"github.com/nixpig/cush/internal/terminal"
)

// These tests start real processes and reap with wait4(-1), so they must not
// run in parallel with each other.

type fakeTerminal struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTerminal) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

func (f *fakeTerminal) GiveTo(int) error {
	f.record("give")
	return nil
}

func (f *fakeTerminal) ReclaimForShell() error {
	f.record("reclaim")
	return nil
}

func (f *fakeTerminal) Save() (*terminal.State, error) {
	f.record("save")
	return &terminal.State{}, nil
}

func (f *fakeTerminal) Restore(s *terminal.State) error {
	if s != nil {
		f.record("restore")
	}

	return nil
}

func (f *fakeTerminal) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type fixture struct {
	m      *jobmanager.Manager
	term   *fakeTerminal
	dir    string
	stdout *os.File
	stderr *os.File
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open stdin: '%v'", err)
	}
	t.Cleanup(func() { stdin.Close() })

	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatalf("failed to create stdout: '%v'", err)
	}
	t.Cleanup(func() { stdout.Close() })

	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		t.Fatalf("failed to create stderr: '%v'", err)
	}
	t.Cleanup(func() { stderr.Close() })

	term := &fakeTerminal{}

	return &fixture{
		m: jobmanager.NewManager(jobmanager.Config{
			Stdin:    stdin,
			Stdout:   stdout,
			Stderr:   stderr,
			Terminal: term,
		}),
		term:   term,
		dir:    dir,
		stdout: stdout,
		stderr: stderr,
	}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) launch(t *testing.T, p *parser.Pipeline) int {
	t.Helper()

	id, err := f.m.Launch(p)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return id
}

func (f *fixture) output(t *testing.T) (string, string) {
	t.Helper()

	f.m.FlushNotices()

	return readFile(t, f.stdout.Name()), readFile(t, f.stderr.Name())
}

// waitForJob reaps until every process of job id is gone.
func (f *fixture) waitForJob(t *testing.T, id int) jobmanager.JobInfo {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		f.m.Poll()

		info, err := f.m.Job(id)
		if err != nil {
			t.Fatalf("expected job %d to exist: got '%v'", id, err)
		}

		if info.Alive == 0 {
			return info
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %d: '%+v'", id, info)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func readFile(t *testing.T, name string) string {
	t.Helper()

	b, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: '%v'", name, err)
	}

	return string(b)
}

func pipeline(commands ...[]string) *parser.Pipeline {
	p := &parser.Pipeline{}
	for _, argv := range commands {
		p.Commands = append(p.Commands, parser.Command{Argv: argv})
	}

	return p
}

func processState(t *testing.T, pid int) byte {
	t.Helper()

	stat := readFile(t, filepath.Join("/proc", strconv.Itoa(pid), "stat"))

	// The state follows the parenthesised command name.
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		t.Fatalf("unexpected stat format: '%s'", stat)
	}

	return stat[i+2]
}

func TestLaunchForeground(t *testing.T) {
	t.Run("Test pipeline output", func(t *testing.T) {
		f := newFixture(t)

		id := f.launch(t, pipeline([]string{"printf", ""}, []string{"wc", "-l"}))

		info, err := f.m.Job(id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if info.Alive != 0 || len(info.Members) != 2 {
			t.Errorf("expected two finished members: got '%+v'", info)
		}

		if info.Pgid != info.Members[0] {
			t.Errorf("expected first member to lead the group: got '%d', want '%d'", info.Pgid, info.Members[0])
		}

		if stdout, _ := f.output(t); strings.TrimSpace(stdout) != "0" {
			t.Errorf("expected line count: got '%q', want '%q'", stdout, "0\n")
		}

		if got := strings.Join(f.term.Calls(), ","); got != "give,reclaim" {
			t.Errorf("expected terminal handoff: got '%s', want '%s'", got, "give,reclaim")
		}

		if jobs := f.m.Jobs(); len(jobs) != 0 {
			t.Errorf("expected no live jobs: got '%v'", jobs)
		}
	})

	t.Run("Test output and input redirection round trip", func(t *testing.T) {
		f := newFixture(t)

		out := pipeline([]string{"echo", "hello", "world"})
		out.OutputFile = f.path("greeting")
		f.launch(t, out)

		in := pipeline([]string{"cat"})
		in.InputFile = f.path("greeting")
		f.launch(t, in)

		if stdout, _ := f.output(t); stdout != "hello world\n" {
			t.Errorf("expected redirected round trip: got '%q', want '%q'", stdout, "hello world\n")
		}
	})

	t.Run("Test truncate and append", func(t *testing.T) {
		f := newFixture(t)

		for _, word := range []string{"a", "b", "c"} {
			p := pipeline([]string{"echo", word})
			p.OutputFile = f.path("log")
			p.Append = word != "a"
			f.launch(t, p)
		}

		p := pipeline([]string{"echo", "d"})
		p.OutputFile = f.path("truncated")
		f.launch(t, p)
		f.launch(t, p)

		if got := readFile(t, f.path("log")); got != "a\nb\nc\n" {
			t.Errorf("expected appended output: got '%q', want '%q'", got, "a\nb\nc\n")
		}

		if got := readFile(t, f.path("truncated")); got != "d\n" {
			t.Errorf("expected truncated output: got '%q', want '%q'", got, "d\n")
		}
	})

	t.Run("Test stderr merged into output", func(t *testing.T) {
		f := newFixture(t)

		p := &parser.Pipeline{
			Commands: []parser.Command{
				{Argv: []string{"sh", "-c", "echo out; echo err >&2"}, MergeStderr: true},
			},
			OutputFile: f.path("both"),
		}
		f.launch(t, p)

		if got := readFile(t, f.path("both")); got != "out\nerr\n" {
			t.Errorf("expected merged output: got '%q', want '%q'", got, "out\nerr\n")
		}

		if _, stderr := f.output(t); stderr != "" {
			t.Errorf("expected nothing on shell stderr: got '%q'", stderr)
		}
	})

	t.Run("Test command not found", func(t *testing.T) {
		f := newFixture(t)

		id := f.launch(t, pipeline([]string{"cush-no-such-command"}))

		info, err := f.m.Job(id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if len(info.Members) != 0 || info.Alive != 0 {
			t.Errorf("expected empty finished job: got '%+v'", info)
		}

		_, stderr := f.output(t)
		if want := "cush: cush-no-such-command: command not found\n"; stderr != want {
			t.Errorf("expected error message: got '%q', want '%q'", stderr, want)
		}

		if len(f.term.Calls()) != 0 {
			t.Errorf("expected terminal to stay with the shell: got '%v'", f.term.Calls())
		}
	})

	t.Run("Test rest of pipeline runs without failed command", func(t *testing.T) {
		f := newFixture(t)

		id := f.launch(t, pipeline(
			[]string{"cush-no-such-command"},
			[]string{"echo", "still here"},
		))

		info, _ := f.m.Job(id)
		if len(info.Members) != 1 || info.Pgid != info.Members[0] {
			t.Errorf("expected surviving command to lead the group: got '%+v'", info)
		}

		stdout, stderr := f.output(t)
		if stdout != "still here\n" {
			t.Errorf("expected output: got '%q', want '%q'", stdout, "still here\n")
		}

		if !strings.Contains(stderr, "command not found") {
			t.Errorf("expected error message: got '%q'", stderr)
		}
	})

	t.Run("Test missing input file", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"cat"})
		p.InputFile = f.path("missing")
		f.launch(t, p)

		_, stderr := f.output(t)
		want := "cush: " + f.path("missing") + ": no such file or directory\n"
		if stderr != want {
			t.Errorf("expected error message: got '%q', want '%q'", stderr, want)
		}
	})

	t.Run("Test stopped foreground job", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"sh", "-c", "kill -STOP $$; echo resumed"})
		id := f.launch(t, p)

		info, err := f.m.Job(id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if info.Status != jobmanager.JobStatusStopped || info.Alive != 1 {
			t.Fatalf("expected stopped job: got '%+v'", info)
		}

		stdout, _ := f.output(t)
		want := "[1]\tStopped\t\t(sh -c kill -STOP $$; echo resumed)\n"
		if stdout != want {
			t.Errorf("expected summary: got '%q', want '%q'", stdout, want)
		}

		if err := f.m.Continue(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		info = f.waitForJob(t, id)
		if info.Killed {
			t.Errorf("expected job to exit normally: got '%+v'", info)
		}

		stdout, _ = f.output(t)
		if !strings.HasSuffix(stdout, "resumed\n[1]\tDone\t\t(sh -c kill -STOP $$; echo resumed)\n") {
			t.Errorf("expected resumed output and done notice: got '%q'", stdout)
		}
	})
}

func TestLaunchBackground(t *testing.T) {
	t.Run("Test announcement and sweep", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"sleep", "0.1"})
		p.Background = true
		id := f.launch(t, p)

		info, err := f.m.Job(id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if info.Status != jobmanager.JobStatusBackground {
			t.Errorf("expected status: got '%s', want '%s'", info.Status, jobmanager.JobStatusBackground)
		}

		jobs := f.m.Jobs()
		if len(jobs) != 1 || jobs[0].ID != id {
			t.Errorf("expected one live job: got '%v'", jobs)
		}

		f.waitForJob(t, id)

		stdout, _ := f.output(t)
		want := "[1] " + strconv.Itoa(info.Members[0]) + "\n[1]\tDone\t\t(sleep 0.1)\n"
		if stdout != want {
			t.Errorf("expected announcement and done notice: got '%q', want '%q'", stdout, want)
		}

		if len(f.term.Calls()) != 0 {
			t.Errorf("expected terminal to stay with the shell: got '%v'", f.term.Calls())
		}

		if len(f.m.Jobs()) != 0 {
			t.Errorf("expected finished job not to be listed")
		}

		f.m.Sweep()

		if _, err := f.m.Job(id); !errors.Is(err, jobmanager.ErrJobNotFound) {
			t.Errorf("expected job to be swept: got '%v'", err)
		}
	})

	t.Run("Test stop then foreground", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"sleep", "0.5"})
		p.Background = true
		id := f.launch(t, p)

		if err := f.m.Stop(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		info, _ := f.m.Job(id)
		if info.Status != jobmanager.JobStatusStopped {
			t.Errorf("expected status: got '%s', want '%s'", info.Status, jobmanager.JobStatusStopped)
		}

		deadline := time.Now().Add(5 * time.Second)
		for processState(t, info.Members[0]) != 'T' {
			if time.Now().After(deadline) {
				t.Fatalf("expected process %d to be stopped", info.Members[0])
			}
			time.Sleep(10 * time.Millisecond)
		}

		if err := f.m.Foreground(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		info, _ = f.m.Job(id)
		if info.Alive != 0 || info.Killed {
			t.Errorf("expected job to run to completion: got '%+v'", info)
		}

		calls := f.term.Calls()
		want := []string{"save", "restore", "give", "reclaim"}
		if strings.Join(calls, ",") != strings.Join(want, ",") {
			t.Errorf("expected terminal calls: got '%v', want '%v'", calls, want)
		}

		stdout, _ := f.output(t)
		if !strings.HasSuffix(stdout, "sleep 0.5\n") {
			t.Errorf("expected pipeline to be echoed: got '%q'", stdout)
		}
	})

	t.Run("Test kill", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"sleep", "10"}, []string{"cat"})
		p.Background = true
		id := f.launch(t, p)

		if err := f.m.Kill(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		info := f.waitForJob(t, id)
		if !info.Killed {
			t.Errorf("expected job to be killed: got '%+v'", info)
		}

		stdout, stderr := f.output(t)
		if stderr != "terminated\n" {
			t.Errorf("expected termination message: got '%q', want '%q'", stderr, "terminated\n")
		}

		if strings.Contains(stdout, "Done") {
			t.Errorf("expected no done notice for killed job: got '%q'", stdout)
		}

		if err := f.m.Kill(id); !errors.Is(err, jobmanager.ErrJobNotFound) {
			t.Errorf("expected finished job to be gone: got '%v'", err)
		}
	})

	t.Run("Test kill stopped job", func(t *testing.T) {
		f := newFixture(t)

		p := pipeline([]string{"sleep", "10"})
		p.Background = true
		id := f.launch(t, p)

		if err := f.m.Stop(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := f.m.Kill(id); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if info := f.waitForJob(t, id); !info.Killed {
			t.Errorf("expected job to be killed: got '%+v'", info)
		}
	})

	t.Run("Test reaped by Run", func(t *testing.T) {
		f := newFixture(t)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			f.m.Run(ctx)
		}()

		p := pipeline([]string{"true"})
		p.Background = true
		id := f.launch(t, p)

		deadline := time.Now().Add(5 * time.Second)
		for {
			info, err := f.m.Job(id)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if info.Alive == 0 {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for reaper: '%+v'", info)
			}

			time.Sleep(10 * time.Millisecond)
		}

		cancel()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("expected Run to return after cancel")
		}
	})
}

func TestBackgroundCommandNotFound(t *testing.T) {
	f := newFixture(t)

	p := pipeline([]string{"cush-no-such-command"})
	p.Background = true
	id := f.launch(t, p)

	info, err := f.m.Job(id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if len(info.Members) != 0 {
		t.Errorf("expected no members: got '%v'", info.Members)
	}

	stdout, stderr := f.output(t)
	if stdout != "" {
		t.Errorf("expected no announcement without a started process: got '%q'", stdout)
	}

	if want := "cush: cush-no-such-command: command not found\n"; stderr != want {
		t.Errorf("expected error message: got '%q', want '%q'", stderr, want)
	}
}

func TestAtMostOneForegroundJob(t *testing.T) {
	f := newFixture(t)

	countForeground := func() int {
		n := 0
		for _, info := range f.m.Jobs() {
			if info.Status == jobmanager.JobStatusForeground {
				n++
			}
		}

		return n
	}

	var background []int
	for range 2 {
		p := pipeline([]string{"sleep", "10"})
		p.Background = true
		background = append(background, f.launch(t, p))
	}

	t.Cleanup(func() {
		for _, id := range background {
			f.m.Kill(id)
			f.waitForJob(t, id)
		}
	})

	// Runs in the foreground until it stops itself.
	stopped := f.launch(t, pipeline([]string{"sh", "-c", "kill -STOP $$; exit 0"}))

	if got := len(f.m.Jobs()); got != 3 {
		t.Fatalf("expected three live jobs: got '%d'", got)
	}

	if got := countForeground(); got != 0 {
		t.Errorf("expected no foreground job once the shell is back: got '%d'", got)
	}

	// A second foreground job runs to completion alongside the others.
	f.launch(t, pipeline([]string{"true"}))

	if got := countForeground(); got != 0 {
		t.Errorf("expected no foreground job after it finished: got '%d'", got)
	}

	if err := f.m.Foreground(stopped); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if got := countForeground(); got != 0 {
		t.Errorf("expected no foreground job after fg returned: got '%d'", got)
	}

	for _, id := range background {
		info, _ := f.m.Job(id)
		if info.Status != jobmanager.JobStatusBackground {
			t.Errorf("expected job %d to stay in the background: got '%s'", id, info.Status)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)

	scenarios := map[string]func(int) error{
		"Continue":   f.m.Continue,
		"Stop":       f.m.Stop,
		"Kill":       f.m.Kill,
		"Foreground": f.m.Foreground,
	}

	for scenario, op := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			if err := op(99); !errors.Is(err, jobmanager.ErrJobNotFound) {
				t.Errorf("expected to receive ErrJobNotFound: got '%v'", err)
			}
		})
	}

	if _, err := f.m.Job(99); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("expected to receive ErrJobNotFound: got '%v'", err)
	}
}
