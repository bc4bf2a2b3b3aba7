package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// diagnosticTail is the number of recent stderr lines kept per stage.
	diagnosticTail = 32

	// drainGrace bounds how long the reaper waits for stderr to reach EOF
	// after the process has exited. A helper that escaped the process group
	// can keep the pipe open indefinitely.
	drainGrace = 500 * time.Millisecond
)

// ErrNoArgs is returned by Start when the command has no argument vector.
var ErrNoArgs = errors.New("stage: empty argument vector")

// Command describes one external process of a pipeline.
type Command struct {
	// Name labels the stage in logs. Defaults to the binary name.
	Name string

	// Args is the argument vector. Args[0] is the binary.
	Args []string

	// Stdin is handed to the process as its standard input. The caller keeps
	// ownership of its own copy.
	Stdin *os.File

	// PipeInput creates a pipe for standard input and exposes the write end
	// through Input. Takes precedence over Stdin.
	PipeInput bool

	Logger *slog.Logger
}

// ExitError reports a non-zero exit of a stage.
type ExitError struct {
	Stage string
	Code  int
	Err   error

	// Killed is set when the process died from a termination requested
	// through Terminate rather than exiting on its own.
	Killed bool
}

func (e *ExitError) Error() string {
	if e.Killed {
		return fmt.Sprintf("stage %s killed", e.Stage)
	}
	return fmt.Sprintf("stage %s exited with code %d", e.Stage, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Killed reports whether err is the exit of a stage that was terminated on
// request. Any other exit error is a crash.
func Killed(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Killed
}

// Stats is a resource snapshot of a running stage.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Stage owns one external process: its descriptors, its stderr drain and its
// lifecycle. A Stage is started once and never restarted.
type Stage struct {
	name   string
	args   []string
	logger *slog.Logger
	cmd    *exec.Cmd

	stdout *os.File
	stderr *os.File
	stdin  *os.File // write end, only with PipeInput

	stopCtx func() bool

	done    chan struct{}
	drained chan struct{}
	err     error

	terminated    atomic.Bool
	terminateOnce sync.Once
	closeOnce     sync.Once

	mu   sync.Mutex
	diag []string
}

// Start launches the command. Standard output and standard error are pipes
// owned by the Stage, so reaping the process never races a pending read of
// its output. Cancelling ctx terminates the process.
func Start(ctx context.Context, c Command) (*Stage, error) {
	if len(c.Args) == 0 {
		return nil, ErrNoArgs
	}

	name := c.Name
	if name == "" {
		name = filepath.Base(c.Args[0])
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		parentSide []*os.File // closed on failure
		childSide  []*os.File // closed once the child holds its copies
	)
	closeAll := func(files []*os.File) {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stage %s: stdout pipe: %w", name, err)
	}
	parentSide, childSide = append(parentSide, outR), append(childSide, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(append(parentSide, childSide...))
		return nil, fmt.Errorf("stage %s: stderr pipe: %w", name, err)
	}
	parentSide, childSide = append(parentSide, errR), append(childSide, errW)

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Stdout = outW
	cmd.Stderr = errW

	var inW *os.File
	switch {
	case c.PipeInput:
		var inR *os.File
		inR, inW, err = os.Pipe()
		if err != nil {
			closeAll(append(parentSide, childSide...))
			return nil, fmt.Errorf("stage %s: stdin pipe: %w", name, err)
		}
		parentSide, childSide = append(parentSide, inW), append(childSide, inR)
		cmd.Stdin = inR
	case c.Stdin != nil:
		cmd.Stdin = c.Stdin
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(append(parentSide, childSide...))
		return nil, fmt.Errorf("stage %s: start %s: %w", name, c.Args[0], err)
	}
	closeAll(childSide)

	s := &Stage{
		name:    name,
		args:    append([]string(nil), c.Args...),
		logger:  logger.With("stage", name, "pid", cmd.Process.Pid),
		cmd:     cmd,
		stdout:  outR,
		stderr:  errR,
		stdin:   inW,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	s.stopCtx = context.AfterFunc(ctx, func() { _ = s.Terminate() })

	go s.drain()
	go s.reap()

	s.logger.Debug("stage started", "args", strings.Join(c.Args, " "))
	return s, nil
}

// Name returns the stage label.
func (s *Stage) Name() string { return s.name }

// PID returns the process ID.
func (s *Stage) PID() int { return s.cmd.Process.Pid }

// Output returns the read end of the process's standard output.
func (s *Stage) Output() io.Reader { return s.stdout }

// Input returns the write end of the process's standard input, or nil when
// the stage was not started with PipeInput.
func (s *Stage) Input() io.WriteCloser {
	if s.stdin == nil {
		return nil
	}
	return s.stdin
}

// Done is closed once the process has been reaped and its stderr drained.
func (s *Stage) Done() <-chan struct{} { return s.done }

// Terminated reports whether a termination signal reached the process.
func (s *Stage) Terminated() bool { return s.terminated.Load() }

// Terminate kills the stage's process group. Only the first call signals;
// calls after the process exited are no-ops and leave Terminated false.
func (s *Stage) Terminate() error {
	var err error
	s.terminateOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}

		// Set before signalling so the reaper never misses it.
		s.terminated.Store(true)
		var delivered bool
		delivered, err = killProcessGroup(s.cmd.Process)
		if !delivered {
			s.terminated.Store(false)
		}
		switch {
		case err != nil:
			s.logger.Warn("failed to terminate stage", "err", err)
		case delivered:
			s.logger.Debug("stage terminated")
		default:
			s.logger.Debug("stage already exited")
		}
	})
	return err
}

// Wait blocks until the process exits. It returns nil on a clean exit and an
// *ExitError otherwise.
func (s *Stage) Wait() error {
	<-s.done
	return s.err
}

// Close releases the parent side of the stage's descriptors. It does not
// signal the process. Safe to call more than once.
func (s *Stage) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, f := range []*os.File{s.stdout, s.stdin} {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Diagnostics returns the most recent stderr lines.
func (s *Stage) Diagnostics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.diag...)
}

// LastDiagnostic returns the most recent stderr line, if any.
func (s *Stage) LastDiagnostic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.diag) == 0 {
		return ""
	}
	return s.diag[len(s.diag)-1]
}

// Stats samples CPU and memory usage of the running process.
func (s *Stage) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PID: s.PID()}

	p, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		return st, err
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.RSSBytes = mem.RSS

	return st, nil
}

// drain reads stderr for the whole life of the process so a chatty process
// can never block on a full pipe.
func (s *Stage) drain() {
	defer close(s.drained)
	defer s.stderr.Close()

	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("stage diagnostic", "line", line)

		s.mu.Lock()
		if len(s.diag) >= diagnosticTail {
			s.diag = s.diag[1:]
		}
		s.diag = append(s.diag, line)
		s.mu.Unlock()
	}

	// Oversized lines stop the scanner; keep discarding until EOF.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, s.stderr)
	}
}

func (s *Stage) reap() {
	waitErr := s.cmd.Wait()
	s.stopCtx()

	select {
	case <-s.drained:
	case <-time.After(drainGrace):
		s.logger.Warn("stderr still open after exit")
		_ = s.stderr.Close()
		<-s.drained
	}

	s.err = wrapExitError(s.name, waitErr, s.terminated.Load())
	switch {
	case s.err == nil:
		s.logger.Debug("stage exited")
	case Killed(s.err):
		s.logger.Debug("stage exited after termination", "err", s.err)
	default:
		s.logger.Warn("stage exited", "err", s.err, "diagnostics", s.Diagnostics())
	}

	close(s.done)
}

// killProcess kills a single process. It reports false without an error if
// the process had already exited.
func killProcess(proc *os.Process) (bool, error) {
	err := proc.Signal(os.Kill)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrProcessDone):
		return false, nil
	}
	return false, err
}

// wrapExitError converts a non-zero *exec.ExitError into an *ExitError.
// terminated says whether a kill reached the process; only an exit caused by
// that kill is marked Killed.
func wrapExitError(name string, err error, terminated bool) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == 0 {
		return nil
	}
	return &ExitError{
		Stage:  name,
		Code:   code,
		Err:    err,
		Killed: terminated && killedBySignal(ee.ProcessState),
	}
}
