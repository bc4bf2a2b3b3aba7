package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zachfi/dfpwmrelay/pkg/sink"
	"github.com/zachfi/dfpwmrelay/pkg/stage"
)

// fakeProc is an in-process stand-in for a stage. Its output is an io.Pipe,
// so the pipeline falls back to copy linking.
type fakeProc struct {
	name string
	cmd  stage.Command

	pr *io.PipeReader
	pw *io.PipeWriter

	inR *io.PipeReader
	inW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error

	kills  atomic.Int32
	closes atomic.Int32
}

func newFakeProc(c stage.Command) *fakeProc {
	f := &fakeProc{name: c.Name, cmd: c, done: make(chan struct{})}
	f.pr, f.pw = io.Pipe()
	if c.PipeInput {
		f.inR, f.inW = io.Pipe()
	}
	return f
}

// emit writes chunks in order. Unless hold is set the process then exits
// cleanly; otherwise it stays alive until terminated.
func (f *fakeProc) emit(chunks [][]byte, hold bool) *fakeProc {
	go func() {
		for _, c := range chunks {
			if _, err := f.pw.Write(c); err != nil {
				return
			}
		}
		if hold {
			<-f.done
			return
		}
		f.exit(nil)
	}()
	return f
}

// cat copies its input to its output and exits when the input ends.
func (f *fakeProc) cat() *fakeProc {
	go func() {
		_, _ = io.Copy(f.pw, f.inR)
		f.exit(nil)
	}()
	return f
}

func (f *fakeProc) exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		_ = f.pw.Close()
		if f.inR != nil {
			_ = f.inR.Close()
		}
		close(f.done)
	})
}

func (f *fakeProc) Name() string { return f.name }
func (f *fakeProc) Output() io.Reader { return f.pr }
func (f *fakeProc) Done() <-chan struct{} { return f.done }
func (f *fakeProc) Wait() error { <-f.done; return f.exitErr }
func (f *fakeProc) Terminated() bool { return f.kills.Load() > 0 }
func (f *fakeProc) killCount() int { return int(f.kills.Load()) }
func (f *fakeProc) Input() io.WriteCloser {
	if f.inW == nil {
		return nil
	}
	return f.inW
}

func (f *fakeProc) Terminate() error {
	f.kills.Add(1)
	f.exit(&stage.ExitError{Stage: f.name, Code: -1, Killed: true})
	return nil
}

func (f *fakeProc) Close() error {
	f.closes.Add(1)
	_ = f.pr.Close()
	if f.inW != nil {
		_ = f.inW.Close()
	}
	return nil
}

// fakeLauncher starts fake processes by stage name.
type fakeLauncher struct {
	mu      sync.Mutex
	started []*fakeProc
	fns     map[string]func(*fakeProc) error
}

func newFakeLauncher(fns map[string]func(*fakeProc) error) *fakeLauncher {
	return &fakeLauncher{fns: fns}
}

func (l *fakeLauncher) launch(_ context.Context, c stage.Command) (Process, error) {
	fn, ok := l.fns[c.Name]
	if !ok {
		return nil, fmt.Errorf("no fake for stage %s", c.Name)
	}

	f := newFakeProc(c)
	if err := fn(f); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.started = append(l.started, f)
	l.mu.Unlock()
	return f, nil
}

func (l *fakeLauncher) procs() []*fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProc(nil), l.started...)
}

// fakeSink records frames. With closeAfter set, the peer goes away once that
// many frames were received.
type fakeSink struct {
	mu         sync.Mutex
	frames     [][]byte
	closeAfter int
	sendErr    error

	done     chan struct{}
	doneOnce sync.Once
	closes   atomic.Int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{})}
}

func (s *fakeSink) Send(_ context.Context, frame []byte) error {
	if s.Closed() {
		return sink.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}

	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	n := len(s.frames)
	s.mu.Unlock()

	if s.closeAfter > 0 && n >= s.closeAfter {
		s.peerClose()
	}
	return nil
}

func (s *fakeSink) peerClose() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *fakeSink) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) Close() error {
	s.closes.Add(1)
	s.peerClose()
	return nil
}

func (s *fakeSink) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *fakeSink) bytes() []byte {
	var out []byte
	for _, f := range s.received() {
		out = append(out, f...)
	}
	return out
}

// numbered returns n distinguishable chunks of the given size.
func numbered(n, size int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = chunk(i, size)
	}
	return chunks
}

func chunk(i, size int) []byte {
	c := make([]byte, size)
	label := fmt.Sprintf("chunk-%05d|", i)
	for j := range c {
		c[j] = label[j%len(label)]
	}
	return c
}

func concat(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
