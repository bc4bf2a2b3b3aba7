package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zachfi/dfpwmrelay/pkg/sink"
	"github.com/zachfi/dfpwmrelay/pkg/stage"
)

// maxEmptyReads bounds consecutive reads returning neither data nor an error.
const maxEmptyReads = 100

type member struct {
	proc     Process
	signaled atomic.Bool
}

func (m *member) exited() bool {
	select {
	case <-m.proc.Done():
		return true
	default:
		return false
	}
}

// Stats counts what a pipeline delivered.
type Stats struct {
	Frames uint64 `json:"frames"`
	Bytes  uint64 `json:"bytes"`
}

// StageInfo describes one stage of a pipeline.
type StageInfo struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid,omitempty"`
	Exited     bool    `json:"exited"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
}

// Pipeline is a started chain of at most MaxStages stages. The final stage's
// output is forwarded to a sink by Run. Teardown releases everything and is
// safe to call any number of times from any goroutine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	stages []*member
	copies []*copyTask

	mu    sync.Mutex
	sink  sink.Sink
	onEnd func(Reason, Stats)

	running   atomic.Bool
	gotData   atomic.Bool
	cause     atomic.Int32
	reason    atomic.Int32
	frames    atomic.Uint64
	bytesSent atomic.Uint64

	teardownOnce sync.Once
	teardownErr  error
}

func newPipeline(cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger}
}

func (p *Pipeline) add(proc Process) {
	if len(p.stages) >= MaxStages {
		panic("pipeline: too many stages")
	}
	p.stages = append(p.stages, &member{proc: proc})
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

func (p *Pipeline) final() Process { return p.stages[len(p.stages)-1].proc }

// OnEnd registers fn to be called once forwarding has ended, before Run tears
// the pipeline down and closes the sink. The sink is still open when fn runs.
func (p *Pipeline) OnEnd(fn func(Reason, Stats)) {
	p.mu.Lock()
	p.onEnd = fn
	p.mu.Unlock()
}

// Run forwards the final stage's output to s, one frame per read, until the
// output ends, the sink closes, a send fails, the first byte timeout expires
// or ctx is cancelled. Run tears the pipeline down before it returns and may
// only be called once.
func (p *Pipeline) Run(ctx context.Context, s sink.Sink) Reason {
	if !p.running.CompareAndSwap(false, true) {
		return ReasonNone
	}

	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()

	loopDone := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-s.Done():
			p.interrupt(ReasonSinkClosed)
		case <-ctx.Done():
			p.interrupt(ReasonAborted)
		case <-loopDone:
		}
	}()

	var timer *time.Timer
	if p.cfg.FirstByteTimeout > 0 {
		timer = time.AfterFunc(p.cfg.FirstByteTimeout, func() {
			if !p.gotData.Load() {
				p.interrupt(ReasonStartTimeout)
			}
		})
	}

	reason := p.forward(ctx, s, timer)

	close(loopDone)
	<-watcherDone
	if timer != nil {
		timer.Stop()
	}
	p.reason.Store(int32(reason))

	st := p.Stats()
	p.logger.Info("forwarding ended", "reason", reason, "frames", st.Frames, "bytes", st.Bytes)

	p.mu.Lock()
	onEnd := p.onEnd
	p.mu.Unlock()
	if onEnd != nil {
		onEnd(reason, st)
	}

	if err := p.Teardown(); err != nil {
		p.logger.Debug("teardown reported errors", "err", err)
	}
	return reason
}

func (p *Pipeline) forward(ctx context.Context, s sink.Sink, timer *time.Timer) Reason {
	out := p.final().Output()
	buf := make([]byte, p.cfg.FrameSize)

	empty := 0
	for {
		n, err := out.Read(buf)
		if n > 0 {
			empty = 0
			if !p.gotData.Swap(true) && timer != nil {
				timer.Stop()
			}

			if s.Closed() {
				return p.causeOr(ReasonSinkClosed)
			}
			if serr := s.Send(ctx, buf[:n]); serr != nil {
				switch {
				case p.currentCause() != ReasonNone:
					return p.currentCause()
				case ctx.Err() != nil:
					return ReasonAborted
				case errors.Is(serr, sink.ErrClosed), s.Closed():
					return ReasonSinkClosed
				}
				p.logger.Warn("failed to send frame", "err", serr)
				return ReasonSinkError
			}
			p.frames.Add(1)
			p.bytesSent.Add(uint64(n))
		}

		if err != nil {
			switch {
			case p.currentCause() != ReasonNone:
				return p.currentCause()
			case s.Closed():
				return ReasonSinkClosed
			case errors.Is(err, io.EOF):
				return ReasonUpstreamExhausted
			}
			p.logger.Warn("failed to read stage output", "err", err)
			return ReasonReadError
		}

		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				p.logger.Warn("failed to read stage output", "err", io.ErrNoProgress)
				return ReasonReadError
			}
		}
	}
}

func (p *Pipeline) currentCause() Reason { return Reason(p.cause.Load()) }

func (p *Pipeline) causeOr(r Reason) Reason {
	if c := p.currentCause(); c != ReasonNone {
		return c
	}
	return r
}

// interrupt records why the run is being stopped from outside the loop and
// terminates the stages so a blocked read returns.
func (p *Pipeline) interrupt(r Reason) {
	if !p.cause.CompareAndSwap(int32(ReasonNone), int32(r)) {
		return
	}
	p.logger.Debug("interrupting pipeline", "reason", r)
	p.terminateAll()
}

func (p *Pipeline) terminateAll() {
	for _, m := range p.stages {
		p.terminate(m)
	}
}

// terminate signals a live stage at most once.
func (p *Pipeline) terminate(m *member) {
	if m.exited() {
		return
	}
	if !m.signaled.CompareAndSwap(false, true) {
		return
	}
	if err := m.proc.Terminate(); err != nil {
		p.logger.Warn("failed to terminate stage", "stage", m.proc.Name(), "err", err)
	}
}

// Teardown terminates every live stage, stops the stage links, reaps every
// process, releases the descriptors and closes the sink if one was attached.
// Concurrent callers block until the first call has finished and all get the
// same result.
func (p *Pipeline) Teardown() error {
	p.teardownOnce.Do(func() {
		var errs []error

		p.terminateAll()

		for _, c := range p.copies {
			c.cancel()
		}

		// A stage that crashed on its own is reported even if it was
		// signalled after the fact.
		for _, m := range p.stages {
			err := m.proc.Wait()
			if err == nil || (m.signaled.Load() && stage.Killed(err)) {
				continue
			}
			errs = append(errs, err)
		}

		for _, m := range p.stages {
			if err := m.proc.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		p.mu.Lock()
		s := p.sink
		p.mu.Unlock()
		if s != nil {
			if err := s.Close(); err != nil && !errors.Is(err, sink.ErrClosed) {
				errs = append(errs, err)
			}
		}

		p.teardownErr = errors.Join(errs...)
		p.logger.Debug("pipeline torn down", "stages", len(p.stages))
	})
	return p.teardownErr
}

// Reason returns the result of Run, or ReasonNone while it has not returned.
func (p *Pipeline) Reason() Reason { return Reason(p.reason.Load()) }

// Stats returns the frames and bytes delivered so far.
func (p *Pipeline) Stats() Stats {
	return Stats{Frames: p.frames.Load(), Bytes: p.bytesSent.Load()}
}

// StageInfo describes each stage, sampling resource usage of the live ones
// where the process supports it.
func (p *Pipeline) StageInfo(ctx context.Context) []StageInfo {
	infos := make([]StageInfo, 0, len(p.stages))
	for _, m := range p.stages {
		info := StageInfo{Name: m.proc.Name(), Exited: m.exited()}

		if pp, ok := m.proc.(interface{ PID() int }); ok {
			info.PID = pp.PID()
		}
		if sp, ok := m.proc.(interface {
			Stats(context.Context) (stage.Stats, error)
		}); ok && !info.Exited {
			if st, err := sp.Stats(ctx); err == nil {
				info.CPUPercent = st.CPUPercent
				info.RSSBytes = st.RSSBytes
			}
		}

		infos = append(infos, info)
	}
	return infos
}
