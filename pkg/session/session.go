package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/dfpwmrelay/pkg/pipeline"
	"github.com/zachfi/dfpwmrelay/pkg/resolver"
	"github.com/zachfi/dfpwmrelay/pkg/sink"
)

// ErrStream is the cause recorded when streaming ends because of a failure.
var ErrStream = errors.New("stream failed")

const defaultResolveTimeout = 60 * time.Second

var tracer = otel.Tracer("github.com/zachfi/dfpwmrelay/pkg/session")

// Client is the connection a session serves.
type Client interface {
	sink.Sink

	// ReadRequest returns the initial client message.
	ReadRequest(ctx context.Context) ([]byte, error)

	// SendError delivers one structured error message.
	SendError(ctx context.Context, msg string) error

	// Watch starts peer closure detection.
	Watch()

	RemoteAddr() string
}

// Builder starts pipelines. *pipeline.Builder satisfies it.
type Builder interface {
	Build(ctx context.Context, src pipeline.Source) (*pipeline.Pipeline, error)
}

type Config struct {
	// SiteHosts are the hosts whose links need extraction.
	SiteHosts []string

	// PipeExtraction streams site links through an extraction stage instead of
	// resolving them to a URI first.
	PipeExtraction bool

	ResolveTimeout time.Duration
}

// Result summarizes a finished session.
type Result struct {
	State       State
	Reason      pipeline.Reason
	Err         error
	Frames      uint64
	Bytes       uint64
	ResolveTime time.Duration
	Stages      int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID      string               `json:"id"`
	Remote  string               `json:"remote"`
	Locator string               `json:"locator,omitempty"`
	State   State                `json:"state"`
	Started time.Time            `json:"started"`
	Frames  uint64               `json:"frames"`
	Bytes   uint64               `json:"bytes"`
	Stages  []pipeline.StageInfo `json:"stages,omitempty"`
}

// Session relays one source to one client. It owns at most one pipeline,
// which is never replaced.
type Session struct {
	ID      uuid.UUID
	Remote  string
	Started time.Time

	cfg      Config
	client   Client
	resolver resolver.Resolver
	builder  Builder
	logger   *slog.Logger

	state   atomic.Int32
	errSent atomic.Bool

	mu      sync.Mutex
	locator string
	pipe    *pipeline.Pipeline
}

func New(cfg Config, client Client, r resolver.Resolver, b Builder, logger *slog.Logger) *Session {
	if cfg.SiteHosts == nil {
		cfg.SiteHosts = resolver.DefaultSiteHosts
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New()
	remote := client.RemoteAddr()

	return &Session{
		ID:       id,
		Remote:   remote,
		Started:  time.Now(),
		cfg:      cfg,
		client:   client,
		resolver: r,
		builder:  b,
		logger:   logger.With("session", id.String(), "remote", remote),
	}
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(to State) bool {
	for {
		from := s.State()
		if !canTransition(from, to) {
			s.logger.Debug("ignoring state transition", "from", from, "to", to)
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Debug("session state", "from", from, "to", to)
			return true
		}
	}
}

// Run serves the client until the stream ends. Every return path leaves the
// client released and no stage running.
func (s *Session) Run(ctx context.Context) (res Result) {
	ctx, span := tracer.Start(ctx, "Session.Run", trace.WithAttributes(
		attribute.String("session", s.ID.String()),
		attribute.String("remote", s.Remote),
	))

	defer func() {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("failed to close client", "err", err)
		}

		res.State = s.State()
		if p := s.pipeline(); p != nil {
			st := p.Stats()
			res.Frames, res.Bytes, res.Stages = st.Frames, st.Bytes, p.Len()
		}

		span.SetAttributes(
			attribute.String("state", res.State.String()),
			attribute.String("reason", res.Reason.String()),
			attribute.Int64("frames", int64(res.Frames)),
		)
		_ = tracing.ErrHandler(span, res.Err, "session failed", nil)
	}()

	raw, err := s.client.ReadRequest(ctx)
	if err != nil {
		s.logger.Debug("client left before sending a request", "err", err)
		res.Reason = pipeline.ReasonSinkClosed
		s.setState(StateClosed)
		return res
	}
	s.client.Watch()

	locator, err := ParseRequest(raw)
	if err != nil {
		s.fail(ctx, err, &res)
		return res
	}
	s.mu.Lock()
	s.locator = locator
	s.mu.Unlock()
	span.SetAttributes(attribute.String("locator", locator))

	start := time.Now()
	src, err := s.resolve(ctx, locator)
	res.ResolveTime = time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			res.Reason = pipeline.ReasonAborted
			s.setState(StateClosed)
		case s.client.Closed():
			res.Reason = pipeline.ReasonSinkClosed
			s.setState(StateClosed)
		default:
			s.fail(ctx, err, &res)
		}
		return res
	}

	s.setState(StateStarting)
	p, err := s.builder.Build(ctx, src)
	if err != nil {
		s.fail(ctx, err, &res)
		return res
	}
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()

	// Run closes the client; a failure before the first frame has to be
	// reported while it is still open.
	p.OnEnd(func(r pipeline.Reason, st pipeline.Stats) {
		if r.Failure() && r != pipeline.ReasonSinkError && st.Frames == 0 {
			s.sendError(ctx, streamMessage(r))
		}
	})

	s.setState(StatePiping)
	s.logger.Info("streaming", "locator", locator, "stages", p.Len())
	res.Reason = p.Run(ctx, s.client)

	s.setState(StateClosing)
	if err := p.Teardown(); err != nil {
		s.logger.Info("stage errors after stream end", "err", err)
	}

	if res.Reason.Failure() {
		res.Err = fmt.Errorf("%w: %s", ErrStream, res.Reason)
		s.setState(StateFailed)
		return res
	}
	s.setState(StateClosed)
	return res
}

// resolve turns the locator into a pipeline source. Resolution is abandoned
// when the client goes away.
func (s *Session) resolve(ctx context.Context, locator string) (pipeline.Source, error) {
	kind := resolver.Classify(locator, s.cfg.SiteHosts)
	if kind == resolver.KindSite && s.cfg.PipeExtraction {
		return pipeline.Source{Locator: locator, Extract: true}, nil
	}

	ctx, span := tracer.Start(ctx, "Session.resolve", trace.WithAttributes(
		attribute.String("kind", kind.String()),
	))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	r, err := s.resolver.Resolve(ctx, locator)
	if err = tracing.ErrHandler(span, err, "resolution failed", nil); err != nil {
		s.logger.Info("resolution failed", "locator", locator, "err", err)
		return pipeline.Source{}, err
	}

	s.logger.Debug("resolved", "locator", locator, "kind", kind)
	return pipeline.Source{Locator: locator, URI: r.URI, Headers: r.Headers}, nil
}

// fail records err and sends it to the client.
func (s *Session) fail(ctx context.Context, err error, res *Result) {
	res.Err = err
	s.sendError(ctx, clientMessage(err))
	s.setState(StateFailed)
}

// sendError sends msg to the client, at most once per session.
func (s *Session) sendError(ctx context.Context, msg string) {
	if s.client.Closed() || !s.errSent.CompareAndSwap(false, true) {
		return
	}
	if err := s.client.SendError(ctx, msg); err != nil {
		s.logger.Debug("failed to send error", "err", err)
	}
}

func streamMessage(r pipeline.Reason) string {
	if r == pipeline.ReasonStartTimeout {
		return "No audio received from the stream."
	}
	return "Failed to read the stream."
}

func (s *Session) pipeline() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe
}

// Info returns a snapshot for listings. Stage resource usage is sampled with
// ctx.
func (s *Session) Info(ctx context.Context) Info {
	s.mu.Lock()
	info := Info{
		ID:      s.ID.String(),
		Remote:  s.Remote,
		Locator: s.locator,
		Started: s.Started,
	}
	p := s.pipe
	s.mu.Unlock()

	info.State = s.State()
	if p != nil {
		st := p.Stats()
		info.Frames, info.Bytes = st.Frames, st.Bytes
		if !info.State.Terminal() {
			info.Stages = p.StageInfo(ctx)
		}
	}
	return info
}
