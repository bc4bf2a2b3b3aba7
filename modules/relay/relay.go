package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/dfpwmrelay/pkg/pipeline"
	"github.com/zachfi/dfpwmrelay/pkg/resolver"
	"github.com/zachfi/dfpwmrelay/pkg/session"
	"github.com/zachfi/dfpwmrelay/pkg/sink"
	"github.com/zachfi/dfpwmrelay/pkg/stage"
)

const module = "relay"

// shutdownTimeout bounds the wait for live sessions when the relay stops.
const shutdownTimeout = 30 * time.Second

type Relay struct {
	services.Service

	cfg    *Config
	logger *slog.Logger

	registry   *Registry
	builder    *pipeline.Builder
	resolver   resolver.Resolver
	sessionCfg session.Config
	upgrader   websocket.Upgrader
	metrics    *metrics

	// Parent of every session context. Cancelled on stop.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates the relay and registers its routes on router.
func New(cfg Config, router *mux.Router, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	r := &Relay{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		registry: NewRegistry(cfg.MaxSessions),
		metrics:  newMetrics(reg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: cfg.FrameSize + 64,
			// Clients are game computers and scripts, not browsers; they send
			// no Origin worth checking.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.baseCtx, r.cancel = context.WithCancel(context.Background())

	r.builder = pipeline.NewBuilder(cfg.pipelineConfig(), r.logger, pipeline.WithLauncher(r.launch))
	r.resolver = &resolver.Router{
		SiteHosts: cfg.SiteHosts,
		Site:      resolver.NewTool(cfg.ExtractorPath, r.logger),
		Playlist:  resolver.NewPlaylist(),
	}
	r.sessionCfg = session.Config{
		SiteHosts:      cfg.SiteHosts,
		PipeExtraction: cfg.ExtractMode == ExtractPipe,
		ResolveTimeout: cfg.ResolveTimeout,
	}

	router.Path(cfg.Path).HandlerFunc(r.serveClient)
	router.Path("/sessions").Methods(http.MethodGet).HandlerFunc(r.listSessions)
	router.Path("/sessions/{id}").Methods(http.MethodDelete).HandlerFunc(r.cancelSession)

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

// Registry returns the live session registry.
func (r *Relay) Registry() *Registry { return r.registry }

func (r *Relay) starting(_ context.Context) error {
	for _, bin := range []string{r.cfg.FFmpegPath, r.cfg.ExtractorPath} {
		if _, err := exec.LookPath(bin); err != nil {
			r.logger.Warn("binary not found, sessions needing it will fail", "binary", bin, "err", err)
		}
	}

	r.logger.Info("accepting clients", "path", r.cfg.Path, "extract_mode", r.cfg.ExtractMode, "max_sessions", r.cfg.MaxSessions)
	return nil
}

func (r *Relay) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping", "sessions", r.registry.Len())

	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := r.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// launch starts a stage and counts the attempt.
func (r *Relay) launch(ctx context.Context, c stage.Command) (pipeline.Process, error) {
	p, err := pipeline.StartStage(ctx, c)

	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.stageStarts.WithLabelValues(c.Name, result).Inc()

	return p, err
}

func (r *Relay) serveClient(w http.ResponseWriter, req *http.Request) {
	if r.State() != services.Running {
		r.metrics.rejectedTotal.WithLabelValues("unavailable").Inc()
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already answered the request.
		r.metrics.rejectedTotal.WithLabelValues("upgrade").Inc()
		r.logger.Debug("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}

	client := sink.NewWebSocket(conn, sink.Options{
		WriteTimeout:   r.cfg.WriteTimeout,
		RequestTimeout: r.cfg.RequestTimeout,
		PingInterval:   r.cfg.PingInterval,
	}, r.logger)

	ctx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()

	sess := session.New(r.sessionCfg, client, r.resolver, r.builder, r.logger)
	if err := r.registry.Add(sess, cancel); err != nil {
		reason := "capacity"
		if errors.Is(err, ErrShuttingDown) {
			reason = "unavailable"
		}
		r.metrics.rejectedTotal.WithLabelValues(reason).Inc()
		r.logger.Info("rejecting client", "remote", client.RemoteAddr(), "err", err)

		_ = client.SendError(ctx, err.Error())
		_ = client.Close()
		return
	}
	defer r.registry.Remove(sess.ID)

	r.metrics.activeSessions.Inc()
	defer r.metrics.activeSessions.Dec()

	res := sess.Run(ctx)
	r.metrics.observe(res)
	r.logger.Info("session ended",
		"session", sess.ID.String(),
		"state", res.State,
		"reason", res.Reason,
		"frames", res.Frames,
		"bytes", res.Bytes,
		"err", res.Err,
		"duration", time.Since(sess.Started).Round(time.Millisecond),
	)
}

func (r *Relay) listSessions(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.registry.List(req.Context())); err != nil {
		r.logger.Debug("failed to write session list", "err", err)
	}
}

func (r *Relay) cancelSession(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(mux.Vars(req)["id"])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	if !r.registry.Cancel(id) {
		http.NotFound(w, req)
		return
	}

	r.logger.Info("session cancelled", "session", id.String())
	w.WriteHeader(http.StatusNoContent)
}
