package app

import (
	"context"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/dfpwmrelay/modules/relay"
)

const metricsNamespace = "dfpwmrelay"

type App struct {
	cfg    Config
	logger slog.Logger

	Server *server.Server
	Relay  *relay.Relay

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App.
func New(cfg Config, logger slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

// Run starts the target's modules and blocks until they have all stopped,
// either on a signal or because one of them failed.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return errors.Wrap(err, "failed to init module services")
	}
	a.serviceMap = serviceMap

	sm, err := services.NewManager(a.services("")...)
	if err != nil {
		return errors.Wrap(err, "failed to create service manager")
	}

	sm.AddListener(services.NewManagerListener(
		func() {
			a.logger.Info("started", "target", a.cfg.Target, "http_port", a.cfg.Server.HTTPListenPort)
		},
		func() { a.logger.Info("stopped") },
		func(s services.Service) {
			sm.StopAsync()
			a.logFailure(s)
		},
	))

	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		a.logger.Info("shutting down", "sessions", a.liveSessions())
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "failed to start service manager")
	}

	return sm.AwaitStopped(context.Background())
}

// services returns the initialised module services, leaving out skip.
func (a *App) services(skip string) []services.Service {
	var svs []services.Service
	for m, s := range a.serviceMap {
		if m != skip {
			svs = append(svs, s)
		}
	}
	return svs
}

func (a *App) logFailure(failed services.Service) {
	name := "unknown"
	for m, s := range a.serviceMap {
		if s == failed {
			name = m
			break
		}
	}

	if errors.Is(failed.FailureCase(), modules.ErrStopProcess) {
		a.logger.Info("module requested stop", "module", name)
		return
	}
	a.logger.Error("module failed", "module", name, "err", failed.FailureCase())
}

func (a *App) liveSessions() int {
	if a.Relay == nil {
		return 0
	}
	return a.Relay.Registry().Len()
}
