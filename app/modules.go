package app

import (
	"context"
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/dfpwmrelay/modules/relay"
)

const (
	Server string = "server"
	Relay  string = "relay"
	All    string = "all"
)

var moduleDeps = map[string][]string{
	Relay: {Server},
	All:   {Relay},
}

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Relay, a.initRelay)
	mm.RegisterModule(All, nil)

	for mod, deps := range moduleDeps {
		if err := mm.AddDependency(mod, deps...); err != nil {
			return errors.Wrapf(err, "module %s", mod)
		}
	}

	a.ModuleManager = mm
	return nil
}

func (a *App) initRelay() (services.Service, error) {
	r, err := relay.New(a.cfg.Relay, a.Server.HTTP, a.logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Relay)
	}
	a.Relay = r

	return r, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	srv, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}
	a.Server = srv

	serverDone := make(chan error, 1)

	run := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- srv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	// Client connections are hijacked by the relay; the listener goes away
	// only once every other module, and with it every session, has stopped.
	stop := func(_ error) error {
		for _, s := range a.services(Server) {
			_ = s.AwaitTerminated(context.Background())
		}

		srv.Shutdown()
		<-serverDone
		a.logger.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, run, stop), nil
}
