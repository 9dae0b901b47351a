package app

import (
	"context"
	"net"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/control"
	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/server"
	"github.com/NodePath81/fbspeed/internal/util"
)

const shutdownTimeout = 2 * time.Second

// Runtime is one generation of the serve mode: the speed test endpoints, the
// control plane on the same listener, and the engine behind RunTest.
type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	stack   *Stack
	locator *geo.Locator
	server  *server.Server
	control *control.ControlServer
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	if logger == nil {
		logger = util.NopLogger()
	}
	stack, err := NewStack(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	locator, err := geo.OpenLocator(geo.LocatorOptions{
		CityDB:  cfg.Geo.CityDB,
		ASNDB:   cfg.Geo.ASNDB,
		Client:  stack.Client,
		Cache:   geo.NewCache(cfg.Geo.TTL.Duration(), time.Now),
		Metrics: stack.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	srv, err := server.New(cfg.Server, locator, stack.Metrics, logger)
	if err != nil {
		_ = locator.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		stack:   stack,
		locator: locator,
		server:  srv,
		control: control.NewControlServer(cfg, stack.Engine, stack.Upstream, stack.Metrics, restartFn, logger),
	}
	rt.control.Mount(ctx, srv.Router())
	return rt, nil
}

func (r *Runtime) Start() error {
	if err := r.server.Start(r.ctx); err != nil {
		r.Stop()
		return err
	}
	r.logger.Info("runtime started", "upstream", r.stack.Upstream.Tag, "metrics", r.cfg.Control.Metrics.IsEnabled())
	return nil
}

// Addr is the listener address, nil before Start.
func (r *Runtime) Addr() net.Addr {
	return r.server.Addr()
}

func (r *Runtime) Stop() {
	r.cancel()
	r.stack.Engine.Cancel()
	if hub := r.control.Hub(); hub != nil {
		hub.CloseAll()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Warn("server shutdown", "error", err)
	}
	cancel()
	if err := r.locator.Close(); err != nil {
		r.logger.Warn("close geo databases", "error", err)
	}
}
