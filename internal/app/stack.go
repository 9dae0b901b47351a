package app

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/probe"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
)

// Stack is the client side of a speed test: everything an engine run needs.
type Stack struct {
	Config   config.Config
	Metrics  *metrics.Metrics
	Upstream *upstream.Upstream
	Client   *http.Client
	Engine   *engine.Engine
}

// NewStack wires the prober, sampler and geo resolver for cfg into an engine.
// A nil m gets a fresh registry.
func NewStack(cfg config.Config, m *metrics.Metrics, logger util.Logger) (*Stack, error) {
	if logger == nil {
		logger = util.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	up, err := upstream.New(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	streams := max(cfg.Measurement.Download.Streams, cfg.Measurement.Upload.Streams)
	client := measure.NewHTTPClient(streams, cfg.Measurement.SocketBufferBytes)
	// Runs are serialized by the engine, so one source is never shared by two runs.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sources, err := geo.SourcesFromConfig(cfg.Geo.Sources, up.IPURL, client)
	if err != nil {
		return nil, fmt.Errorf("geo sources: %w", err)
	}
	resolver := geo.NewResolver(geo.NewCache(cfg.Geo.TTL.Duration(), time.Now), sources, cfg.Geo.Timeout.Duration(), m, logger)

	eng := engine.New(engine.Options{
		Prober:         probe.NewProber(cfg.Measurement.Latency, up.PingURL, client, rng, m, logger),
		Sampler:        measure.NewSampler(cfg.Measurement, up, client, rng, m, logger),
		Geo:            resolver,
		Server:         up.Host(),
		DownloadBudget: cfg.Measurement.Download.Duration.Duration(),
		UploadBudget:   cfg.Measurement.Upload.Duration.Duration(),
		Metrics:        m,
		Logger:         logger,
	})
	return &Stack{
		Config:   cfg,
		Metrics:  m,
		Upstream: up,
		Client:   client,
		Engine:   eng,
	}, nil
}
