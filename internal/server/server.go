// Package server implements the HTTP endpoints a speed test talks to: ping,
// download, upload and the caller's ip lookup.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/net/netutil"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	randomBlockSize = 1 << 20
	writeChunkSize  = 64 << 10
	shutdownTimeout = 3 * time.Second
)

// Locator resolves the caller of the ip endpoint.
type Locator interface {
	Locate(ctx context.Context, ip string) geo.Info
}

type Server struct {
	cfg     config.ServerConfig
	locator Locator
	metrics *metrics.Metrics
	logger  util.Logger
	router  chi.Router
	block   []byte
	now     func() time.Time

	server *http.Server
	addr   net.Addr
}

func New(cfg config.ServerConfig, locator Locator, m *metrics.Metrics, logger util.Logger) (*Server, error) {
	if logger == nil {
		logger = util.NopLogger()
	}
	block := make([]byte, randomBlockSize)
	if _, err := rand.Read(block); err != nil {
		return nil, fmt.Errorf("fill random block: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		locator: locator,
		metrics: m,
		logger:  logger,
		block:   block,
		now:     time.Now,
	}
	s.router = s.routes()
	return s, nil
}

// Router exposes the router so other surfaces can share the listener.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.countRequests)
		r.Get("/ping", s.handlePing)
		r.Route("/speed-test", func(r chi.Router) {
			if s.cfg.RateLimit.Requests > 0 {
				r.Use(rateLimit(s.cfg.RateLimit.Requests, s.cfg.RateLimit.Window.Duration()))
			}
			r.Get("/download", s.handleDownload)
			r.Post("/upload", s.handleUpload)
			r.Options("/upload", s.handleUploadPreflight)
			r.Get("/ip", s.handleIP)
		})
	})
	return r
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	ln, err := Listen(addr, s.cfg.MaxConnections)
	if err != nil {
		return err
	}
	s.Serve(ctx, ln)
	s.logger.Info("speed test server started",
		"addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"max_download", util.FormatBytes(float64(s.cfg.Transfer.MaxDownloadBytes)),
		"max_upload", util.FormatBytes(float64(s.cfg.Transfer.MaxUploadBytes)),
		"pacing", pacingLabel(s.cfg.Transfer.RateLimitBits))
	return nil
}

// Serve serves on ln in the background.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	srv := s.server
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("speed test server error", "error", err)
		}
	}()
}

// Addr is the bound address once the server is serving.
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Listen opens a TCP listener that accepts at most maxConns connections at
// once. Zero means unlimited.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}),
	)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ServerRequest(endpoint, status)
	})
}

func pacingLabel(bits uint64) string {
	if bits == 0 {
		return "off"
	}
	return util.FormatBitsPerSecond(float64(bits))
}
