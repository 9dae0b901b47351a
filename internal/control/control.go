package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	rpcLimiterTTL     = 5 * time.Minute
	maxTrackedClients = 1024
	wsTokenPrefix     = "fbspeed-token."
	wsPrimaryProtocol = "fbspeed"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type ControlServer struct {
	fullCfg   config.Config
	cfg       config.ControlConfig
	hostname  string
	engine    *engine.Engine
	upstream  *upstream.Upstream
	metrics   *metrics.Metrics
	restartFn func() error
	logger    util.Logger
	limiter   *rateLimiter

	ctx context.Context
	hub *StatusHub
}

func NewControlServer(cfg config.Config, eng *engine.Engine, up *upstream.Upstream, m *metrics.Metrics, restartFn func() error, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &ControlServer{
		fullCfg:   cfg,
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		engine:    eng,
		upstream:  up,
		metrics:   m,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(rpcRatePerSecond, rpcRateBurst, rpcLimiterTTL),
	}
}

// Mount registers the control routes on r. Runs started over RPC and
// websocket clients live until ctx is done.
func (c *ControlServer) Mount(ctx context.Context, r chi.Router) {
	c.ctx = ctx
	c.hub = NewStatusHub(ctx.Done())
	if c.cfg.Metrics.IsEnabled() {
		r.HandleFunc("/metrics", c.handleMetrics)
	}
	r.HandleFunc("/rpc", c.handleRPC)
	r.HandleFunc("/status", c.handleStatus)
	r.HandleFunc("/identity", c.handleIdentity)
}

// Hub returns the update fan-out, nil before Mount.
func (c *ControlServer) Hub() *StatusHub {
	return c.hub
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type runTestResponse struct {
	RunID string `json:"run_id"`
}

type cancelTestResponse struct {
	RunID     string `json:"run_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

type statusResponse struct {
	RunID      string            `json:"run_id,omitempty"`
	Running    bool              `json:"running"`
	Session    engine.Session    `json:"session"`
	LastReport *engine.Report    `json:"last_report,omitempty"`
	Upstream   upstream.Snapshot `json:"upstream"`
	Watchers   int               `json:"watchers"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "RunTest":
		runID, err := c.startRun()
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, engine.ErrBusy) {
				status = http.StatusConflict
			}
			writeJSON(w, status, rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: runTestResponse{RunID: runID}})
	case "CancelTest":
		runID, running := c.engine.Running()
		c.engine.Cancel()
		if running {
			c.logger.Info("speed test cancel requested", "run_id", runID)
		} else {
			runID = ""
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: cancelTestResponse{RunID: runID, Cancelled: running}})
	case "GetStatus":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getStatus()})
	case "GetConfig":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getMeasurementConfig()})
	case "Restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart not available"})
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

// startRun begins a server-side run and reports a cancellation to the
// status stream once it ends.
func (c *ControlServer) startRun() (string, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	runID, outcome, err := c.engine.Start(ctx, c.publish)
	if err != nil {
		return "", err
	}
	c.logger.Info("speed test triggered", "run_id", runID, "source", "rpc")
	go func() {
		out := <-outcome
		if errors.Is(out.Err, engine.ErrCancelled) && c.hub != nil {
			c.hub.BroadcastFinal(cancelledMessage(runID))
		}
	}()
	return runID, nil
}

func (c *ControlServer) publish(u engine.Update) {
	if c.hub != nil {
		c.hub.Publish(u)
	}
}

func (c *ControlServer) getStatus() statusResponse {
	runID, running := c.engine.Running()
	resp := statusResponse{
		Running: running,
		Session: c.engine.Session(),
	}
	if running {
		resp.RunID = runID
	}
	if report, ok := c.engine.LastReport(); ok {
		resp.LastReport = &report
	}
	if c.upstream != nil {
		resp.Upstream = c.upstream.Snapshot()
	}
	if c.hub != nil {
		resp.Watchers = c.hub.Clients()
	}
	return resp
}

func (c *ControlServer) getMeasurementConfig() map[string]interface{} {
	cfg := c.fullCfg.Measurement
	return map[string]interface{}{
		"server": c.fullCfg.Upstream.Tag,
		"units": map[string]interface{}{
			"divisor": cfg.Units.Divisor,
		},
		"latency": map[string]interface{}{
			"count":   cfg.Latency.Count,
			"timeout": cfg.Latency.Timeout.Duration().String(),
			"fallback": map[string]interface{}{
				"min_ms":        cfg.Latency.Fallback.MinMs,
				"max_ms":        cfg.Latency.Fallback.MaxMs,
				"max_jitter_ms": cfg.Latency.Fallback.MaxJitterMs,
			},
		},
		"download": map[string]interface{}{
			"streams":         cfg.Download.Streams,
			"duration":        cfg.Download.Duration.Duration().String(),
			"request_size":    cfg.Download.RequestSize,
			"chunk_size":      cfg.Download.ChunkSize,
			"sample_interval": cfg.Download.SampleInterval.Duration().String(),
			"min_elapsed":     cfg.Download.MinElapsed.Duration().String(),
			"floor_mbps":      cfg.Download.FloorMbps,
			"fallback": map[string]interface{}{
				"min_mbps": cfg.Download.Fallback.MinMbps,
				"max_mbps": cfg.Download.Fallback.MaxMbps,
			},
		},
		"upload": map[string]interface{}{
			"mode":       cfg.Upload.Mode,
			"streams":    cfg.Upload.Streams,
			"duration":   cfg.Upload.Duration.Duration().String(),
			"chunk_size": cfg.Upload.ChunkSize,
			"max_ratio":  cfg.Upload.MaxRatio,
			"animation": map[string]interface{}{
				"steps": cfg.Upload.AnimationSteps(),
				"step":  cfg.Upload.Animation.Step.Duration().String(),
			},
		},
		"socket_buffer": cfg.SocketBuffer,
		"geo": map[string]interface{}{
			"ttl":     c.fullCfg.Geo.TTL.Duration().String(),
			"timeout": c.fullCfg.Geo.Timeout.Duration().String(),
			"sources": c.fullCfg.Geo.Sources,
		},
	}
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c.hub == nil {
		http.Error(w, "status stream not ready", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return c.originAllowed(r) },
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &statusClient{send: make(chan []byte, 32)}
	c.hub.Register(client)

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	sendJSON := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		client.trySend(data)
	}
	sendSnapshot := func() {
		runID, _ := c.engine.Running()
		sendJSON(snapshotMessage(runID, c.engine.Session()))
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			closeConn()
			c.hub.Unregister(client)
		})
	}

	sendSnapshot()

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			switch req.Type {
			case "snapshot":
				sendSnapshot()
			default:
				sendJSON(errorMessage("unknown_type", "type must be snapshot"))
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	addrs := collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
	})
	if len(addrs) > 0 {
		return addrs
	}
	return collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0
	})
}

func collectIPs(ifaces []net.Interface, filter func(net.Interface) bool) []string {
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if !filter(iface) {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			if ip := addrToIP(addr); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

func addrToIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.IPNet:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	case *net.IPAddr:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	default:
		return ""
	}
}

// checkAuth passes every request when no token is configured.
func (c *ControlServer) checkAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStatusAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c *ControlServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter keeps one token bucket per client. Clients idle for longer
// than ttl start over with a full bucket.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	cl := r.clients[key]
	if cl != nil && now.Sub(cl.last) > r.ttl {
		delete(r.clients, key)
		cl = nil
	}
	if cl == nil {
		if len(r.clients) >= maxTrackedClients {
			r.prune(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	return cl.limiter.AllowN(now, 1)
}

func (r *rateLimiter) prune(now time.Time) {
	for key, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
