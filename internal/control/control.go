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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/history"
	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/tracker"
	"github.com/NodePath81/lossmon/internal/util"
	"github.com/NodePath81/lossmon/internal/version"
	"github.com/gorilla/websocket"
)

const (
	maxRPCBodyBytes     = 1 << 20
	apiRatePerSecond    = 5
	apiRateBurst        = 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type DeviceSource interface {
	Devices() []tracker.DeviceState
	Len() int
}

type TotalsSource interface {
	Totals() loss.Totals
}

type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Row, error)
}

type ControlServer struct {
	cfg       config.ControlConfig
	hostname  string
	nodeID    string
	devices   DeviceSource
	totals    TotalsSource
	history   HistorySource
	metrics   *metrics.Metrics
	hub       *StatusHub
	restartFn func() error
	logger    util.Logger
	server    *http.Server
	limiter   *rateLimiter
}

// NewControlServer wires the HTTP surface. hist may be nil when report
// history is disabled.
func NewControlServer(cfg config.Config, nodeID string, devices DeviceSource, totals TotalsSource, hist HistorySource, metrics *metrics.Metrics, hub *StatusHub, restartFn func() error, logger util.Logger) *ControlServer {
	return &ControlServer{
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		nodeID:    nodeID,
		devices:   devices,
		totals:    totals,
		history:   hist,
		metrics:   metrics,
		hub:       hub,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(apiRatePerSecond, apiRateBurst, 5*time.Minute),
	}
}

// Handler returns the control mux.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	if c.cfg.Status.IsEnabled() {
		mux.HandleFunc("/status", c.handleStatus)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/totals", c.api(c.handleTotals))
	mux.HandleFunc("/devices", c.api(c.handleDevices))
	mux.HandleFunc("/history", c.api(c.handleHistory))
	mux.HandleFunc("/identity", c.api(c.handleIdentity))
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
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

type totalsResponse struct {
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
	Devices  int    `json:"devices"`
	NodeID   string `json:"node_id"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
	NodeID   string   `json:"node_id"`
}

// api wraps a read-only JSON endpoint with rate limiting, auth and a GET
// method check.
func (c *ControlServer) api(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
			return
		}
		if !c.checkAuth(r) {
			writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
			return
		}
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
			return
		}
		next(w, r)
	}
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
	case "Restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart unavailable"})
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "GetTotals":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.totalsSnapshot()})
	case "ListDevices":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.devices.Devices()})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (c *ControlServer) totalsSnapshot() totalsResponse {
	t := c.totals.Totals()
	return totalsResponse{
		Received: t.Received,
		Lost:     t.Lost,
		Devices:  c.devices.Len(),
		NodeID:   c.nodeID,
	}
}

func (c *ControlServer) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.totalsSnapshot()})
}

func (c *ControlServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.devices.Devices()})
}

func (c *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if c.history == nil {
		writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "history disabled"})
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "limit must be a positive integer"})
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}
	rows, err := c.history.Recent(r.Context(), limit)
	if err != nil {
		c.logger.Warn("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: rows})
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
		NodeID:   c.nodeID,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
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

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
}

func (c *ControlServer) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStatusAuth(r *http.Request) bool {
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
	if b == "" || len(a) != len(b) {
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

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rate float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow is a per-key token bucket. Idle keys expire after ttl.
func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	limiter := r.clients[key]
	if limiter != nil && now.Sub(limiter.last) > r.ttl {
		delete(r.clients, key)
		limiter = nil
	}
	if limiter == nil {
		r.clients[key] = &clientLimiter{
			tokens: r.burst - 1,
			last:   now,
		}
		return true
	}
	elapsed := now.Sub(limiter.last).Seconds()
	limiter.tokens = min(r.burst, limiter.tokens+elapsed*r.rate)
	limiter.last = now
	if limiter.tokens < 1 {
		return false
	}
	limiter.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
