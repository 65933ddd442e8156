// Package gateway is the WebSocket front door onto the postoffice: each
// browser connection holds one postoffice subscription per requested
// channel, and client frames are small JSON command envelopes
// (subscribe/unsubscribe/publish). Connection admission runs through the
// resource guard and the connection rate limiter before the upgrade.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/metrics"
	"github.com/adred-codev/postoffice/internal/postoffice"
	"github.com/adred-codev/postoffice/internal/ratelimit"
	"github.com/adred-codev/postoffice/internal/resource"
)

// Config tunes the gateway's listening address. MetricsHandler, when
// non-nil, is mounted at /metrics on the same mux so one port serves both
// clients and Prometheus.
type Config struct {
	Addr           string
	MetricsHandler http.Handler
}

// Gateway serves /ws upgrades and /health, translating WebSocket clients
// into postoffice subscribers and publishers.
type Gateway struct {
	cfg     Config
	po      *postoffice.PostOffice
	guard   *resource.Guard
	limiter *ratelimit.ConnectionLimiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	server   *http.Server
	listener net.Listener

	clients      sync.Map // *client -> struct{}
	clientSeq    int64
	currentConns int64 // atomic; shared with the resource guard via pointer

	shuttingDown int32
	wg           sync.WaitGroup
}

// New wires a Gateway. guard and limiter may be nil (tests); metrics must
// not be.
func New(cfg Config, po *postoffice.PostOffice, guard *resource.Guard, limiter *ratelimit.ConnectionLimiter, m *metrics.Metrics, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		po:      po,
		guard:   guard,
		limiter: limiter,
		metrics: m,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// UseGuard installs the resource guard consulted before each upgrade. The
// guard is built after the Gateway because it reads the gateway's own
// connection counter (see ConnectionCount); call this before Start.
func (g *Gateway) UseGuard(guard *resource.Guard) {
	g.guard = guard
}

// ConnectionCount returns a pointer to the gateway's live connection
// counter, for handing to resource.New so the guard reads the same number
// the gateway maintains.
func (g *Gateway) ConnectionCount() *int64 {
	return &g.currentConns
}

// Start binds the listening socket and serves in the background. Returns
// only bind errors; serve errors after a successful bind are logged.
func (g *Gateway) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/health", g.handleHealth)
	if g.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", g.cfg.MetricsHandler)
	}

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.Addr, err)
	}
	g.listener = ln
	g.server = &http.Server{Handler: mux}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("gateway serve error")
		}
	}()

	g.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return nil
}

// Addr reports the bound listening address, useful when cfg.Addr carried
// port 0.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.cfg.Addr
	}
	return g.listener.Addr().String()
}

// Shutdown stops accepting upgrades, closes every client, and shuts the
// HTTP server down within ctx's deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&g.shuttingDown, 1)

	g.clients.Range(func(key, _ any) bool {
		g.disconnect(key.(*client), "server_shutdown")
		return true
	})

	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if g.limiter != nil && !g.limiter.Allow(ip) {
		g.metrics.ConnRateLimited.WithLabelValues("per_ip").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if g.guard != nil {
		if accept, reason := g.guard.ShouldAcceptConnection(); !accept {
			g.metrics.ConnectionsFailed.WithLabelValues("resource_guard").Inc()
			g.logger.Warn().Str("reason", reason).Msg("connection rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.metrics.ConnectionsFailed.WithLabelValues("upgrade").Inc()
		g.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(atomic.AddInt64(&g.clientSeq, 1), conn, ip)
	g.clients.Store(c, struct{}{})
	atomic.AddInt64(&g.currentConns, 1)
	g.metrics.ConnectionsTotal.Inc()
	g.metrics.ConnectionsActive.Inc()

	g.logger.Info().Int64("client_id", c.id).Str("ip", ip).Msg("client connected")

	g.wg.Add(2)
	go g.writePump(c)
	go g.readPump(c)
}

func (g *Gateway) readPump(c *client) {
	defer g.wg.Done()
	defer g.disconnect(c, "read_error")

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		g.metrics.MessagesReceived.Inc()
		g.metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			g.handleCommand(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (g *Gateway) writePump(c *client) {
	defer g.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				g.logger.Debug().Int64("client_id", c.id).Err(err).Msg("client write failed")
				return
			}
			g.metrics.MessagesSent.Inc()
			g.metrics.BytesSent.Add(float64(len(data)))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// command is the JSON envelope clients send on the socket.
type command struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Pattern bool            `json:"pattern,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Scope   string          `json:"scope,omitempty"`
}

func (g *Gateway) handleCommand(c *client, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		g.logger.Warn().Int64("client_id", c.id).Err(err).Msg("client sent invalid JSON")
		g.sendError(c, "INVALID_JSON", "could not parse command")
		return
	}

	ctx := context.Background()
	switch cmd.Type {
	case "subscribe":
		g.handleSubscribe(ctx, c, cmd)
	case "unsubscribe":
		g.handleUnsubscribe(ctx, c, cmd)
	case "publish":
		g.handlePublish(ctx, c, cmd)
	case "heartbeat":
		g.sendJSON(c, map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
	default:
		g.logger.Warn().Int64("client_id", c.id).Str("command", cmd.Type).Msg("client sent unknown command type")
		g.sendError(c, "UNKNOWN_COMMAND", "unknown command type: "+cmd.Type)
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *client, cmd command) {
	if cmd.Channel == "" {
		g.sendError(c, "INVALID_CHANNEL", "subscribe requires a channel")
		return
	}

	deliver := func(_ *postoffice.Subscription, msg *postoffice.Message) {
		data, err := postoffice.WrapMessage(msg)
		if err != nil {
			g.logger.Error().Err(err).Msg("failed to wrap message for client")
			return
		}
		g.metrics.DeliveriesTotal.Inc()
		if c.queue(data) {
			g.metrics.DeliveriesDropped.Inc()
			g.logger.Warn().
				Int64("client_id", c.id).
				Str("channel", msg.Channel).
				Msg("client too slow, disconnecting")
			g.disconnect(c, "slow_client")
		}
	}

	var (
		sub *postoffice.Subscription
		err error
	)
	if cmd.Pattern {
		sub, err = g.po.SubscribePattern(ctx, []byte(cmd.Channel), nil, deliver, nil, c.id, nil)
	} else {
		sub, err = g.po.Subscribe(ctx, []byte(cmd.Channel), deliver, nil, c.id, nil)
	}
	if err != nil {
		g.sendError(c, "SUBSCRIBE_FAILED", err.Error())
		return
	}

	if old := c.addSub(subKey(cmd.Channel, cmd.Pattern), sub); old != nil {
		g.po.Unsubscribe(ctx, old)
	}

	g.logger.Info().
		Int64("client_id", c.id).
		Str("channel", cmd.Channel).
		Bool("pattern", cmd.Pattern).
		Msg("client subscribed")

	g.sendJSON(c, map[string]any{
		"type":    "subscription_ack",
		"channel": cmd.Channel,
		"pattern": cmd.Pattern,
		"count":   c.subCount(),
	})
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, c *client, cmd command) {
	sub := c.takeSub(subKey(cmd.Channel, cmd.Pattern))
	if sub == nil {
		g.sendError(c, "NOT_SUBSCRIBED", "no subscription for channel: "+cmd.Channel)
		return
	}
	g.po.Unsubscribe(ctx, sub)

	g.logger.Info().Int64("client_id", c.id).Str("channel", cmd.Channel).Msg("client unsubscribed")
	g.sendJSON(c, map[string]any{
		"type":    "unsubscription_ack",
		"channel": cmd.Channel,
		"count":   c.subCount(),
	})
}

func (g *Gateway) handlePublish(ctx context.Context, c *client, cmd command) {
	if cmd.Channel == "" {
		g.sendError(c, "INVALID_CHANNEL", "publish requires a channel")
		return
	}
	if g.guard != nil && !g.guard.AllowBroadcast() {
		g.metrics.ErrorsTotal.WithLabelValues("publish_rate_limited").Inc()
		g.sendError(c, "RATE_LIMITED", "too many publishes, slow down")
		return
	}

	scope, ok := scopeFromString(cmd.Scope)
	if !ok {
		g.sendError(c, "INVALID_SCOPE", "unknown scope: "+cmd.Scope)
		return
	}

	// A JSON-string payload publishes its text, not its quoted encoding, so
	// {"payload":"hi"} delivers the bytes `hi`. Objects/arrays/numbers pass
	// through as their JSON encoding.
	payload := []byte(cmd.Payload)
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err == nil {
			payload = []byte(s)
		}
	}

	g.metrics.PublishesTotal.WithLabelValues(scopeLabel(scope)).Inc()
	if err := g.po.Publish(ctx, []byte(cmd.Channel), payload, scope); err != nil {
		g.logger.Warn().Int64("client_id", c.id).Err(err).Msg("publish failed")
		g.sendError(c, "PUBLISH_FAILED", err.Error())
	}
}

func (g *Gateway) sendError(c *client, code, message string) {
	g.sendJSON(c, map[string]any{"type": "error", "code": code, "message": message})
}

func (g *Gateway) sendJSON(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full; the client misses this control message. Deliveries
		// through queue() still track the slow-client allowance.
	}
}

func (g *Gateway) disconnect(c *client, reason string) {
	if _, loaded := g.clients.LoadAndDelete(c); !loaded {
		return
	}

	for _, sub := range c.drainSubs() {
		g.po.Unsubscribe(context.Background(), sub)
	}

	c.markDone()
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
	atomic.AddInt64(&g.currentConns, -1)
	g.metrics.ConnectionsActive.Dec()

	g.logger.Info().
		Int64("client_id", c.id).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("client disconnected")
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":      "healthy",
		"connections": atomic.LoadInt64(&g.currentConns),
		"channels":    g.po.ChannelCount(),
		"patterns":    g.po.PatternCount(),
	}
	if g.guard != nil {
		status["resources"] = g.guard.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func subKey(channel string, pattern bool) string {
	if pattern {
		return "~" + channel
	}
	return "=" + channel
}

func scopeFromString(s string) (postoffice.Scope, bool) {
	switch s {
	case "", "process":
		return postoffice.ScopeProcess, true
	case "cluster":
		return postoffice.ScopeCluster, true
	case "siblings":
		return postoffice.ScopeSiblings, true
	case "root":
		return postoffice.ScopeRoot, true
	default:
		return 0, false
	}
}

func scopeLabel(s postoffice.Scope) string {
	switch s {
	case postoffice.ScopeProcess:
		return "process"
	case postoffice.ScopeCluster:
		return "cluster"
	case postoffice.ScopeSiblings:
		return "siblings"
	case postoffice.ScopeRoot:
		return "root"
	default:
		return "engine"
	}
}
