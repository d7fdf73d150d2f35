package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"astrostream/internal/auth"
	"astrostream/internal/broker"
	"astrostream/internal/envelope"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsCommandCost  = 0.1
)

// wsClient is the per-connection state: the socket, its subscriptions and
// their forwarder goroutines. The write mutex serializes frames from the
// forwarders, the ping ticker and command replies.
type wsClient struct {
	server   *Server
	conn     *websocket.Conn
	clientID string
	tenant   string
	key      string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*wsSubscription

	msgsSent    atomic.Uint64
	connectedAt time.Time
}

type wsSubscription struct {
	q    *broker.Queue
	done chan struct{}
}

func newClientID() string {
	var b [8]byte
	rand.Read(b[:])
	return "ws-" + hex.EncodeToString(b[:])
}

func closePolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	conn.Close()
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.opts.CORSOrigin == "" || s.opts.CORSOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == s.opts.CORSOrigin
		},
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Auth runs after the upgrade so refusals surface as close code 1008
	// instead of a failed handshake the client cannot inspect.
	ctx := r.Context()
	token, source := extractToken(r)
	p, verr := s.verifier.Verify(ctx, token, "", source, requestMeta(r, "ws"))
	if verr != nil {
		s.metrics.AuthRejections.WithLabelValues(auth.CodeOf(verr)).Inc()
		closePolicy(conn, auth.CodeOf(verr))
		return
	}
	s.metrics.AuthValidated.Inc()

	key := limiterKey(p)
	if !s.limiter.AllowConnection(key) {
		s.metrics.RateLimitViolations.WithLabelValues("connection", "ws").Inc()
		closePolicy(conn, "connection_limit")
		return
	}
	if !s.limiter.AllowQPS(key, 1) {
		s.metrics.RateLimitViolations.WithLabelValues("qps", "ws").Inc()
		closePolicy(conn, "qps_limit")
		return
	}

	c := &wsClient{
		server:      s,
		conn:        conn,
		clientID:    newClientID(),
		tenant:      p.TenantID,
		key:         key,
		subs:        make(map[string]*wsSubscription),
		connectedAt: time.Now(),
	}

	s.limiter.AddConnection(key)
	s.metrics.ConnectionsTotal.WithLabelValues("ws").Inc()
	s.metrics.ConnectionsActive.WithLabelValues("ws").Inc()

	c.writeJSON(map[string]interface{}{
		"event":     "welcome",
		"client_id": c.clientID,
		"tenant_id": c.tenant,
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"seq":       0,
	})

	// Token topic binding applies to subscribe commands.
	boundTopic := p.Claims.Topic

	stop := make(chan struct{})
	go c.pinger(stop)
	c.readLoop(boundTopic)
	close(stop)
	c.teardown()
}

func (c *wsClient) pinger(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readLoop(boundTopic string) {
	s := c.server
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			c.writeJSON(map[string]interface{}{"ok": false, "error": "binary_not_supported"})
			continue
		}

		var cmd struct {
			Action  string          `json:"action"`
			Topics  []string        `json:"topics"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(msg, &cmd) != nil || cmd.Action == "" {
			c.writeJSON(map[string]interface{}{"ok": false, "error": "invalid_command"})
			continue
		}

		if !s.limiter.AllowQPS(c.key, wsCommandCost) {
			s.metrics.RateLimitViolations.WithLabelValues("qps", "ws").Inc()
			c.writeJSON(map[string]interface{}{"ok": false, "error": "rate_limited"})
			continue
		}
		s.metrics.WSCommands.WithLabelValues(cmd.Action).Inc()

		switch cmd.Action {
		case "subscribe":
			c.handleSubscribe(cmd.Topics, boundTopic)
		case "unsubscribe":
			c.handleUnsubscribe(cmd.Topics)
		case "ping":
			c.writeJSON(map[string]interface{}{
				"event":   "pong",
				"payload": cmd.Payload,
				"seq":     c.msgsSent.Load(),
				"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			})
		case "stats":
			c.handleStats()
		default:
			c.writeJSON(map[string]interface{}{"ok": false, "error": "unknown_action"})
		}
	}
}

func (c *wsClient) handleSubscribe(topics []string, boundTopic string) {
	s := c.server
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if !broker.ValidTopic(topic) {
			c.writeJSON(map[string]interface{}{"ok": false, "error": "invalid_topic", "topic": topic})
			continue
		}
		if boundTopic != "" && topic != boundTopic {
			c.writeJSON(map[string]interface{}{"ok": false, "error": "topic_forbidden", "topic": topic})
			continue
		}
		c.mu.Lock()
		if _, exists := c.subs[topic]; exists {
			c.mu.Unlock()
			continue
		}
		sub := &wsSubscription{
			q:    s.broker.Subscribe(topic, s.opts.QueueCapacity),
			done: make(chan struct{}),
		}
		c.subs[topic] = sub
		c.mu.Unlock()
		s.metrics.SubscribersActive.WithLabelValues(topic).Set(float64(s.broker.Subscribers(topic)))
		go c.forward(topic, sub)
	}
	c.writeJSON(map[string]interface{}{"event": "subscribed", "topics": c.topicList(), "ok": true})
}

func (c *wsClient) handleUnsubscribe(topics []string) {
	s := c.server
	for _, topic := range topics {
		c.mu.Lock()
		sub, ok := c.subs[topic]
		if ok {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		close(sub.done)
		s.broker.Unsubscribe(topic, sub.q)
		s.metrics.SubscribersActive.WithLabelValues(topic).Set(float64(s.broker.Subscribers(topic)))
	}
	c.writeJSON(map[string]interface{}{"event": "unsubscribed", "topics": c.topicList(), "ok": true})
}

func (c *wsClient) handleStats() {
	st := c.server.broker.Stats()
	c.writeJSON(map[string]interface{}{
		"event": "stats",
		"client": map[string]interface{}{
			"client_id":     c.clientID,
			"tenant_id":     c.tenant,
			"subscriptions": c.topicList(),
			"messages_sent": c.msgsSent.Load(),
			"connected_at":  c.connectedAt.UTC().Format(time.RFC3339),
		},
		"broker": st,
	})
}

// forward pumps one topic's queue to the socket. Exits when the
// subscription is removed or a write fails; a failed write also closes
// the connection, which unblocks the read loop.
func (c *wsClient) forward(topic string, sub *wsSubscription) {
	s := c.server
	for {
		select {
		case <-sub.done:
			return
		default:
		}

		data := s.broker.Next(sub.q, s.opts.HeartbeatInterval)
		select {
		case <-sub.done:
			return
		default:
		}

		if env, err := envelope.Parse(data); err == nil && env.Topic == envelope.HeartbeatTopic {
			s.metrics.HeartbeatsSent.Inc()
		}
		if err := c.writeRaw(data); err != nil {
			c.conn.Close()
			return
		}
		c.msgsSent.Add(1)
	}
}

func (c *wsClient) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *wsClient) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// teardown releases every subscription and the tenant's connection slot.
func (c *wsClient) teardown() {
	s := c.server
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*wsSubscription)
	c.mu.Unlock()

	for topic, sub := range subs {
		close(sub.done)
		s.broker.Unsubscribe(topic, sub.q)
		s.metrics.SubscribersActive.WithLabelValues(topic).Set(float64(s.broker.Subscribers(topic)))
	}
	s.limiter.RemoveConnection(c.key)
	s.metrics.ConnectionsActive.WithLabelValues("ws").Dec()
	s.metrics.ConnectionDuration.WithLabelValues("ws").Observe(time.Since(c.connectedAt).Seconds())
	s.logger.Debug().
		Str("client_id", c.clientID).
		Str("tenant", c.tenant).
		Dur("duration", time.Since(c.connectedAt)).
		Uint64("messages_sent", c.msgsSent.Load()).
		Msg("ws client disconnected")
}
