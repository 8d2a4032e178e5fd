package portalchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type roomPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// SubscribeTimeout bounds the wait for a room.subscribed ack before the
	// channel is reported TIMED_OUT.
	SubscribeTimeout time.Duration
	HTTPClient       *http.Client
	Logger           zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState is the state of the underlying connection.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport multiplexes room channels over one WebSocket connection. The
// connection is dialed on the first Subscribe and re-established with
// jittered exponential backoff when it drops; live channels are re-subscribed
// after every reconnect.
type WSTransport struct {
	url    string
	config *RealtimeConfig
	log    zerolog.Logger
	recon  *reconnector

	dialMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*wsChannel

	counter      int
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewWSTransport creates a transport for the realtime endpoint at url.
func NewWSTransport(url string, config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{
		url:          url,
		config:       &cfg,
		log:          cfg.Logger.With().Str("component", "realtime").Logger(),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		channels:     make(map[string]*wsChannel),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the connection state.
func (t *WSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe opens a channel for roomID. Connection problems are reported to
// h as CHANNEL_ERROR rather than returned, and the channel is subscribed once
// the connection comes back.
func (t *WSTransport) Subscribe(ctx context.Context, roomID string, h ChannelHandler) (Channel, error) {
	ch := &wsChannel{t: t, roomID: roomID, handler: h}

	t.mu.Lock()
	if _, ok := t.channels[roomID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("room %s: already subscribed", roomID)
	}
	t.channels[roomID] = ch
	t.mu.Unlock()

	ch.setState(StateChannelConnecting, nil)
	if err := t.connect(ctx); err != nil {
		ch.setState(StateChannelError, err)
		if t.config.AutoReconnect {
			go t.scheduleReconnect()
		}
		return ch, nil
	}
	t.subscribe(ctx, ch)
	return ch, nil
}

// Close tears down the connection and every channel.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	chans := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = make(map[string]*wsChannel)
	t.mu.Unlock()

	t.clearPendingPings()
	for _, ch := range chans {
		ch.stopAck()
		ch.setState(StateChannelClosed, nil)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// connect dials unless already connected. Concurrent callers wait for the
// dial in progress.
func (t *WSTransport) connect(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	u := t.url + "?token=" + url.QueryEscape(t.config.Token)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		t.setConnState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setConnState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setConnState(StateDisconnected)
		if env.Type == "error" {
			return fmt.Errorf("%w: realtime auth rejected", ErrUnauthenticated)
		}
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()
	t.log.Info().Str("url", t.url).Msg("realtime connected")

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)
	return nil
}

func (t *WSTransport) setConnState(s RealtimeState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *WSTransport) nextRequestID(prefix string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return fmt.Sprintf("%s-%d", prefix, t.counter)
}

func (t *WSTransport) send(ctx context.Context, cmd *RealtimeCommand) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// subscribe sends room.subscribe and arms the ack timer.
func (t *WSTransport) subscribe(ctx context.Context, ch *wsChannel) {
	ch.armAck(t.config.SubscribeTimeout)
	err := t.send(ctx, &RealtimeCommand{
		Type:      "room.subscribe",
		Payload:   roomPayload{RoomID: ch.roomID},
		RequestID: t.nextRequestID("sub"),
	})
	if err != nil {
		ch.stopAck()
		ch.setState(StateChannelError, fmt.Errorf("subscribe %s: %w", ch.roomID, err))
	}
}

func (t *WSTransport) channel(roomID string) *wsChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[roomID]
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
			}
			chans := make([]*wsChannel, 0, len(t.channels))
			for _, ch := range t.channels {
				chans = append(chans, ch)
			}
			t.mu.Unlock()
			if intentional {
				return
			}

			t.log.Warn().Err(err).Msg("realtime connection lost")
			for _, ch := range chans {
				ch.stopAck()
				ch.setState(StateChannelError, err)
			}
			if t.config.AutoReconnect {
				t.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			MalformedPayloads.Inc()
			continue
		}
		t.dispatch(env)
	}
}

// dispatch runs on the read loop so a room's events reach its handler in
// arrival order.
func (t *WSTransport) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "room.subscribed":
		var p roomPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if ch := t.channel(p.RoomID); ch != nil {
			ch.stopAck()
			ch.setState(StateChannelSubscribed, nil)
		}
	case "room.error":
		var p roomPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if ch := t.channel(p.RoomID); ch != nil {
			ch.stopAck()
			ch.setState(StateChannelError, fmt.Errorf("room %s: %s", p.RoomID, p.Message))
		}
	case "room.event":
		var ev ChannelEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			MalformedPayloads.Inc()
			t.log.Warn().Err(err).Msg("dropping undecodable room event")
			return
		}
		if ch := t.channel(ev.RoomID); ch != nil {
			ch.handler.OnEvent(ev)
		}
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pendingPings[p.RequestID]
		if ok {
			delete(t.pendingPings, p.RequestID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- p
		}
	case "error":
		var p roomPayload
		json.Unmarshal(env.Payload, &p)
		t.log.Warn().Str("message", p.Message).Msg("realtime server error")
	}
}

// Ping sends a ping and waits for the pong.
func (t *WSTransport) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := t.nextRequestID("ping")
	ch := make(chan PongPayload, 1)
	t.pendingMu.Lock()
	t.pendingPings[requestID] = ch
	t.pendingMu.Unlock()

	forget := func() {
		t.pendingMu.Lock()
		delete(t.pendingPings, requestID)
		t.pendingMu.Unlock()
	}

	err := t.send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if _, err := t.Ping(ctx); err != nil {
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// scheduleReconnect retries the connection until it succeeds, attempts run
// out or the transport is closed, then re-subscribes live channels.
func (t *WSTransport) scheduleReconnect() {
	for {
		t.mu.Lock()
		if t.intentionalClose || t.state == StateConnected || t.state == StateReconnecting {
			t.mu.Unlock()
			return
		}
		t.state = StateReconnecting
		t.mu.Unlock()

		if !t.recon.shouldReconnect() {
			t.setConnState(StateDisconnected)
			t.log.Error().Msg("realtime reconnect attempts exhausted")
			return
		}
		attempt, delay := t.recon.nextDelay()
		t.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnecting")
		time.Sleep(delay)

		t.mu.Lock()
		closed := t.intentionalClose
		t.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.config.SubscribeTimeout)
		err := t.connect(ctx)
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("realtime reconnect failed")
			continue
		}

		t.recon.reset()
		t.recon.markConnected()
		t.mu.Lock()
		chans := make([]*wsChannel, 0, len(t.channels))
		for _, ch := range t.channels {
			chans = append(chans, ch)
		}
		t.mu.Unlock()
		for _, ch := range chans {
			switch ch.currentState() {
			case StateChannelSubscribed, StateChannelConnecting:
				continue
			}
			ch.setState(StateChannelConnecting, nil)
			t.subscribe(context.Background(), ch)
		}
		return
	}
}

func (t *WSTransport) clearPendingPings() {
	t.pendingMu.Lock()
	for k, ch := range t.pendingPings {
		close(ch)
		delete(t.pendingPings, k)
	}
	t.pendingMu.Unlock()
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	t       *WSTransport
	roomID  string
	handler ChannelHandler

	mu     sync.Mutex
	state  ChannelState
	ack    *time.Timer
	closed bool
}

func (c *wsChannel) setState(s ChannelState, err error) {
	c.mu.Lock()
	if c.closed && s != StateChannelClosed {
		c.mu.Unlock()
		return
	}
	if s == StateChannelClosed {
		c.closed = true
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.handler.OnState(c.roomID, s, err)
	}
}

func (c *wsChannel) currentState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsChannel) armAck(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ack != nil {
		c.ack.Stop()
	}
	c.ack = time.AfterFunc(d, func() {
		c.mu.Lock()
		waiting := c.state == StateChannelConnecting
		c.mu.Unlock()
		if waiting {
			c.setState(StateChannelTimedOut, fmt.Errorf("room %s: no subscribe ack after %s", c.roomID, d))
		}
	})
}

func (c *wsChannel) stopAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ack != nil {
		c.ack.Stop()
		c.ack = nil
	}
}

// Close unsubscribes the room and reports CLOSED.
func (c *wsChannel) Close() error {
	c.t.mu.Lock()
	if c.t.channels[c.roomID] == c {
		delete(c.t.channels, c.roomID)
	}
	c.t.mu.Unlock()
	c.stopAck()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if c.t.State() == StateConnected {
		err = c.t.send(ctx, &RealtimeCommand{
			Type:    "room.unsubscribe",
			Payload: roomPayload{RoomID: c.roomID},
		})
	}
	c.setState(StateChannelClosed, nil)
	return err
}
