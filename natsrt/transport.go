// Package natsrt delivers room events from NATS subjects
// "portal.rooms.<roomID>.events" as a portalchat.Transport.
package natsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	portalchat "github.com/agencyhub/portalchat"
)

const DefaultSubjectPrefix = "portal.rooms"

// Transport subscribes one NATS subject per room. The NATS client handles
// reconnection and re-subscription itself; the transport only reports the
// resulting channel states.
type Transport struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.Mutex
	chans map[string]*channel
}

// Option configures a Transport.
type Option func(*Transport)

func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithSubscribeTimeout bounds the flush that confirms a subscription.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// Connect dials url (nats.DefaultURL when empty).
func Connect(url string, opts ...Option) (*Transport, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	t := &Transport{
		prefix:  DefaultSubjectPrefix,
		timeout: 5 * time.Second,
		log:     zerolog.Nop(),
		chans:   make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("component", "natsrt").Logger()

	nc, err := nats.Connect(url,
		nats.Name("portalchat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(t.onDisconnect),
		nats.ReconnectHandler(t.onReconnect),
		nats.ClosedHandler(t.onClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.nc = nc
	return t, nil
}

// Subject returns the subject carrying roomID's events.
func (t *Transport) Subject(roomID string) string {
	return fmt.Sprintf("%s.%s.events", t.prefix, roomID)
}

// Subscribe implements portalchat.Transport.
func (t *Transport) Subscribe(ctx context.Context, roomID string, h portalchat.ChannelHandler) (portalchat.Channel, error) {
	t.mu.Lock()
	if _, ok := t.chans[roomID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("room %s: already subscribed", roomID)
	}
	ch := &channel{t: t, roomID: roomID, handler: h}
	t.chans[roomID] = ch
	t.mu.Unlock()

	h.OnState(roomID, portalchat.StateChannelConnecting, nil)
	sub, err := t.nc.Subscribe(t.Subject(roomID), ch.deliver)
	if err != nil {
		t.forget(ch)
		h.OnState(roomID, portalchat.StateChannelError, err)
		return nil, fmt.Errorf("subscribe %s: %w", roomID, err)
	}
	ch.sub = sub

	timeout := t.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if err := t.nc.FlushTimeout(timeout); err != nil {
		h.OnState(roomID, portalchat.StateChannelTimedOut, err)
		return ch, nil
	}
	h.OnState(roomID, portalchat.StateChannelSubscribed, nil)
	return ch, nil
}

// Close drains the connection.
func (t *Transport) Close() error {
	return t.nc.Drain()
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chans[ch.roomID] == ch {
		delete(t.chans, ch.roomID)
	}
}

func (t *Transport) broadcast(state portalchat.ChannelState, err error) {
	t.mu.Lock()
	chans := make([]*channel, 0, len(t.chans))
	for _, ch := range t.chans {
		chans = append(chans, ch)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		ch.handler.OnState(ch.roomID, state, err)
	}
}

func (t *Transport) onDisconnect(_ *nats.Conn, err error) {
	t.log.Warn().Err(err).Msg("nats disconnected")
	if err == nil {
		err = nats.ErrDisconnected
	}
	t.broadcast(portalchat.StateChannelError, err)
}

func (t *Transport) onReconnect(nc *nats.Conn) {
	t.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
	t.broadcast(portalchat.StateChannelSubscribed, nil)
}

func (t *Transport) onClosed(_ *nats.Conn) {
	t.log.Info().Msg("nats connection closed")
	t.broadcast(portalchat.StateChannelClosed, nil)
}

// ============================================================================
// channel
// ============================================================================

type channel struct {
	t       *Transport
	roomID  string
	handler portalchat.ChannelHandler
	sub     *nats.Subscription
}

// deliver runs on the subscription's goroutine, preserving subject order.
func (c *channel) deliver(m *nats.Msg) {
	var ev portalchat.ChannelEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		portalchat.MalformedPayloads.Inc()
		c.t.log.Warn().Err(err).Str("room", c.roomID).Msg("dropping undecodable room event")
		return
	}
	if ev.RoomID == "" {
		ev.RoomID = c.roomID
	}
	if ev.RoomID != c.roomID {
		portalchat.MalformedPayloads.Inc()
		c.t.log.Warn().Str("room", c.roomID).Str("event_room", ev.RoomID).Msg("dropping event for another room")
		return
	}
	c.handler.OnEvent(ev)
}

// Close unsubscribes the room.
func (c *channel) Close() error {
	c.t.forget(c)
	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
	}
	c.handler.OnState(c.roomID, portalchat.StateChannelClosed, nil)
	return err
}
