package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

const (
	DefaultURL              = "wss://api.hyperliquid.xyz/ws"
	defaultSubscribeTimeout = 10 * time.Second
	defaultPingInterval     = 50 * time.Second
	readTimeout             = 90 * time.Second
	writeTimeout            = 5 * time.Second
	maxMessageBytes         = 8 << 20
)

var (
	ErrClosed       = errors.New("hyperliquid client closed")
	ErrAckTimeout   = errors.New("subscription ack timed out")
	ErrNotConnected = errors.New("hyperliquid websocket not connected")
	// ErrRouteConflict rejects a subscription whose pushed frames could not be told apart
	// from those of a live one, e.g. l2Book for the same coin at another precision.
	ErrRouteConflict = errors.New("subscription conflicts with a live one on the same route")
)

type Config struct {
	URL              string
	SubscribeTimeout time.Duration
	PingInterval     time.Duration
	Dialer           *websocket.Dialer
}

// Client multiplexes any number of subscriptions over one Hyperliquid websocket.
// Subscriptions with the same type and params share one upstream subscribe frame.
type Client struct {
	cfg Config

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connGen   uint64
	up        chan struct{} // closed while connected
	upstreams map[string]*upstream
	routes    map[string]*upstream
	awaiting  []*upstream // sent on the current socket, not yet acked, oldest first
	nextSubID uint64
	closed    bool
}

type upstream struct {
	identity string
	route    string
	frame    map[string]any
	connGen  uint64
	subs     map[uint64]*subscription

	acked chan struct{}
	err   error
}

type subscription struct {
	c        *Client
	id       uint64
	up       *upstream
	listener port.Listener

	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

// NewClient 创建 Hyperliquid WebSocket 客户端，需调用 Run 建立连接
func NewClient(cfg Config) *Client {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:       cfg,
		up:        make(chan struct{}),
		upstreams: make(map[string]*upstream),
		routes:    make(map[string]*upstream),
	}
}

func (c *Client) Name() string { return "hyperliquid" }

// Connected reports whether a socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials and redials with backoff until ctx is cancelled or Close is called.
// Upstreams survive a socket loss and are resubscribed on the next socket; only when Run
// returns are the remaining subscriptions aborted with port.ErrConnectionLost.
func (c *Client) Run(ctx context.Context) error {
	defer c.abortAll(port.ErrConnectionLost)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}

		log.Info().Str("feed", c.Name()).Str("url", c.cfg.URL).Msg("ws connecting")
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := c.cfg.Dialer.DialContext(dctx, c.cfg.URL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", c.Name()).Err(err).Msg("ws dial failed")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}
		conn.SetReadLimit(maxMessageBytes)

		gen, resend, ok := c.attach(conn)
		if !ok {
			_ = conn.Close()
			return nil
		}
		backoff = 500 * time.Millisecond
		log.Info().Str("feed", c.Name()).Int("resubscribe", len(resend)).Msg("ws connected")
		for _, frame := range resend {
			if err := c.writeJSON(conn, map[string]any{"method": "subscribe", "subscription": frame}); err != nil {
				log.Warn().Str("feed", c.Name()).Err(err).Msg("resubscribe send failed")
				break
			}
		}

		err = c.readLoop(ctx, conn)
		c.detach(gen)
		_ = conn.Close()

		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		log.Warn().Str("feed", c.Name()).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

// Close drops the socket and aborts every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if conn == nil {
		// wake waitConnected callers; they re-check closed
		close(c.up)
	}
	c.conn = nil
	c.mu.Unlock()

	c.abortAll(ErrClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe implements port.Transport. Unknown methods and missing params fail before any I/O.
func (c *Client) Subscribe(ctx context.Context, method string, params any, listener port.Listener) (port.Subscription, error) {
	if listener == nil {
		return nil, errors.New("nil listener")
	}
	def, fields, err := buildSubscription(method, params)
	if err != nil {
		return nil, err
	}
	identity, err := domain.SerializeKey(method, fields)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	defer cancel()
	if err := c.waitConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	up, exists := c.upstreams[identity]
	route := def.subscriptionRoute(fields)
	if other := c.routes[route]; !exists && other != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s vs %s", ErrRouteConflict, identity, other.identity)
	}
	if !exists {
		up = &upstream{
			identity: identity,
			route:    route,
			frame:    fields,
			connGen:  c.connGen,
			subs:     make(map[uint64]*subscription),
			acked:    make(chan struct{}),
		}
		c.upstreams[identity] = up
		c.routes[up.route] = up
		c.awaiting = append(c.awaiting, up)
	}
	c.nextSubID++
	sctx, scancel := context.WithCancelCause(context.Background())
	sub := &subscription{
		c:        c,
		id:       c.nextSubID,
		up:       up,
		listener: listener,
		ctx:      sctx,
		cancel:   scancel,
	}
	up.subs[sub.id] = sub
	conn := c.conn
	c.mu.Unlock()

	if !exists {
		log.Debug().Str("feed", c.Name()).Str("subscription", identity).Msg("sending subscribe")
		if err := c.writeJSON(conn, map[string]any{"method": "subscribe", "subscription": fields}); err != nil {
			// the socket is going away; the next one resends the frame
			log.Debug().Str("feed", c.Name()).Err(err).Msg("send subscribe failed")
		}
	}

	select {
	case <-up.acked:
	case <-ctx.Done():
		c.rejectPending(up, fmt.Errorf("%w: %s", ErrAckTimeout, identity))
		<-up.acked
	}

	c.mu.Lock()
	err = up.err
	c.mu.Unlock()
	if err != nil {
		scancel(err)
		return nil, err
	}
	return sub, nil
}

func (s *subscription) FailureSignal() context.Context { return s.ctx }

// Unsubscribe aborts the failure signal with port.ErrUnsubscribed and sends the unsubscribe
// frame once the last subscriber of the upstream leaves.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel(port.ErrUnsubscribed)
		err = s.c.release(ctx, s)
	})
	return err
}

func (c *Client) release(_ context.Context, s *subscription) error {
	c.mu.Lock()
	up := s.up
	delete(up.subs, s.id)
	if len(up.subs) > 0 || c.upstreams[up.identity] != up {
		c.mu.Unlock()
		return nil
	}
	c.removeUpstreamLocked(up)
	conn := c.conn
	live := conn != nil && up.connGen == c.connGen
	c.mu.Unlock()

	if !live {
		return nil
	}
	log.Debug().Str("feed", c.Name()).Str("subscription", up.identity).Msg("sending unsubscribe")
	return c.writeJSON(conn, map[string]any{"method": "unsubscribe", "subscription": up.frame})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			c.handleMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			if err := c.writeJSON(conn, map[string]string{"method": "ping"}); err != nil {
				_ = conn.Close()
				<-errCh
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) handleMessage(b []byte) {
	if !gjson.ValidBytes(b) {
		log.Debug().Str("feed", c.Name()).Int("bytes", len(b)).Msg("non-json frame ignored")
		return
	}
	channel := gjson.GetBytes(b, "channel").String()
	data := gjson.GetBytes(b, "data")

	switch channel {
	case "pong":
		return
	case "subscriptionResponse":
		c.handleAck(data)
		return
	case "error":
		c.handleError(data.String())
		return
	}

	route, ok := frameRoute(channel, data)
	if !ok {
		log.Debug().Str("feed", c.Name()).Str("channel", channel).Msg("unrouted frame")
		return
	}

	c.mu.Lock()
	var listeners []port.Listener
	if up := c.routes[route]; up != nil && up.err == nil && isClosed(up.acked) {
		for _, s := range up.subs {
			listeners = append(listeners, s.listener)
		}
	}
	c.mu.Unlock()

	ev := port.Event{Channel: channel, Data: json.RawMessage(data.Raw), ReceivedAt: time.Now()}
	for _, l := range listeners {
		dispatch(l, ev)
	}
}

func (c *Client) handleAck(data gjson.Result) {
	if data.Get("method").String() != "subscribe" {
		return
	}
	route, ok := ackRoute(data.Get("subscription"))
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, up := range c.awaiting {
		if up.route != route {
			continue
		}
		c.awaiting = append(c.awaiting[:i], c.awaiting[i+1:]...)
		if !isClosed(up.acked) {
			close(up.acked)
		}
		return
	}
}

// handleError fails the oldest unacked subscription; Hyperliquid error frames carry only text.
// A rejected resubscribe is permanent, so its subscribers are aborted.
func (c *Client) handleError(msg string) {
	log.Warn().Str("feed", c.Name()).Str("error", msg).Msg("server error frame")
	c.mu.Lock()
	if len(c.awaiting) == 0 {
		c.mu.Unlock()
		return
	}
	up := c.awaiting[0]
	c.mu.Unlock()
	c.failUpstream(up, fmt.Errorf("hyperliquid: %s", msg))
}

// rejectPending fails an upstream that was never acked. Subscribe callers waiting on it
// return the error themselves.
func (c *Client) rejectPending(up *upstream, err error) {
	c.mu.Lock()
	if isClosed(up.acked) {
		c.mu.Unlock()
		return
	}
	up.err = err
	close(up.acked)
	c.removeUpstreamLocked(up)
	c.mu.Unlock()
}

// failUpstream removes up for good. Subscribers that already hold a subscription on it
// see their failure signal fire with err.
func (c *Client) failUpstream(up *upstream, err error) {
	c.mu.Lock()
	if up.err != nil {
		c.mu.Unlock()
		return
	}
	up.err = err
	c.removeUpstreamLocked(up)
	if !isClosed(up.acked) {
		close(up.acked)
		c.mu.Unlock()
		return
	}
	aborted := make([]*subscription, 0, len(up.subs))
	for _, s := range up.subs {
		aborted = append(aborted, s)
	}
	c.mu.Unlock()

	for _, s := range aborted {
		s.cancel(err)
	}
}

func (c *Client) removeUpstreamLocked(up *upstream) {
	if c.upstreams[up.identity] == up {
		delete(c.upstreams, up.identity)
	}
	if c.routes[up.route] == up {
		delete(c.routes, up.route)
	}
	for i, a := range c.awaiting {
		if a == up {
			c.awaiting = append(c.awaiting[:i], c.awaiting[i+1:]...)
			break
		}
	}
}

// attach installs conn and returns the subscribe frames of every upstream carried over from
// the previous socket. Those upstreams wait for a fresh ack on the new socket.
func (c *Client) attach(conn *websocket.Conn) (uint64, []map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, false
	}
	c.connGen++
	c.conn = conn
	close(c.up)

	c.awaiting = c.awaiting[:0]
	resend := make([]map[string]any, 0, len(c.upstreams))
	for _, up := range c.upstreams {
		up.connGen = c.connGen
		c.awaiting = append(c.awaiting, up)
		resend = append(resend, up.frame)
	}
	return c.connGen, resend, true
}

// detach forgets socket gen but keeps the upstreams for the next attach.
func (c *Client) detach(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connGen != gen || c.conn == nil {
		return
	}
	c.conn = nil
	c.up = make(chan struct{})
	c.awaiting = nil
	if n := len(c.upstreams); n > 0 {
		log.Warn().Str("feed", c.Name()).Int("upstreams", n).Msg("socket lost, holding upstreams for resubscribe")
	}
}

// abortAll drops every upstream and fires each subscriber's failure signal with cause.
func (c *Client) abortAll(cause error) {
	c.mu.Lock()
	var aborted []*subscription
	for _, up := range c.upstreams {
		if !isClosed(up.acked) {
			up.err = cause
			close(up.acked)
		}
		for _, s := range up.subs {
			aborted = append(aborted, s)
		}
	}
	c.upstreams = make(map[string]*upstream)
	c.routes = make(map[string]*upstream)
	c.awaiting = nil
	c.mu.Unlock()

	if len(aborted) > 0 {
		log.Warn().Str("feed", c.Name()).Int("subscriptions", len(aborted)).Err(cause).Msg("aborting subscriptions")
	}
	for _, s := range aborted {
		s.cancel(cause)
	}
}

func (c *Client) waitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	up := c.up
	c.mu.Unlock()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	b, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func dispatch(l port.Listener, ev port.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channel", ev.Channel).Msg("listener panicked")
		}
	}()
	l(ev)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
