package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSfuUnavailable  = errors.New("sfu unavailable")
	ErrSfuDisconnected = errors.New("sfu disconnected")
	ErrSfuOverloaded   = errors.New("sfu control channel overloaded")
)

// SfuError is a structured failure returned by the SFU worker itself.
type SfuError struct {
	Code    string
	Message string
}

func (e *SfuError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sfu error %s: %s", e.Code, e.Message)
	}
	return "sfu error: " + e.Message
}

// Event is a connectivity notification delivered to the orchestrator.
type Event struct {
	Type string // "disconnected" | "connected"
	Err  error
}

// CallMetrics records control-channel activity. Optional.
type CallMetrics interface {
	SfuCall(callType, outcome string)
	SfuDisconnected()
}

type pendingCall struct {
	ch chan message
}

// Client multiplexes correlated request/response calls over one
// persistent WebSocket to the SFU worker. Writes are serialized on a
// mutex; a single reader goroutine dispatches replies to pending calls
// by correlation id.
type Client struct {
	url         string
	secret      string
	callTimeout time.Duration
	maxPending  int
	redial      time.Duration
	metrics     CallMetrics

	mu      sync.Mutex // guards conn, pending, closed
	conn    *websocket.Conn
	pending map[string]pendingCall
	closed  bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

type Config struct {
	URL            string
	Secret         string
	CallTimeout    time.Duration
	MaxPending     int
	ReconnectDelay time.Duration
	Metrics        CallMetrics
}

func NewClient(cfg Config) *Client {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 256
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		url:         cfg.URL,
		secret:      cfg.Secret,
		callTimeout: cfg.CallTimeout,
		maxPending:  cfg.MaxPending,
		redial:      cfg.ReconnectDelay,
		metrics:     cfg.Metrics,
		pending:     make(map[string]pendingCall),
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
	}
}

// Events delivers connectivity notifications. The orchestrator marks
// LIVE streams ERROR on "disconnected".
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the control channel currently holds a
// live WebSocket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Connect dials the SFU and starts the reader and redial loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.redialLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.secret != "" {
		header.Set("X-Internal-Auth", c.secret)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSfuUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	select {
	case c.events <- Event{Type: "connected"}:
	default:
	}
	return nil
}

// Close shuts the client down and fails all pending calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failPending(ErrSfuDisconnected)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.onDisconnect(conn, err)
			return
		}

		if msg.ID == "" {
			// Unsolicited SFU-side event; not correlated.
			log.Printf("[sfu] event: %s", msg.Type)
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if !ok {
			// Late reply after timeout, or a mis-ordered response.
			log.Printf("[sfu] dropping uncorrelated reply id=%s type=%s", msg.ID, msg.Type)
			continue
		}
		call.ch <- msg
	}
}

func (c *Client) onDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	c.failPending(ErrSfuDisconnected)

	if closed {
		return
	}

	log.Printf("[sfu] control channel dropped: %v", err)
	if c.metrics != nil {
		c.metrics.SfuDisconnected()
	}
	select {
	case c.events <- Event{Type: "disconnected", Err: err}:
	default:
	}
}

func (c *Client) redialLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.redial)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.conn != nil
			c.mu.Unlock()
			if connected {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.redial)
			err := c.dial(ctx)
			cancel()
			if err != nil {
				log.Printf("[sfu] redial failed: %v", err)
			} else {
				log.Printf("[sfu] control channel re-established")
			}
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	c.mu.Unlock()

	for id, call := range pending {
		call.ch <- message{ID: id, Error: &wireError{Message: err.Error()}}
	}
}

// call performs one correlated request/response exchange.
func (c *Client) call(ctx context.Context, msgType string, payload any, out any) error {
	err := c.doCall(ctx, msgType, payload, out)
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.SfuCall(msgType, outcome)
	}
	return err
}

func (c *Client) doCall(ctx context.Context, msgType string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	req := message{ID: id, Type: msgType, Payload: raw}
	ch := make(chan message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSfuDisconnected
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrSfuUnavailable
	}
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return ErrSfuOverloaded
	}
	c.pending[id] = pendingCall{ch: ch}

	// Single-writer discipline: the write happens under the same mutex
	// that guards the pending table.
	conn.SetWriteDeadline(time.Now().Add(c.callTimeout))
	err = conn.WriteJSON(req)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSfuUnavailable, err)
	}
	c.mu.Unlock()

	timeout := c.callTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.abandon(id)
		return ctx.Err()
	case <-timer.C:
		c.abandon(id)
		return fmt.Errorf("%w: %s timed out after %v", ErrSfuUnavailable, msgType, timeout)
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Message == ErrSfuDisconnected.Error() {
				return ErrSfuDisconnected
			}
			return &SfuError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Payload, out)
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// --- Typed operations ---

func (c *Client) GetRouterRtpCapabilities(ctx context.Context) (RtpCapabilities, error) {
	var caps json.RawMessage
	err := c.call(ctx, TypeGetRouterRtpCapabilities, map[string]any{}, &caps)
	return RtpCapabilities(caps), err
}

// CreatePlainTransport asks for an RTP/UDP ingress endpoint. When
// fixedPort is non-zero the SFU binds exactly that port (the one the
// SSRC capturer just released).
func (c *Client) CreatePlainTransport(ctx context.Context, roomID string, fixedPort int) (*PlainTransport, error) {
	payload := map[string]any{"roomId": roomID, "comedia": false, "rtcpMux": true}
	if fixedPort > 0 {
		payload["fixedPort"] = fixedPort
	}
	var t PlainTransport
	if err := c.call(ctx, TypeCreatePlainTransport, payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ConnectPlainTransport(ctx context.Context, transportID, ip string, port int) error {
	payload := map[string]any{"transportId": transportID, "ip": ip, "port": port}
	return c.call(ctx, TypeConnectPlainTransport, payload, nil)
}

func (c *Client) CreateProducer(ctx context.Context, transportID, kind string, rtpParameters RtpParameters) (*ProducerInfo, error) {
	payload := map[string]any{
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	}
	var p ProducerInfo
	if err := c.call(ctx, TypeCreateProducer, payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreateWebRtcTransport(ctx context.Context, roomID string) (*WebRtcTransport, error) {
	payload := map[string]any{"roomId": roomID}
	var t WebRtcTransport
	if err := c.call(ctx, TypeCreateWebRtcTransport, payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ConnectWebRtcTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	payload := map[string]any{"transportId": transportID, "dtlsParameters": dtlsParameters}
	return c.call(ctx, TypeConnectWebRtcTransport, payload, nil)
}

func (c *Client) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	payload := map[string]any{
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
		"paused":          true,
	}
	var ci ConsumerInfo
	if err := c.call(ctx, TypeCreateConsumer, payload, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, consumerID string) error {
	return c.call(ctx, TypeResumeConsumer, map[string]any{"consumerId": consumerID}, nil)
}

func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.call(ctx, TypeCloseProducer, map[string]any{"producerId": producerID}, nil)
}

func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.call(ctx, TypeCloseTransport, map[string]any{"transportId": transportID}, nil)
}

func (c *Client) CloseTransportsForRoom(ctx context.Context, roomID string) error {
	return c.call(ctx, TypeCloseTransportsForRoom, map[string]any{"roomId": roomID}, nil)
}

func (c *Client) GetProducerStats(ctx context.Context, producerID string) (*ProducerStats, error) {
	var stats ProducerStats
	err := c.call(ctx, TypeGetProducerStats, map[string]any{"producerId": producerID}, &stats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) GetAllProducerStats(ctx context.Context) ([]ProducerStats, error) {
	var stats []ProducerStats
	err := c.call(ctx, TypeGetAllProducerStats, map[string]any{}, &stats)
	return stats, err
}

func (c *Client) GetTransportStats(ctx context.Context, transportID string) (*TransportStats, error) {
	var stats TransportStats
	err := c.call(ctx, TypeGetTransportStats, map[string]any{"transportId": transportID}, &stats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
