package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/taskforge/internal/protocol"
	"github.com/antoniostano/taskforge/internal/reliability"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var ErrChannelDestroyed = errors.New("realtime channel destroyed")

type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventMessage         EventKind = "message"
	EventMessageDropped  EventKind = "message_dropped"
	EventReconnectFailed EventKind = "reconnect_failed"
)

// ChannelEvent surfaces connection lifecycle changes and inbound messages.
type ChannelEvent struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

type Config struct {
	URL                  string
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	MaxQueueSize         int
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
}

type queuedMessage struct {
	At      time.Time
	Payload []byte
}

// Metrics accumulates across the channel's lifetime.
type Metrics struct {
	Connections       uint64
	Disconnections    uint64
	ReconnectAttempts uint64
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesDropped   uint64
	Errors            uint64
	Uptime            time.Duration
}

// Channel maintains one duplex event stream connection, reconnecting with
// capped exponential backoff behind a circuit breaker, probing liveness with
// ping/pong heartbeats, and queueing outbound messages while disconnected.
//
// All timers belong to the channel; Disconnect and Destroy cancel every one
// of them so nothing fires against a torn-down connection.
type Channel struct {
	cfg     Config
	breaker *Breaker
	dialer  websocket.Dialer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	connID      string
	attempts    int
	queue       []queuedMessage
	intentional bool
	destroyed   bool
	// generation invalidates goroutines and timers from earlier connections.
	generation     int
	reconnectTimer *time.Timer
	lastPong       time.Time
	connectedSince time.Time
	totalUptime    time.Duration
	metrics        Metrics

	events chan ChannelEvent
}

func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:     cfg,
		breaker: NewBreaker(3, 3, 30*time.Second),
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:   StateDisconnected,
		events:  make(chan ChannelEvent, 64),
	}
}

// Events returns the channel's lifecycle and message stream. Slow consumers
// lose events rather than blocking the connection.
func (c *Channel) Events() <-chan ChannelEvent { return c.events }

func (c *Channel) emitLocked(evt ChannelEvent) {
	if c.destroyed {
		return
	}
	select {
	case c.events <- evt:
	default:
	}
}

// Connect dials the configured URL. It is idempotent while a connection is
// already up or being established, and fails fast while the breaker is open.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrChannelDestroyed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if err := c.breaker.Allow(); err != nil {
		// Keep the reconnect chain alive so the breaker gets its probe once
		// the cooldown elapses.
		if c.state == StateReconnecting {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return err
	}
	if c.state != StateReconnecting {
		c.state = StateConnecting
	}
	c.intentional = false
	gen := c.generation
	url := c.cfg.URL
	c.mu.Unlock()

	conn, resp, err := c.dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || gen != c.generation {
		if conn != nil {
			conn.Close()
		}
		return ErrChannelDestroyed
	}

	if err != nil {
		c.breaker.Mark(err)
		c.metrics.Errors++
		c.scheduleReconnectLocked()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.breaker.Mark(nil)
	c.conn = conn
	c.connID = uuid.NewString()
	c.state = StateConnected
	c.attempts = 0
	c.metrics.Connections++
	now := time.Now()
	c.connectedSince = now
	c.lastPong = now

	go c.readLoop(gen, conn)
	go c.heartbeat(gen, conn)

	c.flushQueueLocked(conn)
	c.emitLocked(ChannelEvent{Kind: EventConnected})
	return nil
}

// Send writes the payload when connected, otherwise queues it. The queue is
// bounded; overflowing it evicts the oldest entry.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrChannelDestroyed
	}

	if c.state == StateConnected && c.conn != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			// The read loop tears the connection down; keep the message.
			c.metrics.Errors++
			c.enqueueLocked(payload)
			return nil
		}
		c.metrics.MessagesSent++
		return nil
	}

	c.enqueueLocked(payload)
	return nil
}

func (c *Channel) enqueueLocked(payload []byte) {
	if len(c.queue) >= c.cfg.MaxQueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.metrics.MessagesDropped++
		c.emitLocked(ChannelEvent{Kind: EventMessageDropped, Payload: dropped.Payload})
	}
	c.queue = append(c.queue, queuedMessage{At: time.Now().UTC(), Payload: payload})
}

func (c *Channel) flushQueueLocked(conn *websocket.Conn) {
	for len(c.queue) > 0 {
		msg := c.queue[0]
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			c.metrics.Errors++
			return
		}
		c.queue = c.queue[1:]
		c.metrics.MessagesSent++
	}
}

func (c *Channel) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLost(gen, conn, err)
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		msg, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			c.mu.Lock()
			c.emitLocked(ChannelEvent{Kind: EventMessage, Payload: raw})
			c.mu.Unlock()
			continue
		}

		switch msg.(type) {
		case protocol.Ping:
			pong, _ := json.Marshal(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UTC()})
			c.mu.Lock()
			if c.conn == conn {
				_ = conn.WriteMessage(websocket.TextMessage, pong)
			}
			c.mu.Unlock()
		case protocol.Pong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		default:
			c.mu.Lock()
			c.emitLocked(ChannelEvent{Kind: EventMessage, Payload: raw})
			c.mu.Unlock()
		}
	}
}

// heartbeat pings at the configured interval and force-closes the socket when
// no pong has arrived within twice that interval. The close surfaces as a
// read error, which routes into the normal reconnect path.
func (c *Channel) heartbeat(gen int, conn *websocket.Conn) {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.destroyed || gen != c.generation || c.conn != conn {
			c.mu.Unlock()
			return
		}
		if time.Since(c.lastPong) > 2*interval {
			c.mu.Unlock()
			log.Printf("realtime: heartbeat missed on %s, forcing close", c.cfg.URL)
			conn.Close()
			return
		}
		ping, _ := json.Marshal(protocol.Ping{Type: protocol.TypePing, Timestamp: time.Now().UTC()})
		if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

func (c *Channel) handleConnectionLost(gen int, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.conn != conn {
		// Intentional teardown already accounted for this connection.
		return
	}

	conn.Close()
	c.conn = nil
	c.metrics.Disconnections++
	c.accrueUptimeLocked()
	c.emitLocked(ChannelEvent{Kind: EventDisconnected, Err: cause})

	if c.destroyed || c.intentional {
		c.state = StateDisconnected
		return
	}
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.state = StateDisconnected
		log.Printf("realtime: giving up on %s after %d reconnect attempts", c.cfg.URL, c.cfg.MaxReconnectAttempts)
		c.emitLocked(ChannelEvent{Kind: EventReconnectFailed})
		return
	}

	c.state = StateReconnecting
	c.metrics.ReconnectAttempts++
	delay := reliability.ExponentialBackoff(c.attempts-1, c.cfg.BaseReconnectDelay, c.cfg.MaxReconnectDelay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.Connect()
	})
}

// teardownLocked cancels every timer and goroutine tied to the current
// connection by bumping the generation.
func (c *Channel) teardownLocked() {
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.metrics.Disconnections++
		c.accrueUptimeLocked()
		c.emitLocked(ChannelEvent{Kind: EventDisconnected})
	}
	c.state = StateDisconnected
}

// Disconnect closes the connection without scheduling a reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intentional = true
	c.teardownLocked()
}

// Reset forces a full disconnect/reconnect cycle with cleared reconnect
// counters and an empty queue.
func (c *Channel) Reset() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrChannelDestroyed
	}
	c.intentional = true
	c.teardownLocked()
	c.attempts = 0
	c.queue = nil
	c.breaker.Reset()
	c.mu.Unlock()

	return c.Connect()
}

// Destroy tears the channel down permanently and closes the event stream.
func (c *Channel) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.intentional = true
	c.teardownLocked()
	c.destroyed = true
	close(c.events)
}

func (c *Channel) accrueUptimeLocked() {
	if !c.connectedSince.IsZero() {
		c.totalUptime += time.Since(c.connectedSince)
		c.connectedSince = time.Time{}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Channel) BreakerState() BreakerState { return c.breaker.State() }

func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Uptime = c.totalUptime
	if !c.connectedSince.IsZero() {
		m.Uptime += time.Since(c.connectedSince)
	}
	return m
}
