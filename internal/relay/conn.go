package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write so a stalled peer cannot block
	// the write pump forever.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent after a ping before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval. Must be shorter than pongWait.
	pingPeriod = 25 * time.Second

	// maxMessageSize is the hard cap on a single inbound message. A peer
	// exceeding it is disconnected.
	maxMessageSize = 10 << 20

	// sendBufferSize is the reliable outbound queue. If it fills, the peer
	// is too slow for reliable delivery and is disconnected.
	sendBufferSize = 64

	// frameBufferSize is the volatile outbound queue for screen frames.
	// Overflow drops the frame instead of queueing — a late frame is worth
	// less than a fresh one.
	frameBufferSize = 8
)

// Conn wraps one websocket with an outbound write pump. The reliable queue
// carries JSON envelopes in order; the volatile queue carries opaque binary
// frames with drop-on-overrun semantics. gorilla connections allow only one
// concurrent writer, so the pump is the sole goroutine touching the wire on
// the way out.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewConn wraps an upgraded websocket and starts its write pump.
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		frames: make(chan []byte, frameBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c
}

// SendEvent marshals an envelope onto the reliable queue. A full queue
// means the peer has stalled past TCP's own backpressure allowance; the
// connection is closed rather than letting one peer grow server memory.
func (c *Conn) SendEvent(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			c.logger.Error("marshal event payload", zap.String("event", event), zap.Error(err))
			return
		}
		raw = b
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		c.logger.Error("marshal envelope", zap.String("event", event), zap.Error(err))
		return
	}
	c.SendRaw(msg)
}

// SendRaw enqueues pre-marshaled text bytes on the reliable queue.
// Used when relaying a peer's message verbatim — the relay never rewrites
// payload contents in transit.
func (c *Conn) SendRaw(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("reliable queue overrun, dropping connection")
		c.Close()
	}
}

// SendFrame enqueues a binary frame on the volatile queue. Returns false if
// the frame was dropped because the queue is full.
func (c *Conn) SendFrame(buf []byte) bool {
	select {
	case c.frames <- buf:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close shuts the connection down. Queued reliable messages are flushed by
// the write pump before the close frame goes out, so a final event (kicked,
// server-shutdown) still reaches the peer. Safe to call more than once and
// from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump is the only writer on the wire. It forwards queued messages,
// emits keepalive pings, and on shutdown drains the reliable queue before
// sending the close frame.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				c.Close()
				return
			}

		case buf := <-c.frames:
			if !c.write(websocket.BinaryMessage, buf) {
				c.Close()
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain flushes pending reliable messages and sends the close frame.
func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		default:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// write performs a single deadline-bounded wire write.
func (c *Conn) write(messageType int, data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return false
	}
	return true
}

// ReadMessage reads the next inbound message. It blocks until a message
// arrives, the read deadline lapses, or the connection closes.
func (c *Conn) ReadMessage() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
