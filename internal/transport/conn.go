package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	closeGrace     = time.Second
	sendBufferSize = 64
	readLimit      = 1 << 20
)

// Conn is one open room socket. Frames are written by a single writer
// goroutine from a bounded queue; reads happen on a reader goroutine that
// reports the close exactly once.
type Conn struct {
	logger *zap.Logger
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	started   atomic.Bool
	closed    atomic.Bool
	localCode atomic.Int32
	closeOnce sync.Once
	localMsg  atomic.Value
}

func newConn(logger *zap.Logger, ws *websocket.Conn) *Conn {
	return &Conn{
		logger: logger,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// Start runs the read and write loops. onClose receives the close code and
// reason once the socket is gone; read failures without a close frame
// report 1006.
func (c *Conn) Start(onMessage func(frame []byte), onClose func(code int, reason string)) {
	if c.started.Swap(true) {
		return
	}
	go c.writeLoop()
	go c.readLoop(onMessage, onClose)
}

// Send queues frame for writing
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return cnst.ErrNotOpen
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return cnst.ErrSendBufferFull
	}
}

// Ready reports whether Send would accept a frame right now
func (c *Conn) Ready() bool {
	return !c.closed.Load() && len(c.send) < cap(c.send)
}

// Close sends a close frame with code and reason and gives the peer a short
// grace period to answer before the socket is torn down. It never waits on
// the network: the close frame is written from its own goroutine.
func (c *Conn) Close(code int, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.localCode.Store(int32(code))
	c.localMsg.Store(reason)

	go c.closeHandshake(websocket.FormatCloseMessage(code, reason))
	return nil
}

func (c *Conn) closeHandshake(msg []byte) {
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not sent", zap.Error(err))
		c.shutdown()
		return
	}
	if !c.started.Load() {
		c.shutdown()
		return
	}
	time.AfterFunc(closeGrace, c.shutdown)
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(onMessage func([]byte), onClose func(int, string)) {
	code, reason := cnst.CloseAbnormal, ""
	defer func() {
		c.shutdown()
		if local := c.localCode.Load(); local != 0 {
			code = int(local)
			reason, _ = c.localMsg.Load().(string)
		}
		onClose(code, reason)
	}()

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if c.closed.Load() {
			return nil
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			code, reason = closeStatus(err)
			c.logger.Debug("read loop stopped", zap.Int("code", code), zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		onMessage(payload)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write frame", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// closeStatus extracts the close code carried by a read error
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return cnst.CloseAbnormal, err.Error()
}
