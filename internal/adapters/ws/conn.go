package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type wsSignalConn struct {
	conn         *websocket.Conn
	send         chan core.Frame
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *wsSignalConn {
	return &wsSignalConn{
		conn:         ws,
		send:         make(chan core.Frame, 64),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames, lets writePump flush what is queued, then severs the socket.
func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.writeTimeout + time.Second):
		c.finish(nil)
	}
}

func (c *wsSignalConn) Done() <-chan struct{} { return c.done }

func (c *wsSignalConn) Err() error {
	<-c.done
	return c.err
}

func (c *wsSignalConn) closing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *wsSignalConn) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *wsSignalConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
			c.finish(err)
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
			c.finish(err)
			return
		}
	}
	// send was closed by Close: say goodbye after the queue is flushed.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	log.Debug().Str("module", "ws").Msg("writePump flushed")
	c.finish(nil)
}

func (c *wsSignalConn) readPump(onFrame func(core.Frame)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing() {
				c.finish(nil)
				return
			}
			log.Warn().Err(err).Str("module", "ws").Msg("readPump read error")
			c.finish(err)
			return
		}
		onFrame(data)
	}
}
