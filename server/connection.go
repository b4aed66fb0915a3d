package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

// connection is the websocket implementation of relay.Conn.
//
// Frames are queued on send and written by a single writer goroutine, so
// Send never waits on the network.
type connection struct {
	ws        *websocket.Conn
	send      chan relay.Frame
	done      chan struct{}
	clientID  string
	state     relay.State
	writeErr  error
	opts      *opts
	closeOnce sync.Once
	sync.RWMutex
}

func newConnection(ws *websocket.Conn, o *opts) *connection {
	return &connection{
		ws:       ws,
		send:     make(chan relay.Frame, o.sendBuffer),
		done:     make(chan struct{}),
		clientID: uuid.NewString(),
		state:    relay.StateOpen,
		opts:     o,
	}
}

func (c *connection) ID() string {
	return c.clientID
}

func (c *connection) State() relay.State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Send queues f for the writer, it fails rather than block when the buffer is full.
func (c *connection) Send(f relay.Frame) error {
	c.RLock()
	defer c.RUnlock()
	if c.state != relay.StateOpen {
		return relay.ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return relay.ErrSendBufferFull
	}
}

// Close stops the connection accepting frames, the writer flushes what is
// already queued, sends a close frame and closes the socket.
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.Lock()
		if c.state == relay.StateOpen {
			c.state = relay.StateClosing
		}
		close(c.send)
		c.Unlock()
	})
	return nil
}

// err returns the write failure that made the writer drop the connection, if any.
func (c *connection) err() error {
	c.RLock()
	defer c.RUnlock()
	return c.writeErr
}

func (c *connection) fail(err error) {
	c.Lock()
	defer c.Unlock()
	c.writeErr = err
}

func (c *connection) setState(s relay.State) {
	c.Lock()
	defer c.Unlock()
	c.state = s
}

// writer sends frames from the server to the websocket connection.
func (c *connection) writer() {
	ticker := time.NewTicker(c.opts.pingPeriod)
	defer func() {
		ticker.Stop()
		c.setState(relay.StateClosed)
		_ = c.ws.Close()
		close(c.done)
	}()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				log.Debug().Msgf("closing connection for clientID %s", c.clientID)
				return
			}
			if err := c.write(int(f.Type), f.Data); err != nil {
				log.Warn().Err(err).Str("clientID", c.clientID).Msg("failed to write frame, dropping connection")
				c.fail(errors.Wrap(err, "failed to write frame"))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				log.Debug().Err(err).Str("clientID", c.clientID).Msg("failed to write ping")
				c.fail(errors.Wrap(err, "failed to write ping"))
				return
			}
		}
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	return c.ws.WriteMessage(mt, payload)
}
