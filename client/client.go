// Package client connects to a relay server channel and exchanges raw frames with its other members.
package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

var (
	// ErrRejected is returned when the server refuses the websocket handshake.
	ErrRejected = errors.New("connection rejected by server")
	// ErrClientClosed is returned when sending on a closed client.
	ErrClientClosed = errors.New("client closed")
)

// Time allowed to write a frame to the server.
const writeWait = 10 * time.Second

type clientOpts struct {
	reconnect         bool
	reconnectAttempts int
	reconnectTimeout  time.Duration
	handshakeTimeout  time.Duration
	headers           http.Header
	buffer            int
}

func defaultOpts() *clientOpts {
	return &clientOpts{
		reconnect:         false,
		reconnectAttempts: 3,
		reconnectTimeout:  30 * time.Second,
		handshakeTimeout:  10 * time.Second,
		headers:           http.Header{},
		buffer:            256,
	}
}

// OptFunc defines a functional option to pass to the client on Dial.
type OptFunc func(c *clientOpts)

// WithReconnect will enable reconnects from a client,
// in the event of a connection loss with a server the client
// will attempt to reconnect to the same channel.
//
// Default values are to retry 3 times with a 30 second wait between retry.
func WithReconnect() OptFunc {
	return func(c *clientOpts) {
		c.reconnect = true
	}
}

// WithReconnectAttempts will overwrite the default connection attempts of
// 3 with value attempts, when this value is exceeded the connection will
// cease to re-connect and exit.
func WithReconnectAttempts(attempts int) OptFunc {
	return func(c *clientOpts) {
		c.reconnectAttempts = attempts
	}
}

// WithReconnectTimeout will overwrite the default timeout between reconnect
// attempts of 30 seconds with value t.
func WithReconnectTimeout(t time.Duration) OptFunc {
	return func(c *clientOpts) {
		c.reconnectTimeout = t
	}
}

// WithInfiniteReconnect will make the client try forever to reconnect
// in the event of a connection loss.
func WithInfiniteReconnect() OptFunc {
	return func(c *clientOpts) {
		c.reconnect = true
		c.reconnectAttempts = -1
	}
}

// WithHandshakeTimeout sets the time allowed for the websocket handshake.
func WithHandshakeTimeout(t time.Duration) OptFunc {
	return func(c *clientOpts) {
		c.handshakeTimeout = t
	}
}

// WithHeaders adds headers, such as Origin, to the handshake request.
func WithHeaders(h http.Header) OptFunc {
	return func(c *clientOpts) {
		for k, v := range h {
			c.headers[k] = append(c.headers[k], v...)
		}
	}
}

type sendMsg struct {
	f      relay.Frame
	notify chan error
}

// Client is a single member of a relay channel.
type Client struct {
	url       string
	channelID string
	ws        *websocket.Conn
	opts      *clientOpts
	frames    chan relay.Frame
	sender    chan sendMsg
	close     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	sync.RWMutex
}

// Dial connects to channelID on the server at host, host being a ws:// or wss:// base url.
func Dial(ctx context.Context, host, channelID string, opts ...OptFunc) (*Client, error) {
	if err := relay.ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	o := defaultOpts()
	for _, opt := range opts {
		opt(o)
	}
	url := strings.TrimSuffix(host, "/") + relay.ChannelPathPrefix + channelID
	log.Info().Msgf("joining channel %s", channelID)
	ws, err := dial(ctx, url, o)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:       url,
		channelID: channelID,
		ws:        ws,
		opts:      o,
		frames:    make(chan relay.Frame, o.buffer),
		sender:    make(chan sendMsg),
		close:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.reader()
	go c.writer()
	log.Info().Msgf("connected to channel %s", channelID)
	return c, nil
}

func dial(ctx context.Context, url string, o *clientOpts) (*websocket.Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.handshakeTimeout,
	}
	ws, resp, err := d.DialContext(ctx, url, o.headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(ErrRejected, "dial %s returned status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return ws, nil
}

// ChannelID is the channel the client is a member of.
func (c *Client) ChannelID() string {
	return c.channelID
}

// Frames returns frames sent by other members, it is closed once the
// client stops reading.
func (c *Client) Frames() <-chan relay.Frame {
	return c.frames
}

// Send will write f to the channel, returning once it is written or ctx is done.
func (c *Client) Send(ctx context.Context, f relay.Frame) error {
	if c.closing() {
		return ErrClientClosed
	}
	notify := make(chan error, 1)
	select {
	case c.sender <- sendMsg{f: f, notify: notify}:
	case <-c.close:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-notify:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close will ensure the client is gracefully shut down, a close frame is
// sent to the server before the socket is closed.
func (c *Client) Close() error {
	c.shutdown()
	<-c.done
	log.Info().Msgf("left channel %s", c.channelID)
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.close)
	})
}

func (c *Client) closing() bool {
	select {
	case <-c.close:
		return true
	default:
		return false
	}
}

func (c *Client) conn() *websocket.Conn {
	c.RLock()
	defer c.RUnlock()
	return c.ws
}

// reader pushes frames from the server onto the frames channel.
func (c *Client) reader() {
	defer close(c.frames)
	for {
		mt, bb, err := c.conn().ReadMessage()
		if err != nil {
			if c.closing() {
				return
			}
			log.Err(err).Str("channelID", c.channelID).Msg("error when reading message")
			if !c.opts.reconnect || !c.reconnect() {
				c.shutdown()
				return
			}
			continue
		}
		select {
		case c.frames <- relay.Frame{Type: relay.MessageType(mt), Data: bb}:
		case <-c.close:
			return
		}
	}
}

// writer sends frames from the client to the websocket connection.
func (c *Client) writer() {
	defer close(c.done)
	for {
		select {
		case msg := <-c.sender:
			err := c.write(int(msg.f.Type), msg.f.Data)
			if err != nil {
				log.Err(err).Str("channelID", c.channelID).Msg("failed to write message")
			}
			msg.notify <- err
		case <-c.close:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn().Close()
			log.Debug().Msgf("closing connection for channelID %s", c.channelID)
			return
		}
	}
}

func (c *Client) reconnect() bool {
	for i := 1; c.opts.reconnectAttempts == -1 || i <= c.opts.reconnectAttempts; i++ {
		select {
		case <-time.After(c.opts.reconnectTimeout):
		case <-c.close:
			return false
		}
		ws, err := dial(context.Background(), c.url, c.opts)
		if err != nil {
			log.Err(err).Msgf("failed to reconnect to '%s' after '%d' attempts", c.url, i)
			continue
		}
		c.Lock()
		old := c.ws
		c.ws = ws
		c.Unlock()
		_ = old.Close()
		log.Info().Msgf("reconnected to channel %s", c.channelID)
		return true
	}
	log.Error().Msgf("failed to re-connect to %s after %d attempts, exiting client", c.url, c.opts.reconnectAttempts)
	return false
}

// write writes a message with the given message type and payload.
func (c *Client) write(mt int, payload []byte) error {
	ws := c.conn()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, payload)
}
