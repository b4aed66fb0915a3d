package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

type opts struct {
	writeTimeout    time.Duration
	pongWait        time.Duration
	pingPeriod      time.Duration
	maxMessageBytes int64
	sendBuffer      int
	registry        *prometheus.Registry
}

func defaultOpts() *opts {
	o := &opts{
		writeTimeout:    10 * time.Second,
		pongWait:        60 * time.Second,
		maxMessageBytes: 1 << 20,
		sendBuffer:      256,
	}
	o.pingPeriod = (o.pongWait * 9) / 10
	return o
}

// OptFunc defines a functional option to pass to the server at setup time.
type OptFunc func(c *opts)

// WithWriteTimeout defines how long a single frame write to a member may take
// before the member is dropped.
// Default is 10 seconds.
func WithWriteTimeout(t time.Duration) OptFunc {
	return func(c *opts) {
		c.writeTimeout = t
	}
}

// WithPongTimeout defines the wait time the server will wait for a pong response
// from a member. The ping period is reset to 90% of this value, use WithPingPeriod
// afterwards to override it.
// Default is 60 seconds.
func WithPongTimeout(t time.Duration) OptFunc {
	return func(c *opts) {
		c.pongWait = t
		c.pingPeriod = (t * 9) / 10
	}
}

// WithPingPeriod will define the break between pings to members.
// This should always be less than PongTimeout.
func WithPingPeriod(i time.Duration) OptFunc {
	return func(c *opts) {
		c.pingPeriod = i
	}
}

// WithMaxMessageSize defines the maximum message size in bytes that
// the server will accept from a member. A larger frame disconnects the member.
// Default is 1MiB.
func WithMaxMessageSize(s int64) OptFunc {
	return func(c *opts) {
		c.maxMessageBytes = s
	}
}

// WithSendBuffer defines how many frames can be queued for a member before
// further frames to it are dropped.
// Default is 256.
func WithSendBuffer(n int) OptFunc {
	return func(c *opts) {
		c.sendBuffer = n
	}
}

// WithRegistry sets the prometheus registry the server metrics are registered with.
// By default each server gets its own registry, exposed via Registry().
func WithRegistry(r *prometheus.Registry) OptFunc {
	return func(c *opts) {
		c.registry = r
	}
}

// RelayServer is a central point that connects peers together.
// It owns the channel registry, manages membership and forwards every frame
// a member sends to the other members of its channel.
type RelayServer struct {
	channels map[string]*channel
	// maps clientID to channelID, a client is only ever in one channel
	members map[string]string
	closed  bool
	metrics *metrics
	opts    *opts
	sync.RWMutex
}

// NewRelayServer will setup and return a new instance of a RelayServer.
func NewRelayServer(opts ...OptFunc) *RelayServer {
	defaults := defaultOpts()

	for _, o := range opts {
		o(defaults)
	}
	if defaults.registry == nil {
		defaults.registry = prometheus.NewRegistry()
	}
	if defaults.pongWait <= 0 {
		defaults.pongWait = 60 * time.Second
	}
	if defaults.pingPeriod <= 0 || defaults.pingPeriod >= defaults.pongWait {
		defaults.pingPeriod = (defaults.pongWait * 9) / 10
	}
	if defaults.sendBuffer < 1 {
		defaults.sendBuffer = 1
	}

	return &RelayServer{
		channels: make(map[string]*channel),
		members:  make(map[string]string),
		metrics:  newMetrics(defaults.registry),
		opts:     defaults,
	}
}

// Registry returns the prometheus registry holding the server metrics.
func (s *RelayServer) Registry() *prometheus.Registry {
	return s.opts.registry
}

// Listen will join the received connection to channelID and relay its frames
// until the connection closes.
//
// This would be called after an Upgrade call in an http handler, it blocks for
// the lifetime of the connection.
func (s *RelayServer) Listen(ws *websocket.Conn, channelID string) error {
	if err := relay.ValidateChannelID(channelID); err != nil {
		return err
	}
	ws.SetReadLimit(s.opts.maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(s.opts.pongWait)) })

	c := newConnection(ws, s.opts)
	go c.writer()
	log.Debug().Msgf("adding connection %s to channelID %s", c.ID(), channelID)
	if err := s.Join(channelID, c); err != nil {
		_ = c.Close()
		<-c.done
		return errors.Wrapf(err, "failed to join channel %s", channelID)
	}

	for {
		mt, bb, err := ws.ReadMessage()
		if err != nil {
			// the writer dropped the member, the read error is only a symptom
			if werr := c.err(); werr != nil {
				s.TransportError(channelID, c, werr)
				break
			}
			// a connection we closed ourselves, or a clean close from the peer, is a normal leave
			if c.State() != relay.StateOpen ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.Leave(channelID, c)
				break
			}
			s.TransportError(channelID, c, err)
			break
		}
		if _, err := s.Forward(channelID, c, relay.Frame{Type: relay.MessageType(mt), Data: bb}); err != nil {
			log.Debug().Err(err).Str("clientID", c.ID()).Msg("stopped relaying")
			s.Leave(channelID, c)
			break
		}
	}
	_ = c.Close()
	<-c.done
	log.Debug().Msgf("removed clientID %s", c.ID())
	return nil
}

// Close should always be called in a defer to allow the server
// to gracefully shutdown and close underlying connections.
//
// Once closed no connection can join.
func (s *RelayServer) Close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	log.Info().Msg("closing server")
	conns := make([]relay.Conn, 0, len(s.members))
	for _, ch := range s.channels {
		conns = append(conns, ch.snapshot()...)
	}
	s.channels = make(map[string]*channel)
	s.members = make(map[string]string)
	s.metrics.connections.Set(0)
	s.metrics.channels.Set(0)
	s.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	log.Info().Int("connections", len(conns)).Msg("connections terminated")
}

// Info is a point in time summary of the registry.
type Info struct {
	TotalConnections int `json:"totalConnections"`
	TotalChannels    int `json:"totalChannels"`
}

// Info will return information on the current server.
func (s *RelayServer) Info() Info {
	s.RLock()
	defer s.RUnlock()
	return Info{
		TotalConnections: len(s.members),
		TotalChannels:    len(s.channels),
	}
}

// ChannelSize returns the number of members in channelID, false is returned
// if no such channel exists.
func (s *RelayServer) ChannelSize(channelID string) (int, bool) {
	s.RLock()
	ch, ok := s.channels[channelID]
	s.RUnlock()
	if !ok {
		return 0, false
	}
	return ch.size(), true
}
