package server

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

// Join adds conn to channelID, creating the channel if this is its first member.
//
// A connection can only be a member of one channel and must be open.
func (s *RelayServer) Join(channelID string, conn relay.Conn) error {
	if err := relay.ValidateChannelID(channelID); err != nil {
		return err
	}
	if conn.State() != relay.StateOpen {
		return errors.Wrapf(relay.ErrConnClosed, "clientID %s cannot join channelID %s", conn.ID(), channelID)
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return relay.ErrServerClosed
	}
	if existing, ok := s.members[conn.ID()]; ok {
		return errors.Wrapf(relay.ErrAlreadyJoined, "clientID %s is a member of channelID %s", conn.ID(), existing)
	}
	ch, ok := s.channels[channelID]
	if !ok {
		ch = newChannel(channelID)
		s.channels[channelID] = ch
		s.metrics.channels.Inc()
	}
	n := ch.add(conn)
	s.members[conn.ID()] = channelID
	s.metrics.connections.Inc()
	log.Info().
		Str("channelID", channelID).
		Str("clientID", conn.ID()).
		Int("members", n).
		Msg("client joined channel")
	return nil
}

// Forward sends f to every open member of channelID except sender and returns
// the number of members it was queued for.
//
// A member that fails to accept the frame is reported and skipped, it never
// stops delivery to the others.
func (s *RelayServer) Forward(channelID string, sender relay.Conn, f relay.Frame) (int, error) {
	s.RLock()
	joined, ok := s.members[sender.ID()]
	ch := s.channels[channelID]
	s.RUnlock()
	if !ok || joined != channelID || ch == nil {
		return 0, errors.Wrapf(relay.ErrNotMember, "clientID %s, channelID %s", sender.ID(), channelID)
	}
	s.metrics.framesReceived.WithLabelValues(f.Type.String()).Inc()

	res := ch.broadcast(sender.ID(), f)
	for id, err := range res.failed {
		s.metrics.deliveryFailures.WithLabelValues(failureReason(err)).Inc()
		log.Warn().Err(err).
			Str("channelID", channelID).
			Str("clientID", id).
			Msg("failed to relay frame")
	}
	s.metrics.deliveries.Add(float64(res.delivered))
	log.Debug().
		Str("channelID", channelID).
		Str("clientID", sender.ID()).
		Str("type", f.Type.String()).
		Int("delivered", res.delivered).
		Int("skipped", res.skipped).
		Msg("frame relayed")
	return res.delivered, nil
}

// Leave removes conn from channelID and closes it, the channel is removed
// when its last member leaves. Calling Leave more than once is a no-op.
func (s *RelayServer) Leave(channelID string, conn relay.Conn) {
	s.Lock()
	joined, ok := s.members[conn.ID()]
	if !ok {
		s.Unlock()
		log.Debug().Str("clientID", conn.ID()).Msg("client not joined, nothing to leave")
		return
	}
	if joined != channelID {
		s.Unlock()
		log.Warn().
			Str("clientID", conn.ID()).
			Str("channelID", channelID).
			Str("memberOf", joined).
			Msg("leave requested for wrong channel")
		return
	}
	delete(s.members, conn.ID())
	s.metrics.connections.Dec()
	n := 0
	if ch := s.channels[channelID]; ch != nil {
		n = ch.remove(conn.ID())
		if n == 0 {
			delete(s.channels, channelID)
			s.metrics.channels.Dec()
		}
	}
	s.Unlock()

	_ = conn.Close()
	log.Info().
		Str("channelID", channelID).
		Str("clientID", conn.ID()).
		Int("members", n).
		Msg("client left channel")
	if n == 0 {
		log.Info().Str("channelID", channelID).Msg("channel empty, removed")
	}
}

// TransportError reports err for conn and then removes it from the channel as Leave does.
// Other members are not notified.
func (s *RelayServer) TransportError(channelID string, conn relay.Conn, err error) {
	s.metrics.transportErrors.Inc()
	log.Error().Err(err).
		Str("channelID", channelID).
		Str("clientID", conn.ID()).
		Msg("transport error")
	s.Leave(channelID, conn)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, relay.ErrSendBufferFull):
		return "buffer_full"
	case errors.Is(err, relay.ErrConnClosed):
		return "closed"
	}
	return "other"
}
