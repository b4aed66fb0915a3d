package relay

import "github.com/pkg/errors"

var (
	// ErrInvalidChannelID is returned when a channel id contains characters outside [A-Za-z0-9_-] or is empty.
	ErrInvalidChannelID = errors.New("channelID must be non-empty and match [A-Za-z0-9_-]+")
	// ErrInvalidChannelPath is returned when a request path is not of the form /ws/<channelID>.
	ErrInvalidChannelPath = errors.New("path must be of the form /ws/<channelID>")
	// ErrConnClosed is returned when sending to or joining with a connection that is not open.
	ErrConnClosed = errors.New("connection is not open")
	// ErrSendBufferFull is returned when a connection cannot accept another frame.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrAlreadyJoined is returned when a connection tries to join a second channel.
	ErrAlreadyJoined = errors.New("connection has already joined a channel")
	// ErrNotMember is returned when forwarding from a connection that is not joined to the channel.
	ErrNotMember = errors.New("connection is not a member of the channel")
	// ErrServerClosed is returned once the server has been closed.
	ErrServerClosed = errors.New("server closed")
)
