// Package relay contains the types shared by the relay server, its transports
// and clients: frames, connection capabilities and channel validation.
package relay

// MessageType identifies the framing of a payload. The values match the
// websocket data opcodes so they can be handed to a transport unchanged.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (m MessageType) String() string {
	switch m {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	}
	return "unknown"
}

// Frame is a single opaque message. The relay never looks inside Data.
type Frame struct {
	Type MessageType
	Data []byte
}

// NewTextFrame returns a text frame holding s.
func NewTextFrame(s string) Frame {
	return Frame{Type: TextMessage, Data: []byte(s)}
}

// NewBinaryFrame returns a binary frame holding bb.
func NewBinaryFrame(bb []byte) Frame {
	return Frame{Type: BinaryMessage, Data: bb}
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is a live duplex connection that can be a member of a channel.
//
// ID must be unique for the life of the process, it is used for set
// membership. Send must not block, implementations should queue the frame
// and return an error if it cannot be queued. Close is idempotent.
type Conn interface {
	ID() string
	State() State
	Send(f Frame) error
	Close() error
}
