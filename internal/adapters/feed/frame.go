package feed

type FrameKind int

const (
	TextFrame FrameKind = iota + 1
	BinaryFrame
	PingFrame
	PongFrame
	CloseFrame
	ContinuationFrame
)

func (k FrameKind) String() string {
	switch k {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	case PingFrame:
		return "ping"
	case PongFrame:
		return "pong"
	case CloseFrame:
		return "close"
	case ContinuationFrame:
		return "continuation"
	}
	return "unknown"
}

// Frame is one protocol-level message on the session transport.
// CloseCode and CloseText are only meaningful for CloseFrame.
type Frame struct {
	Kind      FrameKind
	Data      []byte
	CloseCode int
	CloseText string
}

// Conn abstracts the duplex transport owned by one Session.
// ReadLoop and WriteFrame are each called from a single goroutine;
// Close may be called from any goroutine and must be idempotent.
type Conn interface {
	// ReadLoop calls fn for every inbound frame, control frames included,
	// until the transport fails or is closed.
	ReadLoop(fn func(Frame)) error
	WriteFrame(Frame) error
	Close() error
}
