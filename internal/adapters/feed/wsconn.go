package feed

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

var _ Conn = (*WSConn)(nil)

// WSConn adapts *websocket.Conn to Conn. Control frames are surfaced to the
// session instead of being answered by gorilla's default handlers, so the
// session alone decides when to pong or echo a close.
//
// gorilla reassembles fragmented messages itself; an unexpected continuation
// frame arrives as a read error, which ends the session the same way.
type WSConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(ws *websocket.Conn, readLimit int64, writeWait time.Duration) *WSConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &WSConn{ws: ws, writeWait: writeWait}
}

func (c *WSConn) ReadLoop(fn func(Frame)) error {
	c.ws.SetPingHandler(func(data string) error {
		fn(Frame{Kind: PingFrame, Data: []byte(data)})
		return nil
	})
	c.ws.SetPongHandler(func(data string) error {
		fn(Frame{Kind: PongFrame, Data: []byte(data)})
		return nil
	})
	c.ws.SetCloseHandler(func(code int, text string) error {
		fn(Frame{Kind: CloseFrame, CloseCode: code, CloseText: text})
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// Already surfaced through the close handler.
				return nil
			}
			return errors.Wrap(err, "ws read")
		}
		switch mt {
		case websocket.TextMessage:
			fn(Frame{Kind: TextFrame, Data: data})
		case websocket.BinaryMessage:
			fn(Frame{Kind: BinaryFrame, Data: data})
		}
	}
}

func (c *WSConn) WriteFrame(f Frame) error {
	deadline := time.Now().Add(c.writeWait)
	switch f.Kind {
	case PingFrame:
		return c.ws.WriteControl(websocket.PingMessage, f.Data, deadline)
	case PongFrame:
		return c.ws.WriteControl(websocket.PongMessage, f.Data, deadline)
	case CloseFrame:
		code := f.CloseCode
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, f.CloseText), deadline)
	case TextFrame, BinaryFrame:
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return errors.Wrap(err, "ws set write deadline")
		}
		mt := websocket.TextMessage
		if f.Kind == BinaryFrame {
			mt = websocket.BinaryMessage
		}
		return c.ws.WriteMessage(mt, f.Data)
	}
	return errors.Newf("ws write: unsupported frame kind %s", f.Kind)
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
