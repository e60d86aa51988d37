package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair starts a server that wraps each upgraded socket in a WSConn and
// hands it to onConn, and returns a client connected to it.
func wsPair(t *testing.T, onConn func(*WSConn)) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(NewWSConn(ws, 1024, time.Second))
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestWSConnSurfacesInboundFrames(t *testing.T) {
	frames := make(chan Frame, 8)
	readDone := make(chan error, 1)
	client := wsPair(t, func(c *WSConn) {
		go func() {
			readDone <- c.ReadLoop(func(f Frame) { frames <- f })
			_ = c.Close()
		}()
	})

	deadline := time.Now().Add(time.Second)
	require.NoError(t, client.WriteControl(websocket.PingMessage, []byte("p1"), deadline))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hi")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), deadline))

	select {
	case err := <-readDone:
		assert.NoError(t, err, "a close frame ends the loop cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not return")
	}

	require.Len(t, frames, 4)
	assert.Equal(t, Frame{Kind: PingFrame, Data: []byte("p1")}, <-frames)
	assert.Equal(t, Frame{Kind: TextFrame, Data: []byte("hi")}, <-frames)
	assert.Equal(t, Frame{Kind: BinaryFrame, Data: []byte{1, 2}}, <-frames)
	assert.Equal(t, Frame{Kind: CloseFrame, CloseCode: websocket.CloseGoingAway, CloseText: "bye"}, <-frames)
}

func TestWSConnDoesNotAutoReplyToPing(t *testing.T) {
	got := make(chan Frame, 1)
	client := wsPair(t, func(c *WSConn) {
		go func() {
			_ = c.ReadLoop(func(f Frame) {
				if f.Kind == PingFrame {
					got <- f
				}
			})
		}()
	})

	pongs := make(chan string, 1)
	client.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	require.NoError(t, client.WriteControl(websocket.PingMessage, []byte("p"), time.Now().Add(time.Second)))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("ping not surfaced")
	}

	_ = client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.Empty(t, pongs, "replying is the session's job")
}

func TestWSConnWritesFrames(t *testing.T) {
	client := wsPair(t, func(c *WSConn) {
		_ = c.WriteFrame(Frame{Kind: PingFrame, Data: []byte("hb")})
		_ = c.WriteFrame(Frame{Kind: TextFrame, Data: []byte(`{"type":"sale"}`)})
		_ = c.WriteFrame(Frame{Kind: CloseFrame})
		_ = c.Close()
		_ = c.Close()
	})

	pings := make(chan string, 1)
	client.SetPingHandler(func(data string) error {
		pings <- data
		return nil
	})
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"type":"sale"}`, string(data))
	assert.Equal(t, "hb", <-pings)

	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSConnRejectsUnknownKind(t *testing.T) {
	errs := make(chan error, 1)
	wsPair(t, func(c *WSConn) {
		errs <- c.WriteFrame(Frame{Kind: ContinuationFrame})
		_ = c.Close()
	})
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}
