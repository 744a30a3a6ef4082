package cloak_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/enetx/cloak"
)

func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))

	t.Cleanup(ts.Close)

	return ts
}

func TestWSConnectEcho(t *testing.T) {
	t.Parallel()

	ts := newEchoWSServer(t)
	engine := newEngine(t)

	conn, err := engine.WSConnect(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(cloak.OpText, []byte("hello")))

	data, binary, err := conn.Receive()
	require.NoError(t, err)
	require.False(t, binary)
	require.Equal(t, "hello", string(data))
}

func TestWSBinaryFrames(t *testing.T) {
	t.Parallel()

	ts := newEchoWSServer(t)
	engine := newEngine(t)

	conn, err := engine.WSConnect(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte{0x00, 0x01, 0xff}
	require.NoError(t, conn.Send(cloak.OpBinary, payload))

	data, binary, err := conn.Receive()
	require.NoError(t, err)
	require.True(t, binary)
	require.Equal(t, payload, data)
}

func TestWSControlFrames(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Surface received pings as text frames so the client can observe
		// that the control frame went out on the wire.
		conn.SetPingHandler(func(appData string) error {
			return conn.WriteMessage(websocket.TextMessage, []byte("ping:"+appData))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	engine := newEngine(t)

	conn, err := engine.WSConnect(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(cloak.OpPing, []byte("hb")))

	data, binary, err := conn.Receive()
	require.NoError(t, err)
	require.False(t, binary)
	require.Equal(t, "ping:hb", string(data))

	require.NoError(t, conn.Send(cloak.OpClose, nil))

	_, _, err = conn.Receive()
	require.Error(t, err, "peer closes after the close frame")
}

func TestWSSendRejectsUnknownOpcode(t *testing.T) {
	t.Parallel()

	ts := newEchoWSServer(t)
	engine := newEngine(t)

	conn, err := engine.WSConnect(context.Background(), cloak.NewRequest(ts.URL))
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Send(3, []byte("x"))
	require.Error(t, err)

	var protoErr *cloak.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestWSHandshakeHeaders(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	gotUA := make(chan string, 1)
	gotCookie := make(chan string, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.UserAgent()
		gotCookie <- r.Header.Get("Cookie")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn.Close()
	}))
	defer ts.Close()

	engine := newEngine(t)

	req := cloak.NewRequest(ts.URL)
	req.UserAgent = "ws-agent/1.0"
	req.Cookies = []cloak.Cookie{{Name: "session", Value: "abc"}}

	conn, err := engine.WSConnect(context.Background(), req)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "ws-agent/1.0", <-gotUA)
	require.Contains(t, <-gotCookie, "session=abc")
}

func TestWSConnectBadScheme(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)

	_, err := engine.WSConnect(context.Background(), cloak.NewRequest("ftp://example.com"))
	require.Error(t, err)

	var protoErr *cloak.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestWSConnectRefused(t *testing.T) {
	t.Parallel()

	// Plain HTTP endpoint that never upgrades.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	engine := newEngine(t)

	_, err := engine.WSConnect(context.Background(), cloak.NewRequest(ts.URL))
	require.Error(t, err)
}
