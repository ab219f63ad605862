package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgr-im/msgr/tools/errs"
)

type closeEvent struct {
	serverInitiated bool
	code            int
	reason          string
}

type chanListener struct {
	opened chan struct{}
	frames chan []byte
	closed chan closeEvent
	errors chan error
}

func newChanListener() *chanListener {
	return &chanListener{
		opened: make(chan struct{}, 1),
		frames: make(chan []byte, 16),
		closed: make(chan closeEvent, 4),
		errors: make(chan error, 4),
	}
}

func (l *chanListener) OnOpen()            { l.opened <- struct{}{} }
func (l *chanListener) OnFrame(raw []byte) { l.frames <- raw }
func (l *chanListener) OnClose(serverInitiated bool, code int, reason string) {
	l.closed <- closeEvent{serverInitiated, code, reason}
}
func (l *chanListener) OnError(err error) { l.errors <- err }

var upgrader = websocket.Upgrader{}

// echoServer upgrades and echoes text frames until the client goes away.
func echoServer(t *testing.T, gotKey *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotKey != nil {
			*gotKey = r.Header.Get("X-Msgr-APIKey")
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func waitClose(t *testing.T, l *chanListener) closeEvent {
	t.Helper()
	select {
	case ev := <-l.closed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
		return closeEvent{}
	}
}

func TestConnectSendEcho(t *testing.T) {
	var gotKey string
	srv := echoServer(t, &gotKey)
	defer srv.Close()

	l := newChanListener()
	c := NewConn(wsHost(srv), false, "key-123", l)
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	select {
	case <-l.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not delivered")
	}
	assert.True(t, c.IsConnected())
	assert.Equal(t, "key-123", gotKey)

	require.NoError(t, c.Send([]byte(`{"hi":{"id":"1"}}`)))
	select {
	case frame := <-l.frames:
		assert.JSONEq(t, `{"hi":{"id":"1"}}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("echo frame not delivered")
	}
}

func TestConnectTwice(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c := NewConn(wsHost(srv), false, "", newChanListener())
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.ErrorIs(t, c.Connect(), errs.ErrAlreadyConnected)
}

func TestClientDisconnectReportedAsLocal(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	l := newChanListener()
	c := NewConn(wsHost(srv), false, "", l)
	require.NoError(t, c.Connect())

	c.Disconnect()
	ev := waitClose(t, l)
	assert.False(t, ev.serverInitiated)
	assert.False(t, c.IsConnected())
}

func TestServerCloseReportedAsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"),
			time.Now().Add(time.Second))
		ws.Close()
	}))
	defer srv.Close()

	l := newChanListener()
	c := NewConn(wsHost(srv), false, "", l)
	require.NoError(t, c.Connect())

	ev := waitClose(t, l)
	assert.True(t, ev.serverInitiated)
	assert.Equal(t, websocket.CloseGoingAway, ev.code)
	assert.False(t, c.IsConnected())
}

func TestSendWhileDown(t *testing.T) {
	c := NewConn("localhost:1", false, "", newChanListener())
	assert.ErrorIs(t, c.Send([]byte("x")), errs.ErrNotConnected)
}

func TestConnectRefused(t *testing.T) {
	c := NewConn("localhost:1", false, "", newChanListener())
	assert.Error(t, c.Connect())
	assert.False(t, c.IsConnected())
}
