// Package transport maintains the websocket connection to the chat server
// and delivers raw frames to a listener. Frames are opaque text here; the
// session layer classifies them.
package transport

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/tools/errs"
)

const (
	readLimit     = 1 << 20 // 1MB
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeDeadline = 5 * time.Second
	sendQueueSize = 64
)

// Listener receives connection events. All callbacks fire on the reader
// goroutine except OnError, which may fire from the writer as well.
type Listener interface {
	OnOpen()
	OnFrame(raw []byte)
	OnClose(serverInitiated bool, code int, reason string)
	OnError(err error)
}

// Conn is a single client websocket connection.
type Conn struct {
	endpoint string
	apiKey   string
	listener Listener

	mu       sync.Mutex
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	clientCl bool // Disconnect was called locally
}

// NewConn builds a connection for the given host. The endpoint follows the
// protocol convention ws(s)://host/v0/.
func NewConn(host string, useTLS bool, apiKey string, l Listener) *Conn {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/v0/"}
	return &Conn{endpoint: u.String(), apiKey: apiKey, listener: l}
}

// Connect dials the server and starts the reader and writer goroutines.
// Calling Connect on a live connection returns errs.ErrAlreadyConnected.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		return errs.ErrAlreadyConnected
	}

	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Msgr-APIKey", c.apiKey)
	}

	ws, _, err := websocket.DefaultDialer.Dial(c.endpoint, hdr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.endpoint)
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c.ws = ws
	c.send = make(chan []byte, sendQueueSize)
	c.done = make(chan struct{})
	c.clientCl = false

	go c.writeLoop(ws, c.send, c.done)
	go c.readLoop(ws)

	if c.listener != nil {
		c.listener.OnOpen()
	}
	return nil
}

// IsConnected reports whether the connection is live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send queues a frame for the writer goroutine. It fails fast when the
// connection is down or the queue is full.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	ws, send := c.ws, c.send
	c.mu.Unlock()

	if ws == nil {
		return errs.ErrNotConnected
	}
	select {
	case send <- payload:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Disconnect closes the connection. The reader goroutine observes the close
// and reports it to the listener as client-initiated.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.clientCl = true
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		_ = ws.Close()
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-send:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugf("transport: write: %v", err)
				if c.listener != nil {
					c.listener.OnError(err)
				}
				return
			}
		case <-ticker.C:
			_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeDeadline))
		case <-done:
			return
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer c.teardown(ws)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			c.reportClose(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if c.listener != nil {
			c.listener.OnFrame(data)
		}
	}
}

func (c *Conn) teardown(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		close(c.done)
		c.send = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *Conn) reportClose(err error) {
	c.mu.Lock()
	byClient := c.clientCl
	c.mu.Unlock()

	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}

	if c.listener == nil {
		return
	}
	if byClient {
		c.listener.OnClose(false, code, reason)
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		c.listener.OnClose(true, code, reason)
		return
	}
	c.listener.OnError(err)
	c.listener.OnClose(true, code, reason)
}
