package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketDialer dials outbound Conns over nhooyr.io/websocket, adapting the
// websocket message stream to a net.Conn via websocket.NetConn so JSONConn's
// framing applies on top of it.
type WebSocketDialer struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	wsConn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageText)
	return NewJSONConn(netConn, d.ReadTimeout, d.WriteTimeout), nil
}

// WebSocketListener accepts inbound Conns over an http.Server upgrading each
// request to a websocket.
type WebSocketListener struct {
	addr         string
	accepted     chan Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	server       *http.Server
}

// NewWebSocketListener starts an HTTP server on addr that upgrades every
// request to a websocket connection and hands the wrapped Conn to Accept.
func NewWebSocketListener(addr string, readTimeout, writeTimeout time.Duration) (*WebSocketListener, error) {
	l := &WebSocketListener{
		addr:         addr,
		accepted:     make(chan Conn, 64),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageText)
		l.accepted <- NewJSONConn(netConn, l.readTimeout, l.writeTimeout)
	})
	l.server = &http.Server{Addr: addr, Handler: mux}
	return l, nil
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() string { return l.addr }

func (l *WebSocketListener) Close() error {
	return l.server.Close()
}

// ListenAndServe runs the listener's HTTP server until it is closed. Callers
// invoke this in its own goroutine alongside Accept.
func (l *WebSocketListener) ListenAndServe() error {
	return l.server.ListenAndServe()
}
