package transport

import (
	"net"
	"net/http"

	"golang.org/x/net/websocket"
)

// wsConn lets the WebSocket handler return once the connection is closed.
type wsConn struct {
	*websocket.Conn
	done chan struct{}
}

func (c *wsConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	return c.Conn.Close()
}

// HandleWS hands a WebSocket connection to l to be accepted, and returns
// once the accepted connection is closed.
func HandleWS(l *NetListener, ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	conn := &wsConn{Conn: ws, done: make(chan struct{})}
	if !l.handoff(conn) {
		ws.Close()
		return
	}
	<-conn.done
}

// ListenWS takes a TCP address and returns a NetListener with an
// HTTP+WebSocket server listening on the given address.
func ListenWS(addr string) (*NetListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	s := &http.Server{
		Addr: addr,
		Handler: websocket.Handler(func(ws *websocket.Conn) {
			HandleWS(nl, ws)
		}),
	}
	go func() {
		nl.fail(s.Serve(l))
	}()
	return nl, nil
}
