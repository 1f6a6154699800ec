package transport

import (
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn7/relstack/packet"
)

// WSConn is a single WebSocket-backed transport, either side of which
// may have dialed or accepted the connection; both drive the same
// Serve/Send pair once a *websocket.Conn exists, mirroring the
// teacher's tcpclv4 WebSocketListener/client split.
type WSConn struct {
	conn    *websocket.Conn
	closing uint32

	log *log.Entry
}

// DialWS opens a WebSocket connection to a WSListener's address.
func DialWS(address string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn, log: log.WithField("component", "transport.ws")}, nil
}

// Send writes pkt's bytes as one binary WebSocket message.
func (c *WSConn) Send(pkt packet.Packet) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Bytes())
}

// Serve reads binary messages until the connection closes, wrapping
// each as a raw packet.Packet and handing it to recv.
func (c *WSConn) Serve(recv Receiver) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if atomic.LoadUint32(&c.closing) == 0 {
				c.log.WithError(err).Debug("websocket read failed, closing")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		pkt := packet.Wrap(packet.NewBuffer(data), true)
		if err := recv(pkt); err != nil {
			c.log.WithError(err).Debug("net_recv returned error")
		}
	}
}

// Close closes the underlying WebSocket connection.
func (c *WSConn) Close() error {
	atomic.StoreUint32(&c.closing, 1)
	return c.conn.Close()
}

// WSListener is an http.Handler that upgrades incoming requests to
// WebSocket connections and hands each new *WSConn to Accept,
// mirroring the teacher's WebSocketListener/cla.Manager hookup —
// a relstack session only ever expects a single peer, so Accept is
// called at most once per listener in the common case, but nothing
// here enforces that.
type WSListener struct {
	upgrader websocket.Upgrader
	Accept   func(*WSConn)
}

// NewWSListener returns a WSListener that calls accept for every
// successfully upgraded connection.
func NewWSListener(accept func(*WSConn)) *WSListener {
	return &WSListener{
		upgrader: websocket.Upgrader{},
		Accept:   accept,
	}
}

// ServeHTTP upgrades the request and dispatches the resulting
// connection to Accept.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	l.Accept(&WSConn{conn: conn, log: log.WithField("component", "transport.ws")})
}
