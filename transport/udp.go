// Package transport supplies net_send/net_recv bindings for
// stack.Engine over real sockets: a UDP driver (grounded on the
// teacher's mtcp server/client pair) and a WebSocket driver (grounded
// on its tcpclv4 WebSocketListener/client).
//
// Both drivers are dumb byte pumps: they know nothing of sequence ids,
// acks, or framing — that is wireframe's job. A transport's Send takes
// an already-encapsulated packet.Packet and puts its bytes on the
// wire; its receive loop wraps each inbound datagram/message as a raw
// packet.Packet and calls the engine's NetRecv.
package transport

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/relstack/packet"
)

// Receiver is the callback a transport's receive loop drives for every
// inbound datagram, typically stack.Engine.NetRecv.
type Receiver func(pkt packet.Packet) error

// UDPConn is a single-peer UDP transport: one net.PacketConn, one known
// remote address. A relstack session is point-to-point, so unlike the
// teacher's MTCPServer (which multiplexes many senders into one report
// channel) there is exactly one peer per UDPConn.
type UDPConn struct {
	pc     net.PacketConn
	remote net.Addr

	stopSyn chan struct{}
	stopAck chan struct{}

	log *log.Entry
}

// DialUDP opens a UDP socket and resolves remote as this session's sole
// peer.
func DialUDP(localAddr, remote string) (*UDPConn, error) {
	pc, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &UDPConn{
		pc:      pc,
		remote:  remoteAddr,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
		log:     log.WithField("component", "transport.udp"),
	}, nil
}

// Send writes pkt's bytes to the configured remote address.
func (c *UDPConn) Send(pkt packet.Packet) error {
	_, err := c.pc.WriteTo(pkt.Bytes(), c.remote)
	return err
}

// Serve reads datagrams until Close is called, wrapping each as a raw
// packet.Packet and handing it to recv.
func (c *UDPConn) Serve(recv Receiver) {
	defer close(c.stopAck)

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.stopSyn:
			return
		default:
		}

		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.stopSyn:
				return
			default:
				c.log.WithError(err).Warn("udp read failed")
				continue
			}
		}
		if addr.String() != c.remote.String() {
			c.log.WithField("from", addr).Debug("dropping datagram from unexpected peer")
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		pkt := packet.Wrap(packet.NewBuffer(data), true)
		if err := recv(pkt); err != nil {
			c.log.WithError(err).Debug("net_recv returned error")
		}
	}
}

// Close stops Serve and releases the socket.
func (c *UDPConn) Close() error {
	close(c.stopSyn)
	err := c.pc.Close()
	<-c.stopAck
	return err
}

func (c *UDPConn) String() string {
	return fmt.Sprintf("udp://%s<->%s", c.pc.LocalAddr(), c.remote)
}
