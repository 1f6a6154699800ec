// Command relstackd is a demo daemon wiring stack.Engine to a real UDP
// or WebSocket transport, a Noise- or TLS-backed SSL adapter, and
// stdin/stdout as the application, in the same spirit as the teacher's
// cmd/dtnd wires core.Core to convergence layers from a TOML file.
package main

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/flynn/noise"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtn7/relstack/clock"
	"github.com/dtn7/relstack/config"
	"github.com/dtn7/relstack/framedesc"
	"github.com/dtn7/relstack/packet"
	"github.com/dtn7/relstack/sessionid"
	"github.com/dtn7/relstack/ssladapter"
	"github.com/dtn7/relstack/sslref"
	"github.com/dtn7/relstack/sslref/noiseref"
	"github.com/dtn7/relstack/stack"
	"github.com/dtn7/relstack/stats"
	"github.com/dtn7/relstack/statsd"
	"github.com/dtn7/relstack/transport"
	"github.com/dtn7/relstack/wireframe"
)

var rootCmd = &cobra.Command{
	Use:   "relstackd <configuration.toml>",
	Short: "Reference daemon for a reliable-SSL-over-unreliable-transport session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// waitSigint blocks until SIGINT, mirroring the teacher's cmd/dtnd
// helper of the same name.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// guardedEngine serializes every access to a *stack.Engine behind one
// mutex, the way core.Core guards its convergenceReceivers with
// convergenceMutex: the engine itself is documented as "not internally
// synchronized", and here it is driven concurrently by the transport's
// receive loop, stdin, the retransmit ticker, and the status HTTP
// handler, so every entry point — including the read-only status
// queries — takes the same lock.
type guardedEngine struct {
	mu     sync.Mutex
	engine *stack.Engine
}

func (g *guardedEngine) netRecv(pkt packet.Packet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine.NetRecv(pkt)
}

func (g *guardedEngine) appSend(buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.engine.AppSend(buf); err != nil {
		return err
	}
	return g.engine.Flush()
}

func (g *guardedEngine) retransmitTick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine.Invalidated() {
		return
	}
	if !time.Now().Before(g.engine.NextRetransmit()) {
		if err := g.engine.Retransmit(); err != nil {
			log.WithError(err).Warn("retransmit failed")
		}
	}
	if err := g.engine.SendPendingAcks(); err != nil {
		log.WithError(err).Warn("send_pending_acks failed")
	}
}

func (g *guardedEngine) invalidated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine.Invalidated()
}

func (g *guardedEngine) status() statsd.EngineStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return statsd.EngineStatus{
		SSLStarted:  g.engine.SSLStarted(),
		Invalidated: g.engine.Invalidated(),
	}
}

func (g *guardedEngine) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine.Close()
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("relstackd: %w", err)
	}

	watcher, err := config.WatchLogging(configPath)
	if err != nil {
		log.WithError(err).Warn("relstackd: config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	id := sessionid.New()
	sink := stats.NewCounters()
	log.WithFields(log.Fields{"session": id, "listen": cfg.Listen.Address}).Info("starting relstack session")

	var conn interface {
		Send(packet.Packet) error
		Serve(transport.Receiver)
		Close() error
	}

	switch cfg.Listen.Protocol {
	case "udp", "":
		udpConn, err := transport.DialUDP(cfg.Listen.Address, cfg.Peer.Address)
		if err != nil {
			return fmt.Errorf("relstackd: dialing udp: %w", err)
		}
		conn = udpConn
	case "websocket":
		wsConn, err := transport.DialWS(cfg.Peer.Address)
		if err != nil {
			return fmt.Errorf("relstackd: dialing websocket: %w", err)
		}
		conn = wsConn
	default:
		return fmt.Errorf("relstackd: unknown listen.protocol %q", cfg.Listen.Protocol)
	}
	defer conn.Close()
	send := conn.Send

	initiator := cfg.Peer.Address != ""
	ssl, tagSecret, err := buildSSLAdapter(cfg.SSL.Mode, initiator)
	if err != nil {
		return fmt.Errorf("relstackd: constructing ssl adapter: %w", err)
	}

	tagKey, err := wireframe.DeriveTagKey(tagSecret, []byte(id.String()))
	if err != nil {
		return fmt.Errorf("relstackd: deriving tag key: %w", err)
	}
	hooks := wireframe.New(tagKey, send)

	frameDesc := framedesc.Fixed{
		framedesc.WriteAckStandalone: {Payload: 0},
		framedesc.ReadSSLCleartext:   {Payload: 16 * 1024},
	}

	g := &guardedEngine{}
	g.engine = stack.New(stack.Config{
		SSL:        ssl,
		Clock:      clock.Real{},
		FrameDesc:  frameDesc,
		Stats:      sink,
		Hooks:      hooks,
		Delivery:   stdoutDelivery{},
		Span:       cfg.Session.Span,
		MaxAckList: cfg.Session.MaxAckList,
		OnInvalidate: func() {
			log.WithField("session", id).Warn("session invalidated")
		},
	})

	if err := g.engine.StartHandshake(); err != nil {
		return fmt.Errorf("relstackd: starting handshake: %w", err)
	}

	go conn.Serve(func(pkt packet.Packet) error {
		return g.netRecv(pkt)
	})

	go readStdin(g)
	go serveStatus(id, sink, g)
	go retransmitLoop(g)

	waitSigint()
	log.Info("shutting down")
	return g.close()
}

// buildSSLAdapter constructs the ssladapter.Adapter mode selects
// ("noise", the default, or "tls"), returning it alongside a secret
// wireframe derives its HMAC tag key from.
func buildSSLAdapter(mode string, initiator bool) (ssladapter.Adapter, []byte, error) {
	switch mode {
	case "", "noise":
		staticKey, err := noise.DH25519.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generating noise keypair: %w", err)
		}
		adapter, err := noiseref.New(noiseref.Config{
			Pattern:     noise.HandshakeNN,
			Initiator:   initiator,
			LocalStatic: staticKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("constructing noise adapter: %w", err)
		}
		return adapter, staticKey.Public, nil

	case "tls":
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("generating tag secret: %w", err)
		}
		if initiator {
			clientConf := sslref.GenerateSelfSignedClientConfig()
			adapter := sslref.NewTLSAdapter(func(c net.Conn) sslref.TLSConn {
				return tls.Client(c, clientConf)
			})
			return adapter, secret, nil
		}
		serverConf, err := sslref.GenerateSelfSignedServerConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("generating tls server config: %w", err)
		}
		adapter := sslref.NewTLSAdapter(func(c net.Conn) sslref.TLSConn {
			return tls.Server(c, serverConf)
		})
		return adapter, secret, nil

	default:
		return nil, nil, fmt.Errorf("unknown ssl.mode %q", mode)
	}
}

// readStdin feeds each line of stdin to the engine as application data,
// flushing after every line.
func readStdin(g *guardedEngine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := g.appSend(append([]byte(nil), scanner.Bytes()...)); err != nil {
			log.WithError(err).Warn("app_send/flush failed")
		}
	}
}

// retransmitLoop drives Engine.Retransmit and SendPendingAcks on their
// own schedule, independent of application traffic.
func retransmitLoop(g *guardedEngine) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if g.invalidated() {
			return
		}
		g.retransmitTick()
	}
}

// serveStatus exposes the session's /status and /metrics endpoints.
func serveStatus(id sessionid.ID, sink *stats.Counters, g *guardedEngine) {
	handler := statsd.NewHandler(id, sink, g.status)
	log.WithError(http.ListenAndServe("localhost:8088", handler)).Debug("status server stopped")
}
