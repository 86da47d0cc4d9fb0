package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNetworkNotSupported = errors.New("protocol not supported")
	ErrNoRoute             = errors.New("no route to target")
)

// Layer multiplexes all transports and resolves targets to connections.
type Layer struct {
	udp *UDPTransport
	tcp *TCPTransport
	tls *TLSTransport
	ws  *WSTransport
	wss *WSSTransport

	transports map[string]Protocol

	listenPorts   map[string][]int
	listenAddrs   []Addr
	listenPortsMu sync.Mutex
	dnsResolver   *net.Resolver

	handlers []MessageHandler

	log zerolog.Logger

	// ConnectionReuse will force connection reuse when passing request
	ConnectionReuse bool
}

// NewLayer creates transport layer.
// dns Resolver
// sip parser
// tls config - can be nil to use default tls
func NewLayer(
	dnsResolver *net.Resolver,
	sipparser *sip.Parser,
	tlsConfig *tls.Config,
) *Layer {
	l := &Layer{
		transports:      make(map[string]Protocol),
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		ConnectionReuse: true,
	}

	l.log = log.Logger.With().Str("caller", "transportlayer").Logger()

	l.udp = NewUDPTransport(sipparser)
	l.tcp = NewTCPTransport(sipparser)
	l.tls = NewTLSTransport(sipparser, tlsConfig)
	l.ws = NewWSTransport(sipparser)
	l.wss = NewWSSTransport(sipparser, tlsConfig)

	l.transports["udp"] = l.udp
	l.transports["tcp"] = l.tcp
	l.transports["tls"] = l.tls
	l.transports["ws"] = l.ws
	l.transports["wss"] = l.wss

	return l
}

// OnMessage adds upstream handler called for every received SIP message.
func (l *Layer) OnMessage(h MessageHandler) {
	l.handlers = append(l.handlers, h)
}

func (l *Layer) handleMessage(msg sip.Message, conn Connection, raddr Addr) {
	// 18.1.2 Receiving Responses
	// Transport should find transaction and if not, it should still forward message to core
	for _, h := range l.handlers {
		h(msg, conn, raddr)
	}
}

// ServeUDP will listen on udp connection
func (l *Layer) ServeUDP(c net.PacketConn) error {
	addr, err := ParseAddr(TransportUDP, c.LocalAddr().String())
	if err != nil {
		return err
	}
	l.addListenAddr("udp", addr)
	return l.udp.Serve(c, l.handleMessage)
}

// ServeTCP will listen on tcp listener
func (l *Layer) ServeTCP(c net.Listener) error {
	addr, err := ParseAddr(TransportTCP, c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenAddr("tcp", addr)
	return l.tcp.Serve(c, l.handleMessage)
}

// ServeTLS will listen on tls listener
func (l *Layer) ServeTLS(c net.Listener) error {
	addr, err := ParseAddr(TransportTLS, c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenAddr("tls", addr)
	return l.tls.Serve(c, l.handleMessage)
}

// ServeWS will listen on ws listener
func (l *Layer) ServeWS(c net.Listener) error {
	addr, err := ParseAddr(TransportWS, c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenAddr("ws", addr)
	return l.ws.Serve(c, l.handleMessage)
}

// ServeWSS will listen on wss listener
func (l *Layer) ServeWSS(c net.Listener) error {
	addr, err := ParseAddr(TransportWSS, c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenAddr("wss", addr)
	return l.wss.Serve(c, l.handleMessage)
}

// ListenAndServe blocks serving chosen network.
// Network supported: udp, tcp, ws
func (l *Layer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)
	var connCloser io.Closer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if connCloser != nil {
			if err := connCloser.Close(); err != nil {
				l.log.Error().Err(err).Msg("Failed to close listener")
			}
		}
	}()

	switch network {
	case "udp":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		udpConn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp error. err=%w", err)
		}
		connCloser = udpConn
		return l.ServeUDP(udpConn)

	case "tcp", "ws":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		conn, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp error. err=%w", err)
		}
		connCloser = conn
		if network == "ws" {
			return l.ServeWS(conn)
		}
		return l.ServeTCP(conn)
	}
	return ErrNetworkNotSupported
}

// ListenAndServeTLS blocks serving secured networks.
// Network supported: tls, wss
func (l *Layer) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)
	var connCloser io.Closer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if connCloser != nil {
			if err := connCloser.Close(); err != nil {
				l.log.Error().Err(err).Msg("Failed to close listener")
			}
		}
	}()

	switch network {
	case "tls", "tcp", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls error. err=%w", err)
		}
		connCloser = listener
		if network == "wss" {
			return l.ServeWSS(listener)
		}
		return l.ServeTLS(listener)
	}
	return ErrNetworkNotSupported
}

func (l *Layer) addListenAddr(network string, addr Addr) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	l.listenPorts[network] = append(l.listenPorts[network], addr.Port)
	l.listenAddrs = append(l.listenAddrs, addr)
}

// ListenPort returns first port this layer listens on for network, 0 when none.
func (l *Layer) ListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	if ports := l.listenPorts[NetworkToLower(network)]; len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// ListenAddr returns first listen address for network.
func (l *Layer) ListenAddr(network string) (Addr, bool) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	network = strings.ToUpper(network)
	for _, a := range l.listenAddrs {
		if a.Network == network {
			return a, true
		}
	}
	return Addr{}, false
}

// Lookup resolves target URI to a connection plus the resolved address.
// Resolution order is SRV then A per RFC 3263 (NAPTR is left to the OS
// resolver). Existing pooled connections are reused when allowed.
func (l *Layer) Lookup(ctx context.Context, uri *sip.Uri) (Connection, Addr, error) {
	target := AddrFromURI(uri)
	network := NetworkToLower(target.Network)

	if net.ParseIP(target.Host) == nil {
		host, port, err := l.resolve(ctx, network, target.Host, uri.Port)
		if err != nil {
			return nil, Addr{}, err
		}
		target.Host = host
		if port > 0 {
			target.Port = port
		}
	}

	if l.ConnectionReuse {
		if c, _ := l.getConnection(network, target.String()); c != nil {
			c.Ref(1)
			return c, target, nil
		}
	}

	c, err := l.createConnection(ctx, network, target)
	if err != nil {
		return nil, Addr{}, err
	}
	return c, target, nil
}

// resolve does srv lookup and falls back to A/AAAA records.
func (l *Layer) resolve(ctx context.Context, network string, host string, explicitPort int) (string, int, error) {
	if explicitPort <= 0 {
		if _, addrs, err := l.dnsResolver.LookupSRV(ctx, "sip", network, host); err == nil && len(addrs) > 0 {
			a := addrs[0]
			srvHost := strings.TrimSuffix(a.Target, ".")
			if ip := net.ParseIP(srvHost); ip != nil {
				return srvHost, int(a.Port), nil
			}
			ips, err := l.dnsResolver.LookupHost(ctx, srvHost)
			if err == nil && len(ips) > 0 {
				return ips[0], int(a.Port), nil
			}
		}
	}

	ips, err := l.dnsResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNoRoute, host)
	}
	return ips[0], 0, nil
}

// WriteMsg sends message based on its transport and destination.
func (l *Layer) WriteMsg(msg sip.Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return l.WriteMsgTo(msg, addr, network)
}

func (l *Layer) WriteMsgTo(msg sip.Message, addr string, network string) error {
	conn, err := l.GetConnection(network, addr)
	if err != nil {
		return err
	}
	raddr, err := ParseAddr(strings.ToUpper(network), addr)
	if err != nil {
		return err
	}
	return conn.WriteMsgTo(msg, &raddr)
}

// GetConnection gets existing connection for addr.
func (l *Layer) GetConnection(network, addr string) (Connection, error) {
	network = NetworkToLower(network)
	return l.getConnection(network, addr)
}

// CreateConnection creates new connection toward raddr.
func (l *Layer) CreateConnection(ctx context.Context, network string, raddr Addr) (Connection, error) {
	network = NetworkToLower(network)
	return l.createConnection(ctx, network, raddr)
}

func (l *Layer) getConnection(network, addr string) (Connection, error) {
	transport, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}
	c, err := transport.GetConnection(addr)
	if err == nil && c == nil {
		return nil, fmt.Errorf("connection %q does not exist", addr)
	}
	return c, err
}

func (l *Layer) createConnection(ctx context.Context, network string, raddr Addr) (Connection, error) {
	transport, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}
	return transport.CreateConnection(ctx, raddr, l.handleMessage)
}

func (l *Layer) Close() error {
	var werr error
	for _, t := range l.transports {
		if err := t.Close(); err != nil {
			// For now dump last error
			werr = err
		}
	}
	return werr
}

// ResolveSelfIP returns first non loopback IPv4 interface address. Used for
// Contact construction when no public address was discovered yet.
func ResolveSelfIP() (net.IP, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, iaddr := range ifaces {
		ipnet, ok := iaddr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errors.New("no non loopback IPv4 interface found")
}
