// Package transport implements the SIP transport layer: a connection
// abstraction over datagram and stream sockets and concrete UDP, TCP, TLS,
// WS and WSS transports. Message parsing is delegated to the sipgo parser.
package transport

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var (
	SIPDebug bool
)

const (
	// Transport names use uppercase as they appear in Via headers.
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	transportBufferSize = 65535
)

// MessageHandler is called by a transport for every decoded SIP message,
// together with the connection it arrived on and the peer address.
type MessageHandler func(msg sip.Message, conn Connection, raddr Addr)

// Protocol implements network specific features.
type Protocol interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Addr is a resolved SIP level address: network name plus host:port.
type Addr struct {
	Network string // UDP, TCP, TLS, WS, WSS
	Host    string
	Port    int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Equal compares host and port, ignoring network.
func (a Addr) Equal(other Addr) bool {
	return a.Host == other.Host && a.Port == other.Port
}

func (a Addr) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddr splits host:port form. A missing or non numeric port is an
// error.
func ParseAddr(network, addr string) (Addr, error) {
	host, portstr, err := net.SplitHostPort(addr)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.Atoi(portstr)
	if err != nil {
		return Addr{}, err
	}
	return Addr{Network: network, Host: host, Port: port}, nil
}

// AddrFromURI builds target address from request URI following
// RFC 3261 18.1.1. Transport param and sips scheme override the network.
func AddrFromURI(uri *sip.Uri) Addr {
	network := TransportUDP
	if uri.UriParams != nil {
		if tp, ok := uri.UriParams.Get("transport"); ok && tp != "" {
			network = strings.ToUpper(tp)
		}
	}
	if uri.IsEncrypted() {
		switch network {
		case TransportTCP, TransportUDP:
			network = TransportTLS
		case TransportWS:
			network = TransportWSS
		}
	}

	port := uri.Port
	if port <= 0 {
		port = int(sip.DefaultPort(network))
	}
	return Addr{Network: network, Host: uri.Host, Port: port}
}

// NetworkToLower is faster function converting UDP, TCP to udp, tcp
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return sip.ASCIIToLower(network)
	}
}

// IsReliable reports whether network retransmits on its own, which disables
// timers A and G on transactions running over it.
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}

// IsStreamed reports whether messages need Content-Length framing.
func IsStreamed(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}
