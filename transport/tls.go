package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog/log"
)

// TLSTransport
type TLSTransport struct {
	*TCPTransport

	tlsConf *tls.Config
}

// NewTLSTransport needs dialTLSConf for creating connections when dialing
func NewTLSTransport(par *sip.Parser, dialTLSConf *tls.Config) *TLSTransport {
	tcptrans := NewTCPTransport(par)
	tcptrans.transport = TransportTLS // Override transport
	t := &TLSTransport{
		TCPTransport: tcptrans,
		tlsConf:      dialTLSConf,
	}
	t.log = log.Logger.With().Str("caller", "transport<TLS>").Logger()
	return t
}

func (t *TLSTransport) String() string {
	return "transport<TLS>"
}

// CreateConnection dials TLS over tcp.
func (t *TLSTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    t.tlsConf,
	}

	conn, err := dialer.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(conn, raddr.String(), handler), nil
}
