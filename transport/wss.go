package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog/log"
)

// WSSTransport
type WSSTransport struct {
	*WSTransport
}

// NewWSSTransport needs dialTLSConf for creating connections when dialing
func NewWSSTransport(par *sip.Parser, dialTLSConf *tls.Config) *WSSTransport {
	wstrans := NewWSTransport(par)
	wstrans.transport = TransportWSS

	wstrans.dialer.TLSConfig = dialTLSConf
	// No custom dial function is set: the dialer runs the TLS handshake
	// itself for wss:// targets using TLSConfig.
	t := &WSSTransport{
		WSTransport: wstrans,
	}
	t.log = log.Logger.With().Str("caller", "transport<WSS>").Logger()
	return t
}

func (t *WSSTransport) String() string {
	return "transport<WSS>"
}

func (t *WSSTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	conn, _, _, err := t.dialer.Dial(ctx, "wss://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}
