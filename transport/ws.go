package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// WebSocketProtocols is used in setting websocket header
	// By default clients must accept protocol sip
	WebSocketProtocols = []string{"sip"}
)

// WSTransport
type WSTransport struct {
	parser    *sip.Parser
	transport string

	pool     ConnectionPool
	dialer   ws.Dialer
	listener net.Listener

	log zerolog.Logger
}

func NewWSTransport(par *sip.Parser) *WSTransport {
	t := &WSTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportWS,
		dialer:    ws.DefaultDialer,
	}
	t.dialer.Protocols = WebSocketProtocols
	t.log = log.Logger.With().Str("caller", "transport<WS>").Logger()
	return t
}

func (t *WSTransport) String() string {
	return "transport<" + t.transport + ">"
}

func (t *WSTransport) Network() string {
	return t.transport
}

func (t *WSTransport) Close() error {
	t.pool.Clear()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Serve upgrades accepted connections and reads SIP messages from frames.
func (t *WSTransport) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr())
	t.listener = l

	// Some phones want Sec-WebSocket-Protocol returned on handshake.
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})
	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Fail to accept connection")
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.log.Debug().Str("addr", raddr).Msg("New connection accept")

		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Msg("Fail to upgrade")
			conn.Close()
			continue
		}

		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *WSTransport) initConnection(conn net.Conn, addr string, clientSide bool, handler MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("New WS connection")
	laddr, _ := ParseAddr(t.transport, conn.LocalAddr().String())
	raddr, _ := ParseAddr(t.transport, addr)
	c := &WSConnection{
		Conn:       conn,
		laddr:      laddr,
		raddr:      raddr,
		clientSide: clientSide,
		refcount:   1,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *WSTransport) readConnection(conn *WSConnection, raddr string, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)

	defer func() {
		ref, _ := conn.TryClose()
		if ref > 0 {
			return
		}
		t.pool.Del(raddr)
	}()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Got WS error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, conn, raddr, handler)
	}
}

func (t *WSTransport) parseAndHandle(data []byte, conn *WSConnection, src string, handler MessageHandler) {
	// Drop keepalive frames, WS has its own ping/pong but some
	// clients send CRLF inside frames as well.
	if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
		t.log.Debug().Msg("Keep alive CRLF received")
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}
	raddr, err := ParseAddr(t.transport, src)
	if err != nil {
		t.log.Error().Err(err).Str("src", src).Msg("failed to parse source addr")
		return
	}

	msg.SetTransport(t.transport)
	msg.SetSource(src)
	handler(msg, conn, raddr)
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := t.pool.Get(raddr.String())
	return c, nil
}

func (t *WSTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}

type WSConnection struct {
	net.Conn

	laddr      Addr
	raddr      Addr
	clientSide bool

	mu       sync.RWMutex
	refcount int
}

func (c *WSConnection) IsReliable() bool { return true }

func (c *WSConnection) LocalAddr() Addr { return c.laddr }

func (c *WSConnection) RemoteAddr() Addr { return c.raddr }

func (c *WSConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("ip", c.raddr.String()).Int("ref", ref).Msg("WS ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *WSConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if header.OpCode == ws.OpClose {
			return n, net.ErrClosed
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, data); err != nil {
			return n, err
		}

		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}

		n += copy(b[n:], data)
		if header.Fin {
			break
		}
	}
	return n, nil
}

func (c *WSConnection) Write(b []byte) (n int, err error) {
	fs := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		fs = ws.MaskFrameInPlace(fs)
	}
	if err := ws.WriteFrame(c.Conn, fs); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConnection) WriteMsg(msg sip.Message) error {
	return c.WriteMsgTo(msg, nil)
}

func (c *WSConnection) WriteMsgTo(msg sip.Message, _ *Addr) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	data := marshalMsg(msg, buf)

	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("conn %s write err=%w", c.raddr, err)
	}
	return nil
}
