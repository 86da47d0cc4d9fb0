package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCPTransport
type TCPTransport struct {
	parser    *sip.Parser
	pool      ConnectionPool
	transport string

	listener net.Listener

	log zerolog.Logger
}

func NewTCPTransport(par *sip.Parser) *TCPTransport {
	t := &TCPTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportTCP,
	}
	t.log = log.Logger.With().Str("caller", "transport<TCP>").Logger()
	return t
}

func (t *TCPTransport) String() string {
	return "transport<" + t.transport + ">"
}

func (t *TCPTransport) Network() string {
	return t.transport
}

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Serve accepts stream connections until the listener closes.
func (t *TCPTransport) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr())
	t.listener = l
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Fail to accept connection")
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.initConnection(conn, raddr, handler)
	}
}

func (t *TCPTransport) initConnection(conn net.Conn, addr string, handler MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("New connection")
	laddr, _ := ParseAddr(t.transport, conn.LocalAddr().String())
	raddr, _ := ParseAddr(t.transport, addr)
	c := &TCPConnection{
		Conn:      conn,
		laddr:     laddr,
		raddr:     raddr,
		transport: t.transport,
		refcount:  1,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)
	decoder := StreamDecoder{}

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
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		if err := decoder.Write(buf[:num]); err != nil {
			t.log.Error().Err(err).Msg("Stream buffer overflow. Dropping connection")
			return
		}

		for {
			frame, ok, err := decoder.Next()
			if err != nil {
				t.log.Error().Err(err).Str("raddr", raddr).Msg("Error decoding message")
				continue
			}
			if !ok {
				break
			}
			switch {
			case frame.Ping:
				if err := conn.writeRaw(KeepaliveResponse); err != nil {
					t.log.Debug().Err(err).Msg("Fail to answer keepalive")
				}
			case frame.Pong:
			default:
				t.parseAndHandle(frame.Data, conn, raddr, handler)
			}
		}
	}
}

func (t *TCPTransport) parseAndHandle(data []byte, conn *TCPConnection, src string, handler MessageHandler) {
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

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := t.pool.Get(raddr.String())
	return c, nil
}

func (t *TCPTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}
	return t.initConnection(conn, raddr.String(), handler), nil
}

type TCPConnection struct {
	net.Conn

	laddr     Addr
	raddr     Addr
	transport string

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) IsReliable() bool { return true }

func (c *TCPConnection) LocalAddr() Addr { return c.laddr }

func (c *TCPConnection) RemoteAddr() Addr { return c.raddr }

func (c *TCPConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("ip", c.raddr.String()).Int("ref", ref).Msg("TCP ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *TCPConnection) WriteMsg(msg sip.Message) error {
	return c.WriteMsgTo(msg, nil)
}

// WriteMsgTo ignores raddr, stream connections have fixed peer.
func (c *TCPConnection) WriteMsgTo(msg sip.Message, _ *Addr) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	data := marshalMsg(msg, buf)
	return c.writeRaw(data)
}

func (c *TCPConnection) writeRaw(data []byte) error {
	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("conn %s write err=%w", c.raddr, err)
	}
	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
