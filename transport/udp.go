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

var (
	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// UDPTransport
type UDPTransport struct {
	parser *sip.Parser

	pool      ConnectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(par *sip.Parser) *UDPTransport {
	t := &UDPTransport{
		parser: par,
		pool:   NewConnectionPool(),
	}
	t.log = log.Logger.With().Str("caller", "transport<UDP>").Logger()
	return t
}

func (t *UDPTransport) String() string {
	return "transport<UDP>"
}

func (t *UDPTransport) Network() string {
	return TransportUDP
}

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
	return nil
}

// Serve reads datagrams from conn until it closes. One datagram is exactly
// one SIP message.
func (t *UDPTransport) Serve(conn net.PacketConn, handler MessageHandler) error {
	laddr, err := ParseAddr(TransportUDP, conn.LocalAddr().String())
	if err != nil {
		return err
	}

	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr())
	c := &UDPConnection{PacketConn: conn, laddr: laddr}
	t.listeners = append(t.listeners, c)

	t.readListener(c, handler)
	return nil
}

func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	// Single listener connection can serve any peer on the same network.
	for _, l := range t.listeners {
		return l, nil
	}
	if conn := t.pool.Get(addr); conn != nil {
		return conn, nil
	}
	return nil, nil
}

func (t *UDPTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	// Prefer sending from the listener socket so responses come back to it.
	if c, _ := t.GetConnection(raddr.String()); c != nil {
		return c, nil
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	laddr, _ := ParseAddr(TransportUDP, conn.LocalAddr().String())
	c := &UDPConnection{Conn: conn, laddr: laddr, raddr: raddr, refcount: 1}
	t.log.Debug().Str("raddr", raddr.String()).Msg("New connection")
	t.pool.Add(raddr.String(), c)
	go t.readConnected(c, handler)
	return c, nil
}

func (t *UDPTransport) readListener(conn *UDPConnection, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, conn, raddr.String(), handler)
	}
}

func (t *UDPTransport) readConnected(conn *UDPConnection, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)
	raddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, raddr)
	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, conn, raddr, handler)
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, conn *UDPConnection, src string, handler MessageHandler) {
	msg, err := t.parser.ParseSIP(data) // Very expensive operation
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}
	raddr, err := ParseAddr(TransportUDP, src)
	if err != nil {
		t.log.Error().Err(err).Str("src", src).Msg("failed to parse source addr")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg, conn, raddr)
}

// UDPConnection wraps either a listener PacketConn or a connected Conn.
type UDPConnection struct {
	// listener mode
	PacketConn net.PacketConn
	// connected mode
	Conn net.Conn

	laddr Addr
	raddr Addr

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) IsReliable() bool { return false }

func (c *UDPConnection) LocalAddr() Addr { return c.laddr }

func (c *UDPConnection) RemoteAddr() Addr { return c.raddr }

func (c *UDPConnection) Ref(i int) {
	// For listeners refcount is not used
	if c.PacketConn != nil {
		return
	}
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *UDPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	if c.PacketConn != nil {
		return c.PacketConn.Close()
	}
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.PacketConn != nil {
		return 0, nil
	}
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("ip", c.raddr.String()).Int("ref", ref).Msg("UDP ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	return c.PacketConn.ReadFrom(b)
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	return c.Conn.Read(b)
}

func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	return c.WriteMsgTo(msg, nil)
}

func (c *UDPConnection) WriteMsgTo(msg sip.Message, raddr *Addr) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	data := marshalMsg(msg, buf)

	if len(data) > UDPMTUSize {
		return ErrUDPMTUCongestion
	}

	var (
		n   int
		err error
	)
	switch {
	case c.PacketConn != nil:
		if raddr == nil {
			return fmt.Errorf("udp listener write: no destination")
		}
		var udst *net.UDPAddr
		udst, err = net.ResolveUDPAddr("udp", raddr.String())
		if err != nil {
			return fmt.Errorf("resolve destination %s err=%w", raddr, err)
		}
		n, err = c.PacketConn.WriteTo(data, udst)
	default:
		n, err = c.Conn.Write(data)
	}
	if err != nil {
		return fmt.Errorf("udp conn %s write err=%w", c.laddr, err)
	}
	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
