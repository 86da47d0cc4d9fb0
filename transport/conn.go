package transport

import (
	"bytes"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Connection is a single send/receive channel toward a peer. The endpoint
// does not know whether the concrete transport is datagram or stream; it
// only relies on IsReliable to pick retransmission behavior.
type Connection interface {
	// WriteMsg marshals message and sends to socket
	WriteMsg(msg sip.Message) error
	// WriteMsgTo sends toward raddr. Datagram transports MUST honor raddr,
	// stream transports ignore it. With nil raddr a connection sends to its
	// own peer; a datagram listener has none and returns an error.
	WriteMsgTo(msg sip.Message, raddr *Addr) error

	IsReliable() bool
	LocalAddr() Addr
	RemoteAddr() Addr

	// Reference of connection can be increased/decreased to prevent closing too early
	Ref(i int)
	// TryClose decreases reference and if ref = 0 closes connection. Returns last ref.
	TryClose() (int, error)
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		b := new(bytes.Buffer)
		return b
	},
}

func marshalMsg(msg sip.Message, buf *bytes.Buffer) []byte {
	buf.Reset()
	msg.StringWrite(buf)
	return buf.Bytes()
}
