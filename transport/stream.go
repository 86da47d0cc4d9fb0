package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// KeepaliveRequest and KeepaliveResponse are the CRLF keepalive byte
	// sequences exchanged on stream transports outside of SIP messages.
	// RFC 5626 4.4.1
	KeepaliveRequest  = []byte("\r\n\r\n")
	KeepaliveResponse = []byte("\r\n")

	crlfcrlf = []byte("\r\n\r\n")

	ErrStreamMessageTooLarge = errors.New("SIP message larger than stream buffer")
)

// StreamDecoder frames SIP messages out of a stream byte sequence.
// Messages are framed by Content-Length; keepalive ping (4 bytes) and
// pong (2 bytes) are recognized only between messages and consumed.
type StreamDecoder struct {
	buf []byte
}

// Write appends raw stream bytes to the decode buffer.
func (d *StreamDecoder) Write(data []byte) error {
	if len(d.buf)+len(data) > transportBufferSize {
		return ErrStreamMessageTooLarge
	}
	d.buf = append(d.buf, data...)
	return nil
}

// Frame is one decode result. Exactly one of the fields is meaningful.
type Frame struct {
	// Data holds a full SIP message, headers and body.
	Data []byte
	// Ping is set when a keepalive request was consumed. The reader must
	// answer with KeepaliveResponse.
	Ping bool
	// Pong is set when a keepalive response was consumed.
	Pong bool
}

// Next removes and returns the next frame from the buffer.
// Returns ok=false when more stream data is needed.
func (d *StreamDecoder) Next() (f Frame, ok bool, err error) {
	if bytes.HasPrefix(d.buf, KeepaliveRequest) {
		d.buf = d.buf[len(KeepaliveRequest):]
		return Frame{Ping: true}, true, nil
	}
	if bytes.HasPrefix(d.buf, KeepaliveResponse) {
		d.buf = d.buf[len(KeepaliveResponse):]
		return Frame{Pong: true}, true, nil
	}

	sep := bytes.Index(d.buf, crlfcrlf)
	if sep < 0 {
		return Frame{}, false, nil
	}

	clen, err := parseContentLength(d.buf[:sep])
	if err != nil {
		// Resync by dropping the broken head section.
		d.buf = d.buf[sep+len(crlfcrlf):]
		return Frame{}, false, err
	}

	total := sep + len(crlfcrlf) + clen
	if len(d.buf) < total {
		return Frame{}, false, nil
	}

	data := make([]byte, total)
	copy(data, d.buf[:total])
	d.buf = d.buf[total:]
	return Frame{Data: data}, true, nil
}

func parseContentLength(head []byte) (int, error) {
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		switch name {
		case "Content-Length", "content-length", "l":
		default:
			continue
		}
		v := string(bytes.TrimSpace(line[colon+1:]))
		clen, err := strconv.Atoi(v)
		if err != nil || clen < 0 {
			return 0, fmt.Errorf("malformed Content-Length %q", v)
		}
		return clen, nil
	}
	// No Content-Length means no body on stream transports.
	return 0, nil
}
