package transaction

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snow2flying/rsipstack/transport"
)

const (
	// timerResolution is how often the endpoint loop drains the timer queue.
	timerResolution = 20 * time.Millisecond

	incomingQueueSize = 16
)

// Option is the process wide endpoint configuration.
type Option struct {
	// T1 initial retransmit interval. RFC 3261 default 500ms.
	T1 time.Duration
	// T1x64 overall transaction timeout and Timer D duration.
	T1x64 time.Duration
	// T4 maximum transport lifetime of a message, Timer K duration.
	T4 time.Duration
	// UserAgent identifying string stamped on built messages.
	UserAgent string
	// CallIDSuffix is appended to generated Call-IDs to aid cross host
	// correlation.
	CallIDSuffix string
}

// EndpointOption configures the endpoint, teacher style functional options.
type EndpointOption func(e *Endpoint)

func WithUserAgent(ua string) EndpointOption {
	return func(e *Endpoint) { e.option.UserAgent = ua }
}

func WithTransportLayer(tpl *transport.Layer) EndpointOption {
	return func(e *Endpoint) { e.tpl = tpl }
}

func WithT1(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		e.option.T1 = d
		e.option.T1x64 = 64 * d
	}
}

func WithT1x64(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.option.T1x64 = d }
}

func WithT4(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.option.T4 = d }
}

func WithCallIDSuffix(s string) EndpointOption {
	return func(e *Endpoint) { e.option.CallIDSuffix = s }
}

// finishedEntry keeps the last message of a terminated transaction around so
// late duplicates can still be answered statelessly.
type finishedEntry struct {
	msg     sip.Message
	expires time.Time
}

// Endpoint owns the transport layer, the timer service and the transaction
// table. It constructs well formed requests and responses and routes
// incoming messages onto transaction mailboxes.
type Endpoint struct {
	option Option
	tpl    *transport.Layer
	timers *Timer[TimerPayload]

	txMu sync.RWMutex
	txs  map[Key]chan<- Event

	finishedMu sync.Mutex
	finished   map[Key]finishedEntry

	incoming chan *Transaction

	// ackHandler routes ACK for 2xx, which is no transaction message, to
	// the dialog layer.
	ackMu      sync.RWMutex
	ackHandler func(req *sip.Request, conn transport.Connection)

	metrics *endpointMetrics
	log     zerolog.Logger
}

// NewEndpoint builds endpoint with defaults: T1=500ms, T1x64=32s, T4=5s.
func NewEndpoint(options ...EndpointOption) *Endpoint {
	e := &Endpoint{
		option: Option{
			T1:        500 * time.Millisecond,
			T1x64:     32 * time.Second,
			T4:        5 * time.Second,
			UserAgent: "rsipstack",
		},
		timers:   NewTimer[TimerPayload](),
		txs:      make(map[Key]chan<- Event),
		finished: make(map[Key]finishedEntry),
		incoming: make(chan *Transaction, incomingQueueSize),
		metrics:  defaultMetrics,
	}
	e.log = log.Logger.With().Str("caller", "endpoint").Logger()

	for _, o := range options {
		o(e)
	}
	if e.tpl == nil {
		e.tpl = transport.NewLayer(net.DefaultResolver, sip.NewParser(), nil)
	}
	e.tpl.OnMessage(e.onMessage)
	return e
}

// TransportLayer exposes the owned transport layer.
func (e *Endpoint) TransportLayer() *transport.Layer { return e.tpl }

// Timers exposes the timer service the transactions schedule on.
func (e *Endpoint) Timers() *Timer[TimerPayload] { return e.timers }

func (e *Endpoint) Option() Option { return e.option }

// Incoming delivers fresh server transactions to the TU.
func (e *Endpoint) Incoming() <-chan *Transaction { return e.incoming }

// OnAck registers dialog layer routing for ACK to 2xx.
func (e *Endpoint) OnAck(h func(req *sip.Request, conn transport.Connection)) {
	e.ackMu.Lock()
	e.ackHandler = h
	e.ackMu.Unlock()
}

// Serve runs the endpoint main loop: drain expired timers onto transaction
// mailboxes every tick, prune stateless duplicate answers. Blocks until ctx
// is done, then terminates every attached transaction.
func (e *Endpoint) Serve(ctx context.Context) {
	ticker := time.NewTicker(timerResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case now := <-ticker.C:
			for _, payload := range e.timers.Poll(now) {
				e.txMu.RLock()
				mailbox, ok := e.txs[payload.Key]
				e.txMu.RUnlock()
				if !ok {
					continue
				}
				select {
				case mailbox <- EventTimer{Payload: payload}:
				default:
					e.log.Warn().Str("tx", payload.Key.String()).Msg("mailbox full, dropping timer event")
				}
			}
			e.pruneFinished(now)
		}
	}
}

func (e *Endpoint) shutdown() {
	e.txMu.RLock()
	mailboxes := make([]chan<- Event, 0, len(e.txs))
	for _, mailbox := range e.txs {
		mailboxes = append(mailboxes, mailbox)
	}
	e.txMu.RUnlock()
	for _, mailbox := range mailboxes {
		select {
		case mailbox <- EventTerminate{}:
		default:
		}
	}
	e.tpl.Close()
}

func (e *Endpoint) attachTransaction(key Key, mailbox chan<- Event) {
	e.txMu.Lock()
	e.txs[key] = mailbox
	e.txMu.Unlock()
	e.metrics.activeTransactions.Inc()
}

func (e *Endpoint) detachTransaction(key Key, lastMessage sip.Message) {
	e.txMu.Lock()
	delete(e.txs, key)
	e.txMu.Unlock()
	e.metrics.activeTransactions.Dec()

	if lastMessage != nil {
		e.finishedMu.Lock()
		e.finished[key] = finishedEntry{msg: lastMessage, expires: time.Now().Add(e.option.T1x64)}
		e.finishedMu.Unlock()
	}
}

func (e *Endpoint) pruneFinished(now time.Time) {
	e.finishedMu.Lock()
	for key, entry := range e.finished {
		if now.After(entry.expires) {
			delete(e.finished, key)
		}
	}
	e.finishedMu.Unlock()
}

func (e *Endpoint) lastMessage(key Key) sip.Message {
	e.finishedMu.Lock()
	defer e.finishedMu.Unlock()
	if entry, ok := e.finished[key]; ok {
		return entry.msg
	}
	return nil
}

// onMessage routes every message decoded by the transport layer.
func (e *Endpoint) onMessage(msg sip.Message, conn transport.Connection, raddr transport.Addr) {
	switch m := msg.(type) {
	case *sip.Request:
		e.onRequest(m, conn, raddr)
	case *sip.Response:
		e.onResponse(m, conn)
	}
}

func (e *Endpoint) onRequest(req *sip.Request, conn transport.Connection, raddr transport.Addr) {
	key, err := KeyFromRequest(req, RoleServer)
	if err != nil {
		e.log.Debug().Err(err).Msg("dropping request without transaction key")
		return
	}

	e.txMu.RLock()
	mailbox, attached := e.txs[key]
	e.txMu.RUnlock()
	if attached {
		select {
		case mailbox <- EventReceived{Msg: req, Conn: conn}:
		default:
			e.log.Warn().Str("tx", key.String()).Msg("mailbox full, dropping request")
		}
		return
	}

	// A terminated server non-INVITE leaves its final response behind,
	// replay it on request retransmission.
	if last := e.lastMessage(key); last != nil {
		if res, ok := last.(*sip.Response); ok {
			dest, derr := addrFromVia(req)
			if derr == nil {
				if err := conn.WriteMsgTo(res, &dest); err != nil {
					e.log.Debug().Err(err).Msg("fail to replay response for duplicate")
				}
				e.metrics.retransmissions.Inc()
			}
			return
		}
	}

	switch req.Method {
	case sip.ACK:
		// ACK for 2xx carries a fresh branch and is end to end; hand it
		// to the dialog layer.
		e.ackMu.RLock()
		h := e.ackHandler
		e.ackMu.RUnlock()
		if h != nil {
			h(req, conn)
			return
		}
		e.log.Debug().Msg("dropping ACK without handler")

	case sip.CANCEL:
		// CANCEL matches the INVITE transaction through the same branch.
		inviteKey, kerr := KeyFromRequestAsMethod(req, RoleServer, sip.INVITE)
		if kerr == nil {
			e.txMu.RLock()
			inviteMailbox, ok := e.txs[inviteKey]
			e.txMu.RUnlock()
			if ok {
				select {
				case inviteMailbox <- EventReceived{Msg: req, Conn: conn}:
				default:
					e.log.Warn().Str("tx", inviteKey.String()).Msg("mailbox full, dropping CANCEL")
				}
				return
			}
		}
		// No matching transaction, answer statelessly.
		res := e.makeResponse(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		dest, derr := addrFromVia(req)
		if derr == nil {
			if err := conn.WriteMsgTo(res, &dest); err != nil {
				e.log.Debug().Err(err).Msg("fail to reply 481 on CANCEL")
			}
		}

	default:
		tx := NewServer(key, req, e, conn)
		if dest, derr := addrFromVia(req); derr == nil {
			tx.Destination = &dest
		}
		select {
		case e.incoming <- tx:
		default:
			e.log.Warn().Msg("incoming queue full, dropping request")
			tx.Terminate()
		}
	}
}

func (e *Endpoint) onResponse(res *sip.Response, conn transport.Connection) {
	key, err := KeyFromResponse(res, RoleClient)
	if err != nil {
		e.log.Debug().Err(err).Msg("dropping response without transaction key")
		return
	}

	e.txMu.RLock()
	mailbox, attached := e.txs[key]
	e.txMu.RUnlock()
	if attached {
		select {
		case mailbox <- EventReceived{Msg: res, Conn: conn}:
		default:
			e.log.Warn().Str("tx", key.String()).Msg("mailbox full, dropping response")
		}
		return
	}

	// A terminated client INVITE leaves its ACK behind, answer a
	// retransmitted final with it.
	if last := e.lastMessage(key); last != nil {
		if ack, ok := last.(*sip.Request); ok && res.StatusCode >= 200 {
			var dest *transport.Addr
			if src, serr := transport.ParseAddr(res.Transport(), res.Source()); serr == nil {
				dest = &src
			}
			if err := conn.WriteMsgTo(ack, dest); err != nil {
				e.log.Debug().Err(err).Msg("fail to replay ACK for duplicate final")
			}
			e.metrics.retransmissions.Inc()
			return
		}
	}
	e.log.Debug().Int("status", res.StatusCode).Msg("dropping response without matching transaction")
}

// lookup resolves the connection for a client request. An explicit
// destination wins over the request URI.
func (e *Endpoint) lookup(ctx context.Context, req *sip.Request, dest *transport.Addr) (transport.Connection, transport.Addr, error) {
	if dest != nil {
		network := dest.Network
		if network == "" {
			network = req.Transport()
		}
		if c, err := e.tpl.GetConnection(network, dest.String()); err == nil && c != nil {
			return c, *dest, nil
		}
		c, err := e.tpl.CreateConnection(ctx, network, *dest)
		if err != nil {
			return nil, transport.Addr{}, &TransportError{Addr: dest.String(), Err: err}
		}
		return c, *dest, nil
	}

	// Loose routing: the first Route entry is the next hop.
	uri := &req.Recipient
	if h := req.GetHeader("Route"); h != nil {
		if route, ok := h.(*sip.RouteHeader); ok {
			uri = &route.Address
		}
	}
	conn, resolved, err := e.tpl.Lookup(ctx, uri)
	if err != nil {
		return nil, transport.Addr{}, &TransportError{Addr: uri.String(), Err: err}
	}
	return conn, resolved, nil
}

// MakeVia builds the endpoint Via hop. When addr is nil the first UDP listen
// address of the transport layer is used, or 127.0.0.1:5060 when there is
// none. The branch is fresh and rport is
// requested per RFC 3581.
func (e *Endpoint) MakeVia(addr *transport.Addr) *sip.ViaHeader {
	var hop transport.Addr
	switch {
	case addr != nil:
		hop = *addr
	default:
		if a, ok := e.tpl.ListenAddr(transport.TransportUDP); ok {
			hop = a
		} else {
			hop = transport.Addr{Network: transport.TransportUDP, Host: "127.0.0.1", Port: 5060}
		}
	}

	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(hop.Network),
		Host:            hop.Host,
		Port:            hop.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()).Add("rport", ""),
	}
}

// MakeRequest constructs a well formed request: Via, Call-ID, From, To,
// CSeq, Max-Forwards and User-Agent in RFC 3261 recommended order.
func (e *Endpoint) MakeRequest(method sip.RequestMethod, recipient sip.Uri, via *sip.ViaHeader, from *sip.FromHeader, to *sip.ToHeader, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(via)

	callID := sip.CallIDHeader(e.makeCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(sip.NewHeader("User-Agent", e.option.UserAgent))
	req.SetTransport(strings.ToUpper(via.Transport))
	return req
}

// MakeResponse constructs a response copying exactly Via, Call-ID, From,
// To, CSeq and Max-Forwards from the request and adding User-Agent; every
// other request header is dropped.
func (e *Endpoint) MakeResponse(req *sip.Request, statusCode int, reason string, body []byte) *sip.Response {
	return e.makeResponse(req, statusCode, reason, body)
}

func (e *Endpoint) makeResponse(req *sip.Request, statusCode int, reason string, body []byte) *sip.Response {
	res := sip.NewResponse(statusCode, reason)
	for _, h := range req.GetHeaders("Via") {
		res.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.From(); h != nil {
		res.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.To(); h != nil {
		res.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.GetHeader("Max-Forwards"); h != nil {
		res.AppendHeader(sip.HeaderClone(h))
	}
	res.AppendHeader(sip.NewHeader("User-Agent", e.option.UserAgent))
	if body != nil {
		res.SetBody(body)
	}
	res.SetTransport(req.Transport())
	res.SetDestination(req.Source())
	return res
}

func (e *Endpoint) makeCallID() string {
	id := uuid.NewString()
	if e.option.CallIDSuffix != "" {
		return id + e.option.CallIDSuffix
	}
	return id
}
