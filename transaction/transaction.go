// Package transaction implements the RFC 3261 transaction layer: one state
// machine per in-flight request driven by a per-transaction event mailbox,
// retransmission timers served from a single priority queue, and the
// endpoint owning the transaction table and message factories.
package transaction

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/snow2flying/rsipstack/transport"
)

// Type of the transaction state machine.
type Type int

const (
	ClientInvite Type = iota
	ClientNonInvite
	ServerInvite
	ServerNonInvite
)

func (t Type) String() string {
	switch t {
	case ClientInvite:
		return "ClientInvite"
	case ClientNonInvite:
		return "ClientNonInvite"
	case ServerInvite:
		return "ServerInvite"
	case ServerNonInvite:
		return "ServerNonInvite"
	}
	return "Unknown"
}

func (t Type) isClient() bool { return t == ClientInvite || t == ClientNonInvite }
func (t Type) isServer() bool { return !t.isClient() }

// State of the transaction. Legal transitions are enforced by canTransition.
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// TimerKind names the RFC 3261 transaction timers driven by the endpoint
// timer service.
type TimerKind int

const (
	TimerA TimerKind = iota // client INVITE retransmit
	TimerB                  // client overall timeout
	TimerD                  // completed wait
	TimerG                  // server INVITE response retransmit
	TimerK                  // confirmed wait
)

func (k TimerKind) String() string {
	switch k {
	case TimerA:
		return "A"
	case TimerB:
		return "B"
	case TimerD:
		return "D"
	case TimerG:
		return "G"
	case TimerK:
		return "K"
	}
	return "?"
}

// TimerPayload is what the endpoint timer queue carries for transactions.
type TimerPayload struct {
	Key      Key
	Kind     TimerKind
	Duration time.Duration
}

// Event is a stimulus delivered to the transaction mailbox. All events,
// network, timer and TU originated, are serialized through one channel so
// the state machine never races.
type Event interface{ isTxEvent() }

type EventReceived struct {
	Msg  sip.Message
	Conn transport.Connection
}

type EventTimer struct {
	Payload TimerPayload
}

type EventRespond struct {
	Res *sip.Response
}

type EventTerminate struct{}

func (EventReceived) isTxEvent()  {}
func (EventTimer) isTxEvent()     {}
func (EventRespond) isTxEvent()   {}
func (EventTerminate) isTxEvent() {}

const mailboxSize = 32

// Transaction is one RFC 3261 transaction state machine. It is constructed
// by the endpoint or the dialog layer, attaches itself to the endpoint table
// on creation and detaches on Terminate.
//
// All state mutation happens on the goroutine driving Send/Receive/Respond;
// the endpoint only enqueues events into the mailbox.
type Transaction struct {
	Type   Type
	Key    Key
	Origin *sip.Request
	// Destination overrides the request URI target when resolving the
	// connection. For datagram transports it is also the send address.
	Destination *transport.Addr

	state        State
	endpoint     *Endpoint
	conn         transport.Connection
	lastResponse *sip.Response
	lastAck      *sip.Request

	events chan Event

	timerA, timerB, timerD, timerG, timerK uint64

	cleanedUp  bool
	terminated chan struct{}

	log zerolog.Logger
}

func newTransaction(txType Type, key Key, origin *sip.Request, endpoint *Endpoint, conn transport.Connection) *Transaction {
	tx := &Transaction{
		Type:       txType,
		Key:        key,
		Origin:     origin,
		endpoint:   endpoint,
		conn:       conn,
		state:      StateCalling,
		events:     make(chan Event, mailboxSize),
		terminated: make(chan struct{}),
		log:        endpoint.log.With().Str("tx", key.String()).Logger(),
	}
	endpoint.attachTransaction(tx.Key, tx.events)
	endpoint.metrics.transactionsCreated.Inc()
	tx.log.Debug().Str("type", txType.String()).Msg("transaction created")
	return tx
}

// NewClient creates a client transaction for origin request.
func NewClient(key Key, origin *sip.Request, endpoint *Endpoint, conn transport.Connection) *Transaction {
	txType := ClientNonInvite
	if origin.IsInvite() {
		txType = ClientInvite
	}
	return newTransaction(txType, key, origin, endpoint, conn)
}

// NewServer creates a server transaction for a received request.
func NewServer(key Key, origin *sip.Request, endpoint *Endpoint, conn transport.Connection) *Transaction {
	txType := ServerNonInvite
	if origin.IsInvite() || origin.IsAck() {
		txType = ServerInvite
	}
	return newTransaction(txType, key, origin, endpoint, conn)
}

func (tx *Transaction) State() State { return tx.state }

func (tx *Transaction) IsTerminated() bool { return tx.state == StateTerminated }

// Connection returns connection this transaction is bound to, nil before Send.
func (tx *Transaction) Connection() transport.Connection { return tx.conn }

// Endpoint returns the endpoint this transaction is attached to.
func (tx *Transaction) Endpoint() *Endpoint { return tx.endpoint }

// LastResponse returns last response sent (server) or received (client).
func (tx *Transaction) LastResponse() *sip.Response { return tx.lastResponse }

// Done closes once the transaction reached Terminated and detached.
func (tx *Transaction) Done() <-chan struct{} { return tx.terminated }

// Terminate requests termination. Safe to call from any goroutine, the
// transition happens on the consuming side.
func (tx *Transaction) Terminate() {
	select {
	case tx.events <- EventTerminate{}:
	default:
	}
}

// Send writes the original request. Valid for client transactions only.
// When no connection is bound yet, the target is resolved through the
// transport layer; for datagram transports the resolved address is kept as
// the send destination.
func (tx *Transaction) Send(ctx context.Context) error {
	if !tx.Type.isClient() {
		return newError(tx.Key, "send is only valid for client transactions")
	}

	if tx.conn == nil {
		conn, resolved, err := tx.endpoint.lookup(ctx, tx.Origin, tx.Destination)
		if err != nil {
			return err
		}
		if !conn.IsReliable() {
			tx.Destination = &resolved
		}
		tx.conn = conn
	}

	// Content-Length must be stamped before hitting the wire.
	if tx.Origin.GetHeader("Content-Length") == nil {
		cl := sip.ContentLengthHeader(len(tx.Origin.Body()))
		tx.Origin.AppendHeader(&cl)
	}

	if err := tx.conn.WriteMsgTo(tx.Origin, tx.Destination); err != nil {
		return &TransportError{Addr: tx.Origin.Destination(), Err: err}
	}
	return tx.transition(StateTrying)
}

// Respond sends a prebuilt response. Valid for server transactions only.
// The requested next state is validated against the legal transition table.
func (tx *Transaction) Respond(res *sip.Response) error {
	if !tx.Type.isServer() {
		return newError(tx.Key, "respond is only valid for server transactions")
	}

	var newState State
	switch {
	case res.IsProvisional():
		if res.StatusCode == sip.StatusTrying {
			newState = StateTrying
		} else {
			newState = StateProceeding
		}
	default:
		if tx.Type == ServerInvite {
			newState = StateCompleted
		} else {
			newState = StateTerminated
		}
	}
	if err := tx.canTransition(newState); err != nil {
		return err
	}

	if tx.conn == nil {
		return newError(tx.Key, "no connection found")
	}
	if err := tx.conn.WriteMsgTo(res, tx.Destination); err != nil {
		return &TransportError{Addr: tx.destString(), Err: err}
	}
	tx.lastResponse = res
	return tx.transition(newState)
}

// ReplyWith builds a response from the original request with extra headers
// and body and sends it. Final responses get a generated To tag when the
// request carried none.
func (tx *Transaction) ReplyWith(statusCode int, reason string, headers []sip.Header, body []byte) error {
	if statusCode >= 200 {
		if to := tx.Origin.To(); to != nil {
			if _, ok := to.Params.Get("tag"); !ok {
				to.Params.Add("tag", sip.GenerateTagN(16))
			}
		}
	}
	res := tx.endpoint.makeResponse(tx.Origin, statusCode, reason, body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return tx.Respond(res)
}

// Reply is quick reply with status code.
func (tx *Transaction) Reply(statusCode int, reason string) error {
	return tx.ReplyWith(statusCode, reason, nil, nil)
}

// SendTrying replies 100 on a server transaction.
func (tx *Transaction) SendTrying() error {
	return tx.Reply(sip.StatusTrying, "Trying")
}

// SendCancel writes cancel over the transaction connection and terminates.
// Valid on client INVITE in Calling/Trying/Proceeding only.
func (tx *Transaction) SendCancel(cancel *sip.Request) error {
	if tx.Type != ClientInvite {
		return newError(tx.Key, "send_cancel is only valid for client invite transactions")
	}
	switch tx.state {
	case StateCalling, StateTrying, StateProceeding:
	default:
		return newError(tx.Key, "invalid state for sending CANCEL %s", tx.state)
	}

	if tx.conn != nil {
		if err := tx.conn.WriteMsgTo(cancel, tx.Destination); err != nil {
			return &TransportError{Addr: cancel.Destination(), Err: err}
		}
	}
	return tx.transition(StateTerminated)
}

// SendAck writes the ACK for a non-2xx final and terminates the client
// INVITE transaction. ACK for 2xx runs over its own transaction.
func (tx *Transaction) SendAck(ack *sip.Request) error {
	if tx.Type != ClientInvite {
		return newError(tx.Key, "send_ack is only valid for client invite transactions")
	}
	if tx.state != StateCompleted {
		return newError(tx.Key, "invalid state for sending ACK %s", tx.state)
	}
	if tx.conn == nil {
		return newError(tx.Key, "no connection found")
	}

	if err := tx.conn.WriteMsgTo(ack, tx.Destination); err != nil {
		return &TransportError{Addr: ack.Destination(), Err: err}
	}
	tx.lastAck = ack
	return tx.transition(StateTerminated)
}

// Receive blocks until the state machine produces the next message for the
// TU. Returns ErrTransactionTerminated when the transaction ended and
// ErrCanceled when ctx is done.
func (tx *Transaction) Receive(ctx context.Context) (sip.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ErrCanceled
		case event, ok := <-tx.events:
			if !ok {
				return nil, ErrTransactionTerminated
			}
			switch ev := event.(type) {
			case EventReceived:
				var msg sip.Message
				switch m := ev.Msg.(type) {
				case *sip.Request:
					msg = tx.onReceivedRequest(m, ev.Conn)
				case *sip.Response:
					msg = tx.onReceivedResponse(m)
				}
				if msg != nil {
					return msg, nil
				}
			case EventTimer:
				if err := tx.onTimer(ev.Payload); err != nil {
					tx.log.Debug().Err(err).Msg("timer handling error")
				}
			case EventRespond:
				if err := tx.Respond(ev.Res); err != nil {
					tx.log.Debug().Err(err).Msg("respond error")
				}
			case EventTerminate:
				tx.transition(StateTerminated)
				return nil, ErrTransactionTerminated
			}
		}
	}
}

func (tx *Transaction) informTUResponse(res *sip.Response) {
	select {
	case tx.events <- EventReceived{Msg: res}:
	default:
		tx.log.Warn().Msg("mailbox full, dropping synthesized response")
	}
}

func (tx *Transaction) onReceivedRequest(req *sip.Request, conn transport.Connection) sip.Message {
	if tx.Type.isClient() {
		return nil
	}
	if tx.conn == nil && conn != nil {
		tx.conn = conn
	}

	if req.IsCancel() {
		switch tx.state {
		case StateTrying, StateProceeding, StateCompleted:
			if tx.conn != nil {
				res := tx.endpoint.makeResponse(req, sip.StatusOK, "OK", nil)
				if err := tx.conn.WriteMsgTo(res, tx.Destination); err != nil {
					tx.log.Debug().Err(err).Msg("fail to reply 200 on CANCEL")
				}
			}
			// CANCEL goes up so the TU can answer the INVITE with 487.
			return req
		default:
			if tx.conn != nil {
				res := tx.endpoint.makeResponse(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
				if err := tx.conn.WriteMsgTo(res, tx.Destination); err != nil {
					tx.log.Debug().Err(err).Msg("fail to reply 481 on CANCEL")
				}
			}
		}
		return nil
	}

	switch tx.state {
	case StateTrying, StateProceeding:
		// Request retransmission, replay the last response.
		if tx.lastResponse != nil {
			if err := tx.Respond(tx.lastResponse); err != nil {
				tx.log.Debug().Err(err).Msg("fail to replay response")
			}
			tx.endpoint.metrics.retransmissions.Inc()
		}
	case StateCompleted:
		if req.IsAck() {
			tx.transition(StateConfirmed)
			return req
		}
		// Retransmitted request after final, replay it.
		if tx.lastResponse != nil && tx.conn != nil {
			if err := tx.conn.WriteMsgTo(tx.lastResponse, tx.Destination); err != nil {
				tx.log.Debug().Err(err).Msg("fail to replay final response")
			}
			tx.endpoint.metrics.retransmissions.Inc()
		}
	}
	return nil
}

func (tx *Transaction) onReceivedResponse(res *sip.Response) sip.Message {
	if tx.Type.isServer() {
		return nil
	}

	var newState State
	switch {
	case res.IsProvisional():
		if res.StatusCode == sip.StatusTrying {
			newState = StateTrying
		} else {
			newState = StateProceeding
		}
	default:
		if tx.Type == ClientInvite {
			newState = StateCompleted
		} else {
			newState = StateTerminated
		}
	}

	if err := tx.canTransition(newState); err != nil {
		return nil
	}
	if tx.state == newState {
		// Response retransmission, already reported to TU.
		return nil
	}

	tx.lastResponse = res
	tx.transition(newState)
	return res
}

func (tx *Transaction) onTimer(t TimerPayload) error {
	switch tx.state {
	case StateTrying:
		if !tx.Type.isClient() {
			return nil
		}
		switch t.Kind {
		case TimerA:
			// Resend the original request, then double up to T1x64.
			if tx.conn != nil {
				if err := tx.conn.WriteMsgTo(tx.Origin, tx.Destination); err != nil {
					return &TransportError{Addr: tx.Origin.Destination(), Err: err}
				}
				tx.endpoint.metrics.retransmissions.Inc()
			}
			next := t.Duration * 2
			if next > tx.endpoint.option.T1x64 {
				next = tx.endpoint.option.T1x64
			}
			tx.timerA = tx.endpoint.timers.Timeout(next, TimerPayload{Key: tx.Key, Kind: TimerA, Duration: next})
		case TimerB:
			tx.endpoint.metrics.timeouts.Inc()
			tx.informTUResponse(tx.endpoint.makeResponse(tx.Origin, 408, "Request Timeout", nil))
		}

	case StateProceeding:
		if t.Kind == TimerB {
			tx.endpoint.metrics.timeouts.Inc()
			tx.informTUResponse(tx.endpoint.makeResponse(tx.Origin, 408, "Request Timeout", nil))
		}

	case StateCompleted:
		switch t.Kind {
		case TimerG:
			// Retransmit last final until ACK arrives.
			if tx.lastResponse != nil && tx.conn != nil {
				if err := tx.conn.WriteMsgTo(tx.lastResponse, tx.Destination); err != nil {
					return &TransportError{Addr: tx.destString(), Err: err}
				}
				tx.endpoint.metrics.retransmissions.Inc()
			}
			next := t.Duration * 2
			if next > tx.endpoint.option.T1x64 {
				next = tx.endpoint.option.T1x64
			}
			tx.timerG = tx.endpoint.timers.Timeout(next, TimerPayload{Key: tx.Key, Kind: TimerG, Duration: next})
		case TimerD:
			return tx.transition(StateTerminated)
		}

	case StateConfirmed:
		if t.Kind == TimerK {
			return tx.transition(StateTerminated)
		}
	}
	return nil
}

func (tx *Transaction) canTransition(target State) error {
	from, to := tx.state, target
	switch {
	case from == StateCalling && (to == StateTrying || to == StateProceeding || to == StateCompleted || to == StateTerminated),
		from == StateTrying && (to == StateTrying || to == StateProceeding || to == StateCompleted || to == StateConfirmed || to == StateTerminated),
		from == StateProceeding && (to == StateCompleted || to == StateConfirmed || to == StateTerminated),
		from == StateCompleted && (to == StateConfirmed || to == StateTerminated),
		from == StateConfirmed && to == StateTerminated:
		return nil
	}
	return newError(tx.Key, "invalid state transition from %s to %s", from, to)
}

func (tx *Transaction) transition(state State) error {
	if tx.state == state {
		return nil
	}

	switch state {
	case StateTrying:
		if tx.conn == nil {
			return newError(tx.Key, "no connection found")
		}
		if tx.Type.isClient() && !tx.conn.IsReliable() {
			tx.cancelTimer(&tx.timerA)
			tx.timerA = tx.endpoint.timers.Timeout(tx.endpoint.option.T1,
				TimerPayload{Key: tx.Key, Kind: TimerA, Duration: tx.endpoint.option.T1})
		}
		tx.cancelTimer(&tx.timerB)
		tx.timerB = tx.endpoint.timers.Timeout(tx.endpoint.option.T1x64,
			TimerPayload{Key: tx.Key, Kind: TimerB})

	case StateProceeding:
		tx.cancelTimer(&tx.timerA)
		tx.cancelTimer(&tx.timerB)
		tx.timerB = tx.endpoint.timers.Timeout(tx.endpoint.option.T1x64,
			TimerPayload{Key: tx.Key, Kind: TimerB})

	case StateCompleted:
		tx.cancelTimer(&tx.timerA)
		tx.cancelTimer(&tx.timerB)

		reliable := tx.conn != nil && tx.conn.IsReliable()
		if tx.Type == ServerInvite && !reliable {
			tx.timerG = tx.endpoint.timers.Timeout(tx.endpoint.option.T1,
				TimerPayload{Key: tx.Key, Kind: TimerG, Duration: tx.endpoint.option.T1})
		}

		// Timer D absorbs response retransmissions. Zero wait on reliable
		// transports for the client side.
		timerD := tx.endpoint.option.T1x64
		if tx.Type == ClientInvite && reliable {
			timerD = 0
		}
		tx.timerD = tx.endpoint.timers.Timeout(timerD,
			TimerPayload{Key: tx.Key, Kind: TimerD})

	case StateConfirmed:
		tx.cancelAllTimers()
		tx.timerK = tx.endpoint.timers.Timeout(tx.endpoint.option.T4,
			TimerPayload{Key: tx.Key, Kind: TimerK})

	case StateTerminated:
		tx.cleanup()
		// Wake up a pending Receive.
		select {
		case tx.events <- EventTerminate{}:
		default:
		}
	}

	tx.log.Debug().Str("from", tx.state.String()).Str("to", state.String()).Msg("transition")
	tx.state = state
	return nil
}

func (tx *Transaction) destString() string {
	if tx.Destination != nil {
		return tx.Destination.String()
	}
	if tx.conn != nil {
		return tx.conn.RemoteAddr().String()
	}
	return ""
}

func (tx *Transaction) cancelTimer(id *uint64) {
	if *id != 0 {
		tx.endpoint.timers.Cancel(*id)
		*id = 0
	}
}

func (tx *Transaction) cancelAllTimers() {
	tx.cancelTimer(&tx.timerA)
	tx.cancelTimer(&tx.timerB)
	tx.cancelTimer(&tx.timerD)
	tx.cancelTimer(&tx.timerG)
	tx.cancelTimer(&tx.timerK)
}

// cleanup cancels timers, detaches from the endpoint and leaves the last
// message with it so duplicates can still be answered statelessly.
func (tx *Transaction) cleanup() {
	if tx.cleanedUp {
		return
	}
	tx.cleanedUp = true
	tx.cancelAllTimers()

	var lastMessage sip.Message
	switch tx.Type {
	case ClientInvite:
		if tx.lastAck != nil {
			lastMessage = tx.lastAck
		}
	case ServerNonInvite:
		if tx.lastResponse != nil {
			lastMessage = tx.lastResponse
		}
	}
	tx.endpoint.detachTransaction(tx.Key, lastMessage)
	tx.endpoint.metrics.transactionsTerminated.Inc()
	close(tx.terminated)
	tx.log.Debug().Msg("transaction terminated")
}
