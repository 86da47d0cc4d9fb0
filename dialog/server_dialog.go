package dialog

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/snow2flying/rsipstack/transaction"
)

// RequestHandler lets the TU answer an in-dialog request itself. reply is
// bound to the server transaction carrying the request.
type RequestHandler func(req *sip.Request, reply func(statusCode int, reason string, body []byte) error)

// ServerInviteDialog is the UAS side of an INVITE dialog. The TU decides
// provisional and final responses; ACK for the 2xx is routed in by the
// endpoint through the dialog layer.
type ServerInviteDialog struct {
	inner *DialogInner

	mu        sync.Mutex
	inviteTx  *transaction.Transaction
	onRequest RequestHandler
}

func (d *ServerInviteDialog) ID() DialogID { return d.inner.ID() }

func (d *ServerInviteDialog) Inner() *DialogInner { return d.inner }

// OnRequest installs a handler for in-dialog requests. Without one,
// requests are answered 200 OK after validation.
func (d *ServerInviteDialog) OnRequest(h RequestHandler) {
	d.mu.Lock()
	d.onRequest = h
	d.mu.Unlock()
}

// SendTrying replies 100 on the INVITE transaction.
func (d *ServerInviteDialog) SendTrying() error {
	return d.inviteTransaction().SendTrying()
}

// Progress replies a provisional >100 stamping the local tag, forming an
// early dialog.
func (d *ServerInviteDialog) Progress(statusCode int, reason string, headers []sip.Header, body []byte) error {
	if statusCode <= 100 || statusCode >= 200 {
		return &Error{ID: d.ID(), Reason: "progress needs a 1xx status"}
	}
	if err := d.respond(statusCode, reason, headers, body); err != nil {
		return err
	}
	return d.inner.transitionState(StateEarly)
}

// Accept replies 2xx and waits for the ACK to confirm. The dialog
// broadcasts WaitAck until the endpoint routes the ACK in.
func (d *ServerInviteDialog) Accept(headers []sip.Header, body []byte) error {
	if err := d.respond(200, "OK", headers, body); err != nil {
		return err
	}
	return d.inner.transitionState(StateWaitAck)
}

// Reject answers the INVITE with a final error response and terminates.
func (d *ServerInviteDialog) Reject(statusCode int, reason string) error {
	if statusCode < 300 {
		return &Error{ID: d.ID(), Reason: "reject needs a final error status"}
	}
	if err := d.respond(statusCode, reason, nil, nil); err != nil {
		return err
	}
	d.inner.terminate(terminatedFromStatus(statusCode, false))
	d.inner.layer.remove(d.ID())
	return nil
}

// Bye ends the confirmed dialog from the UAS side.
func (d *ServerInviteDialog) Bye(ctx context.Context) error {
	if !d.inner.IsConfirmed() {
		return &Error{ID: d.ID(), Reason: "dialog not confirmed"}
	}
	req := d.inner.makeRequest(sip.BYE, nil, "")
	res, err := d.inner.doRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return &Error{ID: d.ID(), Reason: "BYE rejected with " + res.StartLine()}
	}
	d.inner.terminate(Terminated{Reason: UasBye})
	d.inner.layer.remove(d.ID())
	return nil
}

// Update and Info mirror the client side helpers for the UAS.
func (d *ServerInviteDialog) Update(ctx context.Context, body []byte, contentType string) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.UPDATE, body, contentType)
	return d.inner.doRequest(ctx, req)
}

func (d *ServerInviteDialog) Info(ctx context.Context, body []byte, contentType string) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.INFO, body, contentType)
	return d.inner.doRequest(ctx, req)
}

func (d *ServerInviteDialog) inviteTransaction() *transaction.Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inviteTx
}

// respond builds the response from the INVITE with the dialog local tag and
// Contact stamped and pushes it through the transaction.
func (d *ServerInviteDialog) respond(statusCode int, reason string, headers []sip.Header, body []byte) error {
	tx := d.inviteTransaction()
	if tx == nil {
		return &Error{ID: d.ID(), Reason: "INVITE transaction gone"}
	}

	res := d.inner.endpoint.MakeResponse(tx.Origin, statusCode, reason, body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.ID().LocalTag)
		}
	}
	d.inner.mu.Lock()
	localContact := d.inner.localContact
	d.inner.mu.Unlock()
	if localContact != nil && statusCode >= 101 {
		res.AppendHeader(&sip.ContactHeader{Address: *localContact.Clone(), Params: sip.NewParams()})
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return tx.Respond(res)
}

// onAck is called by the layer when the endpoint routes in the ACK for the
// 2xx. Entry to Confirmed, after which the INVITE transaction is done.
func (d *ServerInviteDialog) onAck(req *sip.Request) {
	if err := d.inner.checkRemoteSeq(cseqNumber(req)); err != nil {
		d.inner.log.Debug().Err(err).Msg("ACK with stale CSeq")
	}
	d.inner.transitionState(StateConfirmed)
}

// HandleRequest dispatches an in-dialog request received on tx. The remote
// CSeq must be strictly greater than the last seen one for the dialog.
func (d *ServerInviteDialog) HandleRequest(tx *transaction.Transaction) error {
	req := tx.Origin
	if err := d.inner.checkRemoteSeq(cseqNumber(req)); err != nil {
		if rerr := tx.Reply(500, "Server Internal Error"); rerr != nil {
			d.inner.log.Debug().Err(rerr).Msg("fail to reject stale request")
		}
		return err
	}

	reply := func(statusCode int, reason string, body []byte) error {
		return tx.ReplyWith(statusCode, reason, nil, body)
	}

	switch req.Method {
	case sip.BYE:
		if err := reply(200, "OK", nil); err != nil {
			return err
		}
		reason := UacBye
		if d.inner.Role == UAC {
			reason = UasBye
		}
		d.inner.terminate(Terminated{Reason: reason})
		d.inner.layer.remove(d.ID())
		return nil

	case sip.INVITE:
		d.inner.transition(StateEvent{State: StateUpdated, Request: req})
	case sip.UPDATE:
		d.inner.transition(StateEvent{State: StateUpdated, Request: req})
	case sip.INFO:
		d.inner.transition(StateEvent{State: StateInfo, Request: req})
	case sip.NOTIFY:
		d.inner.transition(StateEvent{State: StateNotify, Request: req})
	case sip.OPTIONS:
		d.inner.transition(StateEvent{State: StateOptions, Request: req})
	}

	d.mu.Lock()
	handler := d.onRequest
	d.mu.Unlock()
	if handler != nil {
		handler(req, reply)
		return nil
	}
	return reply(200, "OK", nil)
}

func cseqNumber(req *sip.Request) uint32 {
	if cseq := req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}
