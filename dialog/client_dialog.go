package dialog

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/snow2flying/rsipstack/transaction"
)

// ClientInviteDialog is the UAC side of an INVITE dialog.
type ClientInviteDialog struct {
	inner *DialogInner

	mu       sync.Mutex
	inviteTx *transaction.Transaction
	canceled bool
}

func (d *ClientInviteDialog) ID() DialogID { return d.inner.ID() }

func (d *ClientInviteDialog) Inner() *DialogInner { return d.inner }

// ProcessInvite drives the INVITE transaction to a final response and
// returns the resulting dialog id. 1xx responses with a to tag form early
// dialogs, a 2xx confirms the dialog and is ACKed over a fresh transaction,
// a digest challenge is answered once when a credential is present.
func (d *ClientInviteDialog) ProcessInvite(ctx context.Context, tx *transaction.Transaction) (DialogID, *sip.Response, error) {
	d.mu.Lock()
	d.inviteTx = tx
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inviteTx = nil
		d.mu.Unlock()
	}()

	d.inner.transitionState(StateCalling)
	if err := tx.Send(ctx); err != nil {
		d.inner.terminate(Terminated{Reason: ReasonError, Err: err.Error()})
		return d.ID(), nil, err
	}
	d.inner.transitionState(StateTrying)

	authSent := false
	for {
		msg, err := tx.Receive(ctx)
		if err != nil {
			d.mu.Lock()
			canceled := d.canceled
			d.mu.Unlock()
			if canceled {
				d.inner.terminate(Terminated{Reason: UacCancel})
				return d.ID(), nil, nil
			}
			d.inner.terminate(Terminated{Reason: ReasonError, Err: err.Error()})
			return d.ID(), nil, err
		}

		res, ok := msg.(*sip.Response)
		if !ok {
			continue
		}

		switch {
		case res.StatusCode == sip.StatusTrying:
			continue

		case res.IsProvisional():
			toTag := ""
			if to := res.To(); to != nil {
				toTag, _ = to.Params.Get("tag")
			}
			if toTag == "" {
				continue
			}
			old, id, changed := d.inner.setRemoteTag(toTag)
			if changed {
				d.inner.layer.updateDialogID(old, id, d)
			}
			d.inner.transition(StateEvent{ID: id, State: StateEarly, Response: res})

		case res.IsSuccess():
			old, id, changed := d.inner.setRemoteTag(responseToTag(res))
			if changed {
				d.inner.layer.updateDialogID(old, id, d)
			}
			d.inner.updateTargets(contactHeader(res), res.GetHeaders("Record-Route"))

			ack := d.makeAck2xx(res)
			if err := d.fireAck(ctx, ack); err != nil {
				d.inner.log.Debug().Err(err).Msg("fail to send ACK")
			}
			d.inner.transition(StateEvent{ID: id, State: StateConfirmed})
			return id, res, nil

		case (res.StatusCode == 401 || res.StatusCode == 407) && d.inner.credential != nil && !authSent:
			seq := d.inner.incrementLocalSeq()
			newTx, aerr := handleClientAuthenticate(seq, tx, res, d.inner.credential)
			if aerr != nil {
				d.inner.terminate(Terminated{Reason: ReasonError, Err: aerr.Error()})
				return d.ID(), res, aerr
			}
			tx.Terminate()
			tx = newTx
			d.mu.Lock()
			d.inviteTx = tx
			d.mu.Unlock()
			if err := tx.Send(ctx); err != nil {
				d.inner.terminate(Terminated{Reason: ReasonError, Err: err.Error()})
				return d.ID(), nil, err
			}
			authSent = true

		default:
			// Final non-2xx: ACK through the same transaction and close.
			// A synthesized timeout never hit the wire and gets no ACK.
			if res.Source() != "" {
				if ack := makeAckNon2xx(tx.Origin, res); ack != nil {
					if err := tx.SendAck(ack); err != nil {
						d.inner.log.Debug().Err(err).Msg("fail to ACK final response")
					}
				}
			}
			d.inner.terminate(terminatedFromStatus(res.StatusCode, d.isCanceled()))
			return d.ID(), res, nil
		}
	}
}

func (d *ClientInviteDialog) isCanceled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled
}

// Cancel aborts a pending INVITE. The CANCEL copies the INVITE top Via so
// it matches the INVITE transaction at the peer, and runs over its own
// client transaction. RFC 3261 9.1.
func (d *ClientInviteDialog) Cancel(ctx context.Context) error {
	d.mu.Lock()
	tx := d.inviteTx
	d.canceled = true
	d.mu.Unlock()

	if tx == nil || d.inner.IsConfirmed() {
		return &Error{ID: d.ID(), Reason: "no pending INVITE to cancel"}
	}

	cancel := makeCancel(tx.Origin)
	key, err := transaction.KeyFromRequest(cancel, transaction.RoleClient)
	if err != nil {
		return err
	}
	cancelTx := transaction.NewClient(key, cancel, d.inner.endpoint, tx.Connection())
	cancelTx.Destination = tx.Destination
	defer cancelTx.Terminate()

	if err := cancelTx.Send(ctx); err != nil {
		return err
	}
	for {
		msg, err := cancelTx.Receive(ctx)
		if err != nil {
			return nil
		}
		if res, ok := msg.(*sip.Response); ok && !res.IsProvisional() {
			return nil
		}
	}
}

// Bye ends a confirmed dialog.
func (d *ClientInviteDialog) Bye(ctx context.Context) error {
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
	d.inner.terminate(Terminated{Reason: UacBye})
	d.inner.layer.remove(d.ID())
	return nil
}

// ReInvite sends an in-dialog INVITE with a new offer.
func (d *ClientInviteDialog) ReInvite(ctx context.Context, body []byte, contentType string) (*sip.Response, error) {
	if !d.inner.IsConfirmed() {
		return nil, &Error{ID: d.ID(), Reason: "dialog not confirmed"}
	}
	req := d.inner.makeRequest(sip.INVITE, body, contentType)
	res, err := d.inner.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.IsSuccess() {
		// 2xx to re-INVITE needs its end to end ACK as well.
		ack := d.makeAck2xx(res)
		if aerr := d.fireAck(ctx, ack); aerr != nil {
			d.inner.log.Debug().Err(aerr).Msg("fail to ACK re-INVITE")
		}
		d.inner.transitionState(StateUpdated)
	}
	return res, nil
}

// Update sends UPDATE. RFC 3311.
func (d *ClientInviteDialog) Update(ctx context.Context, body []byte, contentType string) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.UPDATE, body, contentType)
	return d.inner.doRequest(ctx, req)
}

// Info sends INFO. RFC 6086.
func (d *ClientInviteDialog) Info(ctx context.Context, body []byte, contentType string) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.INFO, body, contentType)
	return d.inner.doRequest(ctx, req)
}

// Options sends an in-dialog OPTIONS.
func (d *ClientInviteDialog) Options(ctx context.Context) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.OPTIONS, nil, "")
	return d.inner.doRequest(ctx, req)
}

// Refer asks the peer to address target. RFC 3515.
func (d *ClientInviteDialog) Refer(ctx context.Context, target sip.Uri) (*sip.Response, error) {
	req := d.inner.makeRequest(sip.REFER, nil, "")
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target.String()+">"))
	return d.inner.doRequest(ctx, req)
}

// makeAck2xx builds the end to end ACK for a 2xx: own transaction with a
// fresh branch, same From/To/Call-ID, the INVITE CSeq number with method
// ACK and the dialog route set. RFC 3261 13.2.2.4.
func (d *ClientInviteDialog) makeAck2xx(res *sip.Response) *sip.Request {
	inner := d.inner

	inner.mu.Lock()
	routeSet := append([]sip.Uri(nil), inner.routeSet...)
	remoteTarget := inner.remoteContact
	inner.mu.Unlock()
	if remoteTarget == nil {
		remoteTarget = &inner.initialRequest.Recipient
	}

	ack := sip.NewRequest(sip.ACK, *remoteTarget.Clone())
	via := inner.endpoint.MakeVia(nil)
	ack.AppendHeader(via)
	ack.SetTransport(via.Transport)

	if h := inner.initialRequest.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inner.initialRequest.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := inner.initialRequest.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	for i := range routeSet {
		ack.AppendHeader(&sip.RouteHeader{Address: routeSet[i]})
	}
	// The ACK always goes out without a body; ProcessInvite and ReInvite
	// send it directly and offer no way to attach an offer.
	ack.SetBody(nil)
	return ack
}

// fireAck sends the ACK over a fresh transaction, fire and forget.
func (d *ClientInviteDialog) fireAck(ctx context.Context, ack *sip.Request) error {
	key, err := transaction.KeyFromRequest(ack, transaction.RoleClient)
	if err != nil {
		return err
	}
	tx := transaction.NewClient(key, ack, d.inner.endpoint, nil)
	defer tx.Terminate()
	return tx.Send(ctx)
}

// makeAckNon2xx builds the hop by hop ACK for a non-2xx final: same Via top
// hop and CSeq number as the INVITE, To from the response. RFC 3261 17.1.1.3.
func makeAckNon2xx(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, *invite.Recipient.Clone())
	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	cseq := invite.CSeq()
	if cseq == nil {
		return nil
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	ack.SetTransport(invite.Transport())
	ack.SetBody(nil)
	return ack
}

// makeCancel builds CANCEL for a pending INVITE: same top Via, Route,
// From/To/Call-ID and CSeq number with method CANCEL. RFC 3261 9.1.
func makeCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	for _, h := range invite.GetHeaders("Route") {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	cancel.SetTransport(invite.Transport())
	cancel.SetBody(nil)
	return cancel
}

func contactHeader(msg sip.Message) *sip.ContactHeader {
	if hs := msg.GetHeaders("Contact"); len(hs) > 0 {
		if c, ok := hs[0].(*sip.ContactHeader); ok {
			return c
		}
	}
	return nil
}

func responseToTag(res *sip.Response) string {
	if to := res.To(); to != nil {
		tag, _ := to.Params.Get("tag")
		return tag
	}
	return ""
}

// terminatedFromStatus maps a final status code to the termination reason.
// Like the Bye reasons, the label names the side that originated the
// termination: CANCEL is only ever sent by a UAC (RFC 3261 9.1), busy and
// other final responses only ever by a UAS.
func terminatedFromStatus(statusCode int, canceled bool) Terminated {
	switch {
	case canceled || statusCode == 487:
		return Terminated{Reason: UacCancel, Code: statusCode}
	case statusCode == 486 || statusCode == 600:
		return Terminated{Reason: UasBusy, Code: statusCode}
	case statusCode == 408:
		return Terminated{Reason: ReasonTimeout, Code: statusCode}
	default:
		return Terminated{Reason: UasOther, Code: statusCode}
	}
}
