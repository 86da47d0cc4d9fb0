package dialog

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/snow2flying/rsipstack/transaction"
	"github.com/snow2flying/rsipstack/transport"
)

// InviteOption carries everything needed to originate a call.
type InviteOption struct {
	// Caller lands in From, Callee in To and the request URI.
	Caller sip.Uri
	Callee sip.Uri
	// Destination overrides DNS resolution of the callee.
	Destination *transport.Addr
	// ContentType defaults to application/sdp when an offer is set.
	ContentType string
	// Offer is the session description carried in the INVITE body.
	Offer []byte
	// Contact is this user agent's reachable URI.
	Contact sip.Uri
	// Credential answers a digest challenge when present.
	Credential *Credential
	// Headers are appended to the built INVITE.
	Headers []sip.Header
}

// MakeInviteRequest constructs the initial INVITE from options.
func (l *DialogLayer) MakeInviteRequest(opt *InviteOption) *sip.Request {
	seq := l.incrementLastSeq()

	from := &sip.FromHeader{
		Address: *opt.Caller.Clone(),
		Params:  sip.NewParams().Add("tag", sip.GenerateTagN(16)),
	}
	to := &sip.ToHeader{
		Address: *opt.Callee.Clone(),
		Params:  sip.NewParams(),
	}

	via := l.endpoint.MakeVia(nil)
	req := l.endpoint.MakeRequest(sip.INVITE, *opt.Callee.Clone(), via, from, to, seq)

	req.AppendHeader(&sip.ContactHeader{Address: *opt.Contact.Clone(), Params: sip.NewParams()})
	if opt.Offer != nil {
		contentType := opt.ContentType
		if contentType == "" {
			contentType = "application/sdp"
		}
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range opt.Headers {
		req.AppendHeader(h)
	}
	req.SetBody(opt.Offer)
	return req
}

// CreateClientInviteDialog builds the UAC dialog and its INVITE
// transaction without sending anything yet.
func (l *DialogLayer) CreateClientInviteDialog(opt InviteOption) (*ClientInviteDialog, *transaction.Transaction, error) {
	req := l.MakeInviteRequest(&opt)
	id, err := DialogIDFromRequest(req, UAC)
	if err != nil {
		return nil, nil, err
	}

	inner := newDialogInner(UAC, id, req, l, opt.Credential, opt.Contact.Clone())

	key, err := transaction.KeyFromRequest(req, transaction.RoleClient)
	if err != nil {
		return nil, nil, err
	}
	tx := transaction.NewClient(key, req, l.endpoint, nil)
	tx.Destination = opt.Destination

	d := &ClientInviteDialog{inner: inner}
	return d, tx, nil
}

// Invite originates a call: creates the dialog, sends the INVITE and waits
// for the final response. The dialog is reachable from the layer for its
// whole lifetime; on error during setup it is removed again.
func (l *DialogLayer) Invite(ctx context.Context, opt InviteOption) (*ClientInviteDialog, *sip.Response, error) {
	d, tx, err := l.CreateClientInviteDialog(opt)
	if err != nil {
		return nil, nil, err
	}

	id := d.ID()
	l.put(id, d)
	l.log.Info().Str("dialog", id.String()).Msg("client invite dialog created")

	newID, res, err := d.ProcessInvite(ctx, tx)
	if err != nil {
		l.remove(id)
		l.remove(newID)
		return nil, nil, err
	}
	if res != nil && !res.IsSuccess() {
		// Failed setup leaves no dialog behind.
		l.remove(id)
		l.remove(newID)
	}
	return d, res, nil
}
