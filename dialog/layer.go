package dialog

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snow2flying/rsipstack/transaction"
	"github.com/snow2flying/rsipstack/transport"
)

// DialogLayer owns the dialog map and creates dialogs on both sides. It
// registers itself with the endpoint for ACK routing since ACK for a 2xx is
// end to end and never matches a transaction.
type DialogLayer struct {
	endpoint *transaction.Endpoint

	mu      sync.RWMutex
	dialogs map[DialogID]Dialog

	lastSeq atomic.Uint32
	states  *stateBroadcaster

	log zerolog.Logger
}

func NewDialogLayer(endpoint *transaction.Endpoint) *DialogLayer {
	l := &DialogLayer{
		endpoint: endpoint,
		dialogs:  make(map[DialogID]Dialog),
		states:   newStateBroadcaster(),
	}
	l.log = log.Logger.With().Str("caller", "dialoglayer").Logger()
	endpoint.OnAck(l.handleAck)
	return l
}

// States subscribes to the layer wide dialog state bus. Subscribers falling
// behind lose the oldest events, producers never block.
func (l *DialogLayer) States() <-chan StateEvent {
	return l.states.Subscribe()
}

// Len returns number of dialogs held.
func (l *DialogLayer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.dialogs)
}

func (l *DialogLayer) incrementLastSeq() uint32 {
	return l.lastSeq.Add(1)
}

// MatchDialog finds the dialog a request belongs to, as seen from the UAS
// side. A request arriving before the dialog confirmed may carry no remote
// tag yet, so the pre-dialog form with an empty remote tag is tried too.
func (l *DialogLayer) MatchDialog(req *sip.Request) (Dialog, bool) {
	id, err := DialogIDFromRequest(req, UAS)
	if err != nil {
		return nil, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if d, ok := l.dialogs[id]; ok {
		return d, true
	}
	// The UAC matching form: local tag was the From tag.
	if d, ok := l.dialogs[DialogID{CallID: id.CallID, LocalTag: id.RemoteTag, RemoteTag: id.LocalTag}]; ok {
		return d, true
	}
	// Pre-dialog form without remote tag.
	if d, ok := l.dialogs[DialogID{CallID: id.CallID, LocalTag: id.LocalTag}]; ok {
		return d, true
	}
	if d, ok := l.dialogs[DialogID{CallID: id.CallID, LocalTag: id.RemoteTag}]; ok {
		return d, true
	}
	return nil, false
}

// HandleRequest routes an incoming server transaction that belongs to a
// dialog: ServerInviteDialog handles it directly, requests toward a client
// dialog get answered through the transaction with the dialog state
// updated. Returns ErrDialogNotFound when no dialog matches.
func (l *DialogLayer) HandleRequest(tx *transaction.Transaction) error {
	d, ok := l.MatchDialog(tx.Origin)
	if !ok {
		if err := tx.Reply(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist"); err != nil {
			l.log.Debug().Err(err).Msg("fail to reject request outside dialog")
		}
		return ErrDialogNotFound
	}

	switch dlg := d.(type) {
	case *ServerInviteDialog:
		return dlg.HandleRequest(tx)
	case *ClientInviteDialog:
		return l.handleClientDialogRequest(dlg, tx)
	}
	return ErrDialogNotFound
}

// handleClientDialogRequest covers in-dialog requests the peer sends toward
// our UAC dialog, BYE foremost.
func (l *DialogLayer) handleClientDialogRequest(d *ClientInviteDialog, tx *transaction.Transaction) error {
	req := tx.Origin
	if err := d.inner.checkRemoteSeq(cseqNumber(req)); err != nil {
		if rerr := tx.Reply(500, "Server Internal Error"); rerr != nil {
			l.log.Debug().Err(rerr).Msg("fail to reject stale request")
		}
		return err
	}

	switch req.Method {
	case sip.BYE:
		if err := tx.ReplyWith(200, "OK", nil, nil); err != nil {
			return err
		}
		d.inner.terminate(Terminated{Reason: UasBye})
		l.remove(d.ID())
		return nil
	case sip.INFO:
		d.inner.transition(StateEvent{State: StateInfo, Request: req})
	case sip.NOTIFY:
		d.inner.transition(StateEvent{State: StateNotify, Request: req})
	case sip.OPTIONS:
		d.inner.transition(StateEvent{State: StateOptions, Request: req})
	case sip.UPDATE, sip.INVITE:
		d.inner.transition(StateEvent{State: StateUpdated, Request: req})
	}
	return tx.ReplyWith(200, "OK", nil, nil)
}

// CreateServerInviteDialog builds the UAS dialog around a fresh INVITE
// server transaction. The local tag is selected here and stamped on every
// response the dialog sends.
func (l *DialogLayer) CreateServerInviteDialog(tx *transaction.Transaction, contact sip.Uri) (*ServerInviteDialog, error) {
	req := tx.Origin
	id, err := DialogIDFromRequest(req, UAS)
	if err != nil {
		return nil, err
	}
	if id.RemoteTag == "" {
		return nil, &Error{ID: id, Reason: "INVITE without From tag"}
	}
	id.LocalTag = sip.GenerateTagN(16)

	inner := newDialogInner(UAS, id, req, l, nil, contact.Clone())
	if cseq := req.CSeq(); cseq != nil {
		inner.remoteSeq.Store(cseq.SeqNo)
	}
	inner.updateTargets(contactHeader(req), req.GetHeaders("Record-Route"))
	inner.transitionState(StateTrying)

	d := &ServerInviteDialog{inner: inner, inviteTx: tx}
	l.put(id, d)
	l.log.Info().Str("dialog", id.String()).Msg("server invite dialog created")
	return d, nil
}

// handleAck routes ACK for 2xx to the owning server dialog.
func (l *DialogLayer) handleAck(req *sip.Request, conn transport.Connection) {
	d, ok := l.MatchDialog(req)
	if !ok {
		l.log.Debug().Msg("dropping ACK without dialog")
		return
	}
	if sd, ok := d.(*ServerInviteDialog); ok {
		sd.onAck(req)
	}
}

func (l *DialogLayer) put(id DialogID, d Dialog) {
	l.mu.Lock()
	l.dialogs[id] = d
	l.mu.Unlock()
}

func (l *DialogLayer) remove(id DialogID) {
	l.mu.Lock()
	delete(l.dialogs, id)
	l.mu.Unlock()
}

// updateDialogID rekeys a dialog once the remote tag is learned.
func (l *DialogLayer) updateDialogID(old, updated DialogID, d Dialog) {
	l.mu.Lock()
	delete(l.dialogs, old)
	l.dialogs[updated] = d
	l.mu.Unlock()
}
