package dialog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/snow2flying/rsipstack/transaction"
)

// DialogInner is the shared interior mutable core of a dialog. An outer
// handle (ClientInviteDialog / ServerInviteDialog) is immutable and points
// here; fine grained locks guard state, tags, contacts and route set. The
// initial request and credential are frozen after construction and read
// without locking.
type DialogInner struct {
	Role     Role
	endpoint *transaction.Endpoint
	layer    *DialogLayer

	// initialRequest is frozen after creation.
	initialRequest *sip.Request

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	credential *Credential

	mu            sync.Mutex
	id            DialogID
	state         State
	localContact  *sip.Uri
	remoteContact *sip.Uri
	routeSet      []sip.Uri

	states *stateBroadcaster

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func newDialogInner(role Role, id DialogID, initial *sip.Request, layer *DialogLayer, credential *Credential, contact *sip.Uri) *DialogInner {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &DialogInner{
		Role:           role,
		endpoint:       layer.endpoint,
		layer:          layer,
		initialRequest: initial,
		credential:     credential,
		id:             id,
		state:          StateCalling,
		localContact:   contact,
		states:         layer.states,
		ctx:            ctx,
		cancel:         cancel,
		log:            layer.log.With().Str("dialog", id.String()).Logger(),
	}
	if cseq := initial.CSeq(); cseq != nil {
		inner.localSeq.Store(cseq.SeqNo)
	} else {
		inner.localSeq.Store(1)
	}
	return inner
}

// ID returns the current dialog id. The remote tag may still be empty.
func (inner *DialogInner) ID() DialogID {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	return inner.id
}

// InitialRequest returns the frozen dialog forming request.
func (inner *DialogInner) InitialRequest() *sip.Request { return inner.initialRequest }

// Context is canceled when the dialog tears down.
func (inner *DialogInner) Context() context.Context { return inner.ctx }

func (inner *DialogInner) LocalSeq() uint32 { return inner.localSeq.Load() }

func (inner *DialogInner) incrementLocalSeq() uint32 { return inner.localSeq.Add(1) }

// checkRemoteSeq validates that seq advances strictly and records it.
func (inner *DialogInner) checkRemoteSeq(seq uint32) error {
	for {
		last := inner.remoteSeq.Load()
		if last != 0 && seq <= last {
			return ErrDialogInvalidCSeq
		}
		if inner.remoteSeq.CompareAndSwap(last, seq) {
			return nil
		}
	}
}

func (inner *DialogInner) State() State {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	return inner.state
}

func (inner *DialogInner) IsConfirmed() bool {
	return inner.State() == StateConfirmed
}

// setRemoteTag installs the remote tag learned from the first dialog
// forming response or request. It becomes non empty at most once. Returns
// the old and new id when the id changed.
func (inner *DialogInner) setRemoteTag(tag string) (old DialogID, updated DialogID, changed bool) {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if tag == "" || inner.id.RemoteTag != "" {
		return inner.id, inner.id, false
	}
	old = inner.id
	inner.id = inner.id.WithRemoteTag(tag)
	return old, inner.id, true
}

// RemoteContact returns the last learned remote target.
func (inner *DialogInner) RemoteContact() *sip.Uri {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	return inner.remoteContact
}

// RouteSet returns a copy of the stored route set.
func (inner *DialogInner) RouteSet() []sip.Uri {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	return append([]sip.Uri(nil), inner.routeSet...)
}

// updateTargets learns the remote Contact and the route set from a dialog
// forming message. For UAC the Record-Route set is reversed. RFC 3261 12.1.
func (inner *DialogInner) updateTargets(contact *sip.ContactHeader, recordRoutes []sip.Header) {
	inner.mu.Lock()
	defer inner.mu.Unlock()

	if contact != nil {
		uri := contact.Address.Clone()
		inner.remoteContact = uri
	}

	if len(recordRoutes) == 0 {
		return
	}
	inner.routeSet = nil
	appendRoute := func(h sip.Header) {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			inner.routeSet = append(inner.routeSet, *rr.Address.Clone())
		}
	}
	if inner.Role == UAC {
		for i := len(recordRoutes) - 1; i >= 0; i-- {
			appendRoute(recordRoutes[i])
		}
	} else {
		for _, h := range recordRoutes {
			appendRoute(h)
		}
	}
}

// transition is the single state mutation point. Terminated is absorbing;
// every successful transition is broadcast on the dialog state bus.
// Updated, Notify, Info and Options only report an in-dialog request: they
// are broadcast but leave the stored state as it was.
func (inner *DialogInner) transition(ev StateEvent) error {
	inner.mu.Lock()
	if inner.state == StateTerminated {
		inner.mu.Unlock()
		return ErrDialogTerminated
	}
	switch ev.State {
	case StateUpdated, StateNotify, StateInfo, StateOptions:
	default:
		inner.state = ev.State
	}
	if ev.ID.CallID == "" {
		ev.ID = inner.id
	}
	inner.mu.Unlock()

	inner.log.Debug().Str("state", ev.State.String()).Msg("dialog transition")
	inner.states.publish(ev)

	if ev.State == StateTerminated {
		inner.cancel()
	}
	return nil
}

func (inner *DialogInner) transitionState(s State) error {
	return inner.transition(StateEvent{State: s})
}

func (inner *DialogInner) terminate(t Terminated) error {
	return inner.transition(StateEvent{State: StateTerminated, Terminated: &t})
}

// localParty and remoteParty derive From/To identities from the initial
// request depending on role.
func (inner *DialogInner) localParty() (*sip.Uri, string) {
	inner.mu.Lock()
	id := inner.id
	inner.mu.Unlock()
	if inner.Role == UAC {
		return &inner.initialRequest.From().Address, id.LocalTag
	}
	return &inner.initialRequest.To().Address, id.LocalTag
}

func (inner *DialogInner) remoteParty() (*sip.Uri, string) {
	inner.mu.Lock()
	id := inner.id
	inner.mu.Unlock()
	if inner.Role == UAC {
		return &inner.initialRequest.To().Address, id.RemoteTag
	}
	return &inner.initialRequest.From().Address, id.RemoteTag
}

// makeRequest builds an in-dialog request per RFC 3261 12.2.1.1. The
// request URI is the remote target unless the first route entry demands
// strict routing, in which case the remote target moves to the end of the
// Route set and the request URI becomes that first entry.
func (inner *DialogInner) makeRequest(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	inner.mu.Lock()
	id := inner.id
	routeSet := append([]sip.Uri(nil), inner.routeSet...)
	remoteTarget := inner.remoteContact
	localContact := inner.localContact
	inner.mu.Unlock()

	if remoteTarget == nil {
		remoteTarget = &inner.initialRequest.Recipient
	}

	reqURI := *remoteTarget.Clone()
	var routes []sip.Uri
	switch {
	case len(routeSet) == 0:
		// no Route headers
	case routeIsLoose(routeSet[0]):
		routes = routeSet
	default:
		// Strict routing compatibility, RFC 3261 12.2.
		reqURI = *routeSet[0].Clone()
		routes = append(routes, routeSet[1:]...)
		routes = append(routes, *remoteTarget.Clone())
	}

	req := sip.NewRequest(method, reqURI)
	via := inner.endpoint.MakeVia(nil)
	req.AppendHeader(via)
	req.SetTransport(via.Transport)
	req.AppendHeader(sip.NewHeader("Call-ID", id.CallID))

	localURI, localTag := inner.localParty()
	remoteURI, remoteTag := inner.remoteParty()

	from := &sip.FromHeader{
		Address: *localURI.Clone(),
		Params:  sip.NewParams().Add("tag", localTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: *remoteURI.Clone(),
		Params:  sip.NewParams(),
	}
	if remoteTag != "" {
		to.Params.Add("tag", remoteTag)
	}
	req.AppendHeader(to)

	seq := inner.incrementLocalSeq()
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for i := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: routes[i]})
	}

	if localContact != nil {
		req.AppendHeader(&sip.ContactHeader{Address: *localContact.Clone(), Params: sip.NewParams()})
	}
	req.AppendHeader(sip.NewHeader("User-Agent", inner.endpoint.Option().UserAgent))

	if body != nil {
		if contentType != "" {
			req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		}
		req.SetBody(body)
	}
	return req
}

func routeIsLoose(route sip.Uri) bool {
	if route.UriParams == nil {
		return false
	}
	_, ok := route.UriParams.Get("lr")
	return ok
}

// doRequest runs an in-dialog request through a fresh client transaction and
// returns the final response, retrying a digest challenge once when a
// credential is present.
func (inner *DialogInner) doRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	key, err := transaction.KeyFromRequest(req, transaction.RoleClient)
	if err != nil {
		return nil, err
	}
	tx := transaction.NewClient(key, req, inner.endpoint, nil)
	defer func() { tx.Terminate() }()

	if err := tx.Send(ctx); err != nil {
		return nil, err
	}

	authSent := false
	for {
		msg, err := tx.Receive(ctx)
		if err != nil {
			return nil, err
		}
		res, ok := msg.(*sip.Response)
		if !ok {
			continue
		}
		switch {
		case res.IsProvisional():
			continue
		case (res.StatusCode == 401 || res.StatusCode == 407) &&
			inner.credential != nil && !authSent:
			seq := inner.incrementLocalSeq()
			newTx, aerr := handleClientAuthenticate(seq, tx, res, inner.credential)
			if aerr != nil {
				return nil, aerr
			}
			tx.Terminate()
			tx = newTx
			if err := tx.Send(ctx); err != nil {
				return nil, err
			}
			authSent = true
		default:
			return res, nil
		}
	}
}
