// Package dialog implements RFC 3261 dialog management on top of the
// transaction layer: client and server INVITE dialogs with early, confirmed
// and terminated states, in-dialog request generation, digest
// authentication retry and REGISTER handling.
package dialog

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

var (
	ErrDialogNotFound    = errors.New("dialog not found")
	ErrDialogTerminated  = errors.New("dialog already terminated")
	ErrDialogInvalidCSeq = errors.New("CSeq out of order")
	ErrDialogNoContact   = errors.New("no Contact header")
	ErrAuthMalformed     = errors.New("malformed authenticate challenge")
)

// Error is a dialog level failure bound to the dialog id.
type Error struct {
	ID     DialogID
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dialog %s: %s", e.ID, e.Reason)
}

// DialogID identifies a dialog: Call-ID plus the two tags. For client
// dialogs the local tag is the From tag, for server dialogs the To tag.
// Before the dialog forming response arrives the remote tag is empty.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id DialogID) String() string {
	return id.CallID + "-" + id.LocalTag + "-" + id.RemoteTag
}

// WithRemoteTag returns id with the remote tag replaced.
func (id DialogID) WithRemoteTag(tag string) DialogID {
	id.RemoteTag = tag
	return id
}

// DialogIDFromRequest derives the dialog id from a request as seen by role.
// UAC built the request: local is the From tag. UAS received it: local is
// the To tag, possibly still empty.
func DialogIDFromRequest(req *sip.Request, role Role) (DialogID, error) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return DialogID{}, fmt.Errorf("missing Call-ID, From or To header")
	}

	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	if role == UAC {
		return DialogID{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}, nil
	}
	return DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}, nil
}

// DialogIDFromResponse derives the UAC side dialog id from a response.
func DialogIDFromResponse(res *sip.Response) (DialogID, error) {
	callID := res.CallID()
	from := res.From()
	to := res.To()
	if callID == nil || from == nil || to == nil {
		return DialogID{}, fmt.Errorf("missing Call-ID, From or To header")
	}

	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	return DialogID{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}, nil
}

// Role of the dialog side.
type Role int

const (
	UAC Role = iota
	UAS
)

func (r Role) String() string {
	if r == UAC {
		return "UAC"
	}
	return "UAS"
}

// Dialog is either side of an INVITE dialog held by the layer.
type Dialog interface {
	ID() DialogID
	Inner() *DialogInner
}
