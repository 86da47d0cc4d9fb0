package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/snow2flying/rsipstack/transaction"
)

func testLayer(t *testing.T) *DialogLayer {
	t.Helper()
	endpoint := transaction.NewEndpoint(transaction.WithUserAgent("rsipstack-test"))
	return NewDialogLayer(endpoint)
}

func testInviteRequest(t *testing.T, fromTag, toTag, callID string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com:5060", &uri))

	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "alice.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bKnashds"),
	})
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	from := &sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "example.com"},
		Params:  sip.NewParams().Add("tag", fromTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "example.com"},
		Params:  sip.NewParams(),
	}
	if toTag != "" {
		to.Params.Add("tag", toTag)
	}
	req.AppendHeader(to)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Contact", "<sip:alice@alice.example.com:5060>"))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.SetBody([]byte("v=0\r\no=alice 2890844526 2890844527 IN IP4 host.atlanta.com\r\n"))
	return req
}

func testContact(t *testing.T) *sip.Uri {
	t.Helper()
	var contact sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@alice.example.com:5060", &contact))
	return &contact
}

func TestClientDialogCreation(t *testing.T) {
	layer := testLayer(t)

	id := DialogID{CallID: "test-call-id", LocalTag: "alice-tag", RemoteTag: "bob-tag"}
	req := testInviteRequest(t, "alice-tag", "", "test-call-id")

	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))
	d := &ClientInviteDialog{inner: inner}

	require.Equal(t, id, d.ID())
	require.False(t, d.inner.IsConfirmed())
}

func TestClientDialogSequenceHandling(t *testing.T) {
	layer := testLayer(t)

	id := DialogID{CallID: "test-call-seq", LocalTag: "alice-tag", RemoteTag: "bob-tag"}
	req := testInviteRequest(t, "alice-tag", "bob-tag", "test-call-seq")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))

	require.Equal(t, uint32(1), inner.LocalSeq(), "seeded from the INVITE CSeq")
	require.Equal(t, uint32(2), inner.incrementLocalSeq())
	require.Equal(t, uint32(3), inner.incrementLocalSeq())
}

func TestClientDialogStateTransitions(t *testing.T) {
	layer := testLayer(t)
	states := layer.States()

	id := DialogID{CallID: "test-call-flow", LocalTag: "alice-tag"}
	req := testInviteRequest(t, "alice-tag", "", "test-call-flow")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))

	require.Equal(t, StateCalling, inner.State())

	require.NoError(t, inner.transitionState(StateTrying))
	require.Equal(t, StateTrying, inner.State())

	ringing := transaction.NewEndpoint().MakeResponse(req, 180, "Ringing", nil)
	require.NoError(t, inner.transition(StateEvent{State: StateEarly, Response: ringing}))
	require.Equal(t, StateEarly, inner.State())

	require.NoError(t, inner.transitionState(StateConfirmed))
	require.True(t, inner.IsConfirmed())

	expect := []State{StateTrying, StateEarly, StateConfirmed}
	for _, want := range expect {
		select {
		case ev := <-states:
			require.Equal(t, want, ev.State)
			require.Equal(t, id, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing state event %s", want)
		}
	}
}

func TestDialogTerminatedIsAbsorbing(t *testing.T) {
	layer := testLayer(t)

	id := DialogID{CallID: "test-call-term", LocalTag: "alice-tag"}
	req := testInviteRequest(t, "alice-tag", "", "test-call-term")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))

	require.NoError(t, inner.terminate(Terminated{Reason: UasBusy, Code: 486}))
	require.Equal(t, StateTerminated, inner.State())

	// No transition leaves Terminated and no events are emitted anymore.
	states := layer.States()
	require.ErrorIs(t, inner.transitionState(StateConfirmed), ErrDialogTerminated)
	require.ErrorIs(t, inner.terminate(Terminated{Reason: UacBye}), ErrDialogTerminated)
	select {
	case ev := <-states:
		t.Fatalf("unexpected state event %v after termination", ev.State)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialogRemoteTagImmutable(t *testing.T) {
	layer := testLayer(t)

	id := DialogID{CallID: "c1", LocalTag: "alice-tag"}
	req := testInviteRequest(t, "alice-tag", "", "c1")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))

	old, updated, changed := inner.setRemoteTag("bob-tag")
	require.True(t, changed)
	require.Equal(t, "", old.RemoteTag)
	require.Equal(t, "bob-tag", updated.RemoteTag)

	// A different tag later never rewrites the dialog id.
	_, after, changed := inner.setRemoteTag("other-tag")
	require.False(t, changed)
	require.Equal(t, "bob-tag", after.RemoteTag)
}

func TestDialogIDDerivation(t *testing.T) {
	req := testInviteRequest(t, "alice-tag", "bob-tag", "call-1")

	uac, err := DialogIDFromRequest(req, UAC)
	require.NoError(t, err)
	require.Equal(t, DialogID{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, uac)

	uas, err := DialogIDFromRequest(req, UAS)
	require.NoError(t, err)
	require.Equal(t, DialogID{CallID: "call-1", LocalTag: "bob-tag", RemoteTag: "alice-tag"}, uas)
}

func TestLayerMatchDialogPreDialogForm(t *testing.T) {
	layer := testLayer(t)

	// Dialog stored before the remote tag is known.
	id := DialogID{CallID: "call-match", LocalTag: "alice-tag"}
	req := testInviteRequest(t, "alice-tag", "", "call-match")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))
	d := &ClientInviteDialog{inner: inner}
	layer.put(id, d)
	defer layer.remove(id)

	// Peer request carries both tags; matching must accept the
	// pre-dialog form with the to tag absent.
	inDialog := testInviteRequest(t, "bob-tag", "alice-tag", "call-match")
	got, ok := layer.MatchDialog(inDialog)
	require.True(t, ok)
	require.Same(t, d, got.(*ClientInviteDialog))
}

func TestLayerRekeysDialog(t *testing.T) {
	layer := testLayer(t)

	id := DialogID{CallID: "call-rekey", LocalTag: "alice-tag"}
	req := testInviteRequest(t, "alice-tag", "", "call-rekey")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))
	d := &ClientInviteDialog{inner: inner}
	layer.put(id, d)

	old, updated, changed := inner.setRemoteTag("bob-tag")
	require.True(t, changed)
	layer.updateDialogID(old, updated, d)

	layer.mu.RLock()
	_, oldThere := layer.dialogs[old]
	_, newThere := layer.dialogs[updated]
	layer.mu.RUnlock()
	require.False(t, oldThere)
	require.True(t, newThere)

	layer.remove(updated)
	require.Equal(t, 0, layer.Len())
}
