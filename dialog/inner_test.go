package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

func confirmedInner(t *testing.T, layer *DialogLayer) *DialogInner {
	t.Helper()
	id := DialogID{CallID: "call-req", LocalTag: "alice-tag", RemoteTag: "bob-tag"}
	req := testInviteRequest(t, "alice-tag", "bob-tag", "call-req")
	inner := newDialogInner(UAC, id, req, layer, nil, testContact(t))

	var remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@bob.example.com:5070", &remote))
	inner.mu.Lock()
	inner.remoteContact = &remote
	inner.mu.Unlock()
	return inner
}

func TestMakeRequestInDialog(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	req := inner.makeRequest(sip.BYE, nil, "")

	require.Equal(t, sip.BYE, req.Method)
	require.Equal(t, "bob.example.com", req.Recipient.Host, "request URI is the remote target")

	fromTag, _ := req.From().Params.Get("tag")
	require.Equal(t, "alice-tag", fromTag)
	toTag, _ := req.To().Params.Get("tag")
	require.Equal(t, "bob-tag", toTag)

	require.Equal(t, "call-req", req.CallID().Value())

	cseq := req.CSeq()
	require.Equal(t, uint32(2), cseq.SeqNo, "local CSeq increments per request")
	require.Equal(t, sip.BYE, cseq.MethodName)

	require.Equal(t, "70", req.GetHeader("Max-Forwards").Value())
	require.NotNil(t, req.GetHeader("Contact"))
	require.Nil(t, req.GetHeader("Route"), "no route set, no Route headers")
}

func TestMakeRequestCSeqStrictlyIncreases(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	var last uint32
	for i := 0; i < 5; i++ {
		req := inner.makeRequest(sip.INFO, []byte("x"), "application/dtmf-relay")
		seq := req.CSeq().SeqNo
		require.Greater(t, seq, last)
		last = seq
	}
}

func TestMakeRequestLooseRouting(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	var proxy sip.Uri
	require.NoError(t, sip.ParseUri("sip:proxy.example.com;lr", &proxy))
	inner.mu.Lock()
	inner.routeSet = []sip.Uri{proxy}
	inner.mu.Unlock()

	req := inner.makeRequest(sip.BYE, nil, "")

	// Loose routing keeps the remote target in the request URI.
	require.Equal(t, "bob.example.com", req.Recipient.Host)
	routes := req.GetHeaders("Route")
	require.Len(t, routes, 1)
	route := routes[0].(*sip.RouteHeader)
	require.Equal(t, "proxy.example.com", route.Address.Host)
}

func TestMakeRequestStrictRouting(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	var strict sip.Uri
	require.NoError(t, sip.ParseUri("sip:old-proxy.example.com", &strict))
	inner.mu.Lock()
	inner.routeSet = []sip.Uri{strict}
	inner.mu.Unlock()

	req := inner.makeRequest(sip.BYE, nil, "")

	// Strict routing moves the first route into the request URI and the
	// remote target to the end of the Route set.
	require.Equal(t, "old-proxy.example.com", req.Recipient.Host)
	routes := req.GetHeaders("Route")
	require.Len(t, routes, 1)
	route := routes[0].(*sip.RouteHeader)
	require.Equal(t, "bob.example.com", route.Address.Host)
}

func TestUpdateTargetsReversesRecordRouteForUAC(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	res := sip.NewResponse(200, "OK")
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p1.example.com"}})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: "p2.example.com"}})

	inner.updateTargets(nil, res.GetHeaders("Record-Route"))

	routes := inner.RouteSet()
	require.Len(t, routes, 2)
	require.Equal(t, "p2.example.com", routes[0].Host, "UAC reverses the Record-Route set")
	require.Equal(t, "p1.example.com", routes[1].Host)
}

func TestRemoteSeqValidation(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)

	require.NoError(t, inner.checkRemoteSeq(10))
	require.ErrorIs(t, inner.checkRemoteSeq(10), ErrDialogInvalidCSeq)
	require.ErrorIs(t, inner.checkRemoteSeq(9), ErrDialogInvalidCSeq)
	require.NoError(t, inner.checkRemoteSeq(11))
}
