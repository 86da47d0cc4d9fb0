package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/snow2flying/rsipstack/transaction"
)

func TestMakeAckNon2xx(t *testing.T) {
	invite := testInviteRequest(t, "alice-tag", "", "ack-call")
	endpoint := transaction.NewEndpoint()

	res := endpoint.MakeResponse(invite, 487, "Request Terminated", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "bob-tag")
	}

	ack := makeAckNon2xx(invite, res)
	require.NotNil(t, ack)
	require.Equal(t, sip.ACK, ack.Method)

	// Hop by hop ACK shares the INVITE branch.
	inviteBranch, _ := invite.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	require.Equal(t, inviteBranch, ackBranch)

	cseq := ack.CSeq()
	require.Equal(t, invite.CSeq().SeqNo, cseq.SeqNo)
	require.Equal(t, sip.ACK, cseq.MethodName)

	toTag, _ := ack.To().Params.Get("tag")
	require.Equal(t, "bob-tag", toTag, "To comes from the response")
	require.Empty(t, ack.Body())
}

func TestMakeAck2xxFreshBranch(t *testing.T) {
	layer := testLayer(t)
	inner := confirmedInner(t, layer)
	d := &ClientInviteDialog{inner: inner}

	res := layer.endpoint.MakeResponse(inner.initialRequest, 200, "OK", nil)
	ack := d.makeAck2xx(res)

	require.Equal(t, sip.ACK, ack.Method)
	require.Equal(t, "bob.example.com", ack.Recipient.Host, "ACK goes to the remote target")

	inviteBranch, _ := inner.initialRequest.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	require.NotEqual(t, inviteBranch, ackBranch, "ACK for 2xx is its own transaction")

	cseq := ack.CSeq()
	require.Equal(t, inner.initialRequest.CSeq().SeqNo, cseq.SeqNo, "CSeq number unchanged")
	require.Equal(t, sip.ACK, cseq.MethodName)
	require.Empty(t, ack.Body(), "no offer in ACK by default")
}

func TestMakeCancel(t *testing.T) {
	invite := testInviteRequest(t, "alice-tag", "", "cancel-call")
	cancel := makeCancel(invite)

	require.Equal(t, sip.CANCEL, cancel.Method)
	inviteBranch, _ := invite.Via().Params.Get("branch")
	cancelBranch, _ := cancel.Via().Params.Get("branch")
	require.Equal(t, inviteBranch, cancelBranch, "CANCEL matches the INVITE branch")

	cseq := cancel.CSeq()
	require.Equal(t, invite.CSeq().SeqNo, cseq.SeqNo)
	require.Equal(t, sip.CANCEL, cseq.MethodName)
	require.Equal(t, invite.Recipient.String(), cancel.Recipient.String())
}

func TestTerminatedFromStatus(t *testing.T) {
	// Reasons name the side that originated the termination, the same
	// convention the Bye reasons follow: CANCEL is always UAC sent, busy
	// and other finals are always UAS sent.
	cases := []struct {
		status   int
		canceled bool
		want     TerminatedReason
	}{
		{486, false, UasBusy},
		{600, false, UasBusy},
		{487, false, UacCancel},
		{603, true, UacCancel},
		{408, false, ReasonTimeout},
		{404, false, UasOther},
		{500, false, UasOther},
	}
	for _, tc := range cases {
		got := terminatedFromStatus(tc.status, tc.canceled)
		require.Equal(t, tc.want, got.Reason, "status=%d canceled=%v", tc.status, tc.canceled)
		require.Equal(t, tc.status, got.Code)
	}
}
