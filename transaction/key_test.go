package transaction

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

func testRequest(t *testing.T, method sip.RequestMethod, branch string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com:5060", &uri))

	req := sip.NewRequest(method, uri)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "alice.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	})
	req.AppendHeader(sip.NewHeader("Call-ID", "test-call-id"))
	req.AppendHeader(sip.NewHeader("From", "<sip:alice@example.com>;tag=alice-tag"))
	req.AppendHeader(sip.NewHeader("To", "<sip:bob@example.com>"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	return req
}

func TestKeyFromRequestClient(t *testing.T) {
	req := testRequest(t, sip.INVITE, "z9hG4bKnashds")

	key, err := KeyFromRequest(req, RoleClient)
	require.NoError(t, err)
	require.Equal(t, "z9hG4bKnashds", key.Branch)
	require.Equal(t, sip.INVITE, key.Method)
	require.Equal(t, RoleClient, key.Role)
	require.Empty(t, key.SentBy, "client keys match on branch and method alone")
}

func TestKeyFromRequestServerSentBy(t *testing.T) {
	req := testRequest(t, sip.INVITE, "z9hG4bKnashds")

	key, err := KeyFromRequest(req, RoleServer)
	require.NoError(t, err)
	require.Equal(t, "alice.example.com:5060", key.SentBy)
}

func TestKeyAckMatchesInvite(t *testing.T) {
	invite := testRequest(t, sip.INVITE, "z9hG4bKnashds")
	ack := testRequest(t, sip.ACK, "z9hG4bKnashds")

	inviteKey, err := KeyFromRequest(invite, RoleServer)
	require.NoError(t, err)
	ackKey, err := KeyFromRequest(ack, RoleServer)
	require.NoError(t, err)

	require.Equal(t, inviteKey, ackKey, "ACK for non-2xx matches the INVITE transaction")
}

func TestKeyCancelIsOwnTransaction(t *testing.T) {
	invite := testRequest(t, sip.INVITE, "z9hG4bKnashds")
	cancel := testRequest(t, sip.CANCEL, "z9hG4bKnashds")

	inviteKey, err := KeyFromRequest(invite, RoleServer)
	require.NoError(t, err)
	cancelKey, err := KeyFromRequest(cancel, RoleServer)
	require.NoError(t, err)
	require.NotEqual(t, inviteKey, cancelKey)

	// Matching against the INVITE uses the method override.
	asInvite, err := KeyFromRequestAsMethod(cancel, RoleServer, sip.INVITE)
	require.NoError(t, err)
	require.Equal(t, inviteKey, asInvite)
}

func TestKeyRejectsNonRFC3261Branch(t *testing.T) {
	req := testRequest(t, sip.INVITE, "1234-not-magic")
	_, err := KeyFromRequest(req, RoleClient)
	require.Error(t, err)

	req = testRequest(t, sip.INVITE, "")
	_, err = KeyFromRequest(req, RoleClient)
	require.Error(t, err)
}

func TestKeyStringStable(t *testing.T) {
	req := testRequest(t, sip.REGISTER, "z9hG4bKabc")
	key, err := KeyFromRequest(req, RoleClient)
	require.NoError(t, err)
	require.Equal(t, "z9hG4bKabc__"+"__REGISTER__client", key.String())
}
