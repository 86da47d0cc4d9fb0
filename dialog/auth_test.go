package dialog

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/snow2flying/rsipstack/transaction"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testRegisterTx(t *testing.T, e *transaction.Endpoint) *transaction.Transaction {
	t.Helper()
	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:server", &recipient))

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK.auth1"),
	})
	req.AppendHeader(sip.NewHeader("Call-ID", "auth-call"))
	req.AppendHeader(sip.NewHeader("From", "<sip:alice@server>;tag=t1"))
	req.AppendHeader(sip.NewHeader("To", "<sip:alice@server>"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	key, err := transaction.KeyFromRequest(req, transaction.RoleClient)
	require.NoError(t, err)
	return transaction.NewClient(key, req, e, nil)
}

func TestHandleClientAuthenticateDigest(t *testing.T) {
	e := transaction.NewEndpoint(transaction.WithUserAgent("rsipstack-test"))
	tx := testRegisterTx(t, e)

	res := e.MakeResponse(tx.Origin, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="r", nonce="n"`))

	cred := &Credential{Username: "alice", Password: "secret", Realm: "r"}
	newTx, err := handleClientAuthenticate(2, tx, res, cred)
	require.NoError(t, err)

	authHeader := newTx.Origin.GetHeader("Authorization")
	require.NotNil(t, authHeader)

	// RFC 2617: response = MD5(MD5(user:realm:pass) ":" nonce ":" MD5(method:uri))
	ha1 := md5hex("alice:r:secret")
	ha2 := md5hex("REGISTER:sip:server")
	expected := md5hex(fmt.Sprintf("%s:n:%s", ha1, ha2))
	require.Contains(t, authHeader.Value(), `response="`+expected+`"`)
	require.Contains(t, authHeader.Value(), `username="alice"`)
	require.Contains(t, authHeader.Value(), `realm="r"`)

	// Retry is a new transaction: bumped CSeq, fresh branch.
	require.Equal(t, uint32(2), newTx.Origin.CSeq().SeqNo)
	oldBranch, _ := tx.Origin.Via().Params.Get("branch")
	newBranch, _ := newTx.Origin.Via().Params.Get("branch")
	require.NotEqual(t, oldBranch, newBranch)
	require.True(t, strings.HasPrefix(newBranch, sip.RFC3261BranchMagicCookie))
}

func TestHandleClientAuthenticateProxy(t *testing.T) {
	e := transaction.NewEndpoint()
	tx := testRegisterTx(t, e)

	res := e.MakeResponse(tx.Origin, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="proxy", nonce="pn"`))

	cred := &Credential{Username: "alice", Password: "secret"}
	newTx, err := handleClientAuthenticate(2, tx, res, cred)
	require.NoError(t, err)
	require.NotNil(t, newTx.Origin.GetHeader("Proxy-Authorization"))
	require.Nil(t, newTx.Origin.GetHeader("Authorization"))
}

func TestHandleClientAuthenticateRealmMismatch(t *testing.T) {
	e := transaction.NewEndpoint()
	tx := testRegisterTx(t, e)

	res := e.MakeResponse(tx.Origin, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="other", nonce="n"`))

	cred := &Credential{Username: "alice", Password: "secret", Realm: "r"}
	_, err := handleClientAuthenticate(2, tx, res, cred)
	require.ErrorIs(t, err, ErrAuthMalformed)
}

func TestHandleClientAuthenticateMissingChallenge(t *testing.T) {
	e := transaction.NewEndpoint()
	tx := testRegisterTx(t, e)

	res := e.MakeResponse(tx.Origin, 401, "Unauthorized", nil)
	_, err := handleClientAuthenticate(2, tx, res, &Credential{Username: "a", Password: "b"})
	require.ErrorIs(t, err, ErrAuthMalformed)
}
