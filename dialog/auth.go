package dialog

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/snow2flying/rsipstack/transaction"
)

// Credential holds the digest identity used to answer 401/407 challenges.
// Immutable after construction.
type Credential struct {
	Username string
	Password string
	// Realm restricts the credential; empty accepts any challenge realm.
	Realm string
}

// handleClientAuthenticate consumes a 401/407 challenge and builds the retry
// transaction: same request with incremented CSeq, fresh branch and the
// computed digest Authorization/Proxy-Authorization header. RFC 2617.
// The resolved target of the challenged transaction is reused.
func handleClientAuthenticate(seq uint32, tx *transaction.Transaction, res *sip.Response, cred *Credential) (*transaction.Transaction, error) {
	challengeName := "WWW-Authenticate"
	authorizationName := "Authorization"
	if res.StatusCode == 407 {
		challengeName = "Proxy-Authenticate"
		authorizationName = "Proxy-Authorization"
	}

	challengeHeader := res.GetHeader(challengeName)
	if challengeHeader == nil {
		return nil, fmt.Errorf("%w: missing %s header", ErrAuthMalformed, challengeName)
	}

	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthMalformed, err)
	}
	if cred.Realm != "" && chal.Realm != cred.Realm {
		return nil, fmt.Errorf("%w: challenge realm %q does not match credential realm %q", ErrAuthMalformed, chal.Realm, cred.Realm)
	}

	req := tx.Origin.Clone()
	answer, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthMalformed, err)
	}

	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo = seq
	}
	// The retry is a new transaction and needs a fresh branch.
	if via := req.Via(); via != nil {
		via.Params.Add("branch", sip.GenerateBranch())
	}
	req.RemoveHeader(authorizationName)
	req.AppendHeader(sip.NewHeader(authorizationName, answer.String()))

	key, err := transaction.KeyFromRequest(req, transaction.RoleClient)
	if err != nil {
		return nil, err
	}
	newTx := transaction.NewClient(key, req, tx.Endpoint(), tx.Connection())
	newTx.Destination = tx.Destination
	return newTx, nil
}
