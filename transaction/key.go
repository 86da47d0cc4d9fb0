package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/snow2flying/rsipstack/transport"
)

const TxSeperator = "__"

// Role distinguishes the two sides of a transaction for key matching.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Key identifies a transaction per RFC 3261 17.1.3 / 17.2.3: the topmost Via
// branch and sent-by plus the CSeq method family. ACK to non-2xx collapses to
// the INVITE method so it matches the INVITE transaction; ACK to 2xx never
// matches because its branch is fresh. Keys are comparable and used directly
// as map keys.
type Key struct {
	Branch string
	SentBy string
	Method sip.RequestMethod
	Role   Role
}

func (k Key) String() string {
	return strings.Join([]string{k.Branch, k.SentBy, string(k.Method), k.Role.String()}, TxSeperator)
}

// KeyFromRequest derives the transaction key from the topmost Via of req.
func KeyFromRequest(req *sip.Request, role Role) (Key, error) {
	return keyFromVia(req.Via(), req.CSeq(), role, "")
}

// KeyFromResponse derives the matching client/server key from a response.
func KeyFromResponse(res *sip.Response, role Role) (Key, error) {
	return keyFromVia(res.Via(), res.CSeq(), role, "")
}

// KeyFromRequestAsMethod derives a key with the method overridden. Used to
// match an incoming CANCEL against the INVITE server transaction.
func KeyFromRequestAsMethod(req *sip.Request, role Role, asMethod sip.RequestMethod) (Key, error) {
	return keyFromVia(req.Via(), req.CSeq(), role, asMethod)
}

func keyFromVia(via *sip.ViaHeader, cseq *sip.CSeqHeader, role Role, asMethod sip.RequestMethod) (Key, error) {
	if via == nil {
		return Key{}, fmt.Errorf("%w: missing Via header", ErrProtocol)
	}
	if cseq == nil {
		return Key{}, fmt.Errorf("%w: missing CSeq header", ErrProtocol)
	}

	branch, ok := via.Params.Get("branch")
	if !ok || !strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) ||
		len(strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie)) == 0 {
		return Key{}, fmt.Errorf("%w: 'branch' not found or not RFC3261 in Via header", ErrProtocol)
	}

	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	key := Key{
		Branch: branch,
		Method: method,
		Role:   role,
	}

	// 17.1.3: responses match on branch and method alone.
	if role == RoleServer {
		port := via.Port
		if port <= 0 {
			port = int(sip.DefaultPort(via.Transport))
		}
		key.SentBy = via.Host + ":" + strconv.Itoa(port)
	}
	return key, nil
}

// addrFromVia resolves where a response to req must be sent, honoring the
// received and rport params. RFC 3581 4.
func addrFromVia(req *sip.Request) (transport.Addr, error) {
	via := req.Via()
	if via == nil {
		return transport.Addr{}, fmt.Errorf("%w: missing Via header", ErrProtocol)
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = int(sip.DefaultPort(via.Transport))
	}
	if via.Params != nil {
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil && p > 0 {
				port = p
			}
		}
	}
	return transport.Addr{Network: via.Transport, Host: host, Port: port}, nil
}
