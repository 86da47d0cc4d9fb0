package dialog

import (
	"context"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snow2flying/rsipstack/transaction"
	"github.com/snow2flying/rsipstack/transport"
)

// defaultRegisterExpires is assumed when the registrar returns a Contact
// without an expires parameter.
const defaultRegisterExpires = 50

// Registration drives the REGISTER loop against a registrar: one
// transaction per refresh with a single digest retry and public address
// discovery from the received/rport Via params returned by the peer.
// Not safe for concurrent use, run it from one task.
type Registration struct {
	endpoint   *transaction.Endpoint
	credential *Credential

	lastSeq uint32

	// contact caches the Contact we registered; invalidated when the
	// discovered public address changes.
	contact *sip.ContactHeader
	// allow advertises the methods this UA accepts.
	Allow []string

	publicAddr transport.Addr

	log zerolog.Logger
}

func NewRegistration(endpoint *transaction.Endpoint, credential *Credential) *Registration {
	return &Registration{
		endpoint:   endpoint,
		credential: credential,
		Allow: []string{
			"INVITE", "ACK", "CANCEL", "BYE", "OPTIONS", "INFO", "UPDATE", "REFER", "NOTIFY",
		},
		log: log.Logger.With().Str("caller", "registration").Logger(),
	}
}

// Expires returns the registration lifetime in seconds read from the
// Contact expires parameter of the last exchange, 50 when absent.
func (r *Registration) Expires() uint32 {
	if r.contact == nil || r.contact.Params == nil {
		return defaultRegisterExpires
	}
	v, ok := r.contact.Params.Get("expires")
	if !ok {
		return defaultRegisterExpires
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return defaultRegisterExpires
	}
	return uint32(seconds)
}

// DiscoveredPublicAddress returns the host:port the registrar saw us as,
// learned from received/rport. Zero value before the first exchange.
func (r *Registration) DiscoveredPublicAddress() transport.Addr {
	return r.publicAddr
}

// Register resolves the registrar, sends REGISTER and drives it to a final
// response. A 401/407 challenge is answered once when a credential is
// present; received/rport from responses updates the discovered public
// address and invalidates the cached Contact.
func (r *Registration) Register(ctx context.Context, server string) (*sip.Response, error) {
	r.lastSeq++

	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+server, &recipient); err != nil {
		return nil, err
	}

	to := &sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()}
	if r.credential != nil {
		to.Address.User = r.credential.Username
	}
	from := &sip.FromHeader{
		Address: *to.Address.Clone(),
		Params:  sip.NewParams().Add("tag", sip.GenerateTagN(16)),
	}

	conn, resolved, err := r.endpoint.TransportLayer().Lookup(ctx, &recipient)
	if err != nil {
		return nil, err
	}

	localAddr := r.localAddr(resolved.Network)
	via := r.endpoint.MakeVia(&localAddr)
	req := r.endpoint.MakeRequest(sip.REGISTER, *recipient.Clone(), via, from, to, r.lastSeq)

	contact := r.makeContact(to.Address.User, localAddr)
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Allow", strings.Join(r.Allow, ", ")))

	key, err := transaction.KeyFromRequest(req, transaction.RoleClient)
	if err != nil {
		return nil, err
	}
	tx := transaction.NewClient(key, req, r.endpoint, conn)
	tx.Destination = &resolved
	defer func() { tx.Terminate() }()

	if err := tx.Send(ctx); err != nil {
		return nil, err
	}

	authSent := false
	for {
		msg, rerr := tx.Receive(ctx)
		if rerr != nil {
			id, _ := DialogIDFromRequest(tx.Origin, UAC)
			return nil, &Error{ID: id, Reason: "registration transaction is already terminated"}
		}
		res, ok := msg.(*sip.Response)
		if !ok {
			continue
		}

		switch {
		case res.StatusCode == sip.StatusTrying:
			continue

		case res.StatusCode == 401 || res.StatusCode == 407:
			r.updatePublicAddress(res)
			if authSent {
				r.log.Info().Int("status", res.StatusCode).Msg("challenge after auth sent")
				return res, nil
			}
			if r.credential == nil {
				r.log.Info().Int("status", res.StatusCode).Msg("challenge without credential")
				return res, nil
			}
			r.lastSeq++
			newTx, aerr := handleClientAuthenticate(r.lastSeq, tx, res, r.credential)
			if aerr != nil {
				return res, aerr
			}
			tx.Terminate()
			tx = newTx
			if err := tx.Send(ctx); err != nil {
				return nil, err
			}
			authSent = true

		case res.StatusCode == sip.StatusOK:
			r.updatePublicAddress(res)
			if c := contactHeader(res); c != nil {
				r.contact = c.Clone()
			} else if r.contact == nil {
				r.contact = contact
			}
			r.log.Info().Uint32("expires", r.Expires()).Msg("registration done")
			return res, nil

		case res.IsProvisional():
			continue

		default:
			r.log.Info().Int("status", res.StatusCode).Msg("registration finished")
			return res, nil
		}
	}
}

// localAddr picks the Via sent-by: the listen address when serving, else
// the first non loopback interface.
func (r *Registration) localAddr(network string) transport.Addr {
	if a, ok := r.endpoint.TransportLayer().ListenAddr(network); ok {
		return a
	}
	addr := transport.Addr{Network: network, Host: "127.0.0.1", Port: int(sip.DefaultPort(network))}
	if ip, err := transport.ResolveSelfIP(); err == nil {
		addr.Host = ip.String()
	}
	return addr
}

// makeContact picks the Contact: cached, else discovered public address,
// else the local address.
func (r *Registration) makeContact(user string, localAddr transport.Addr) *sip.ContactHeader {
	if r.contact != nil {
		return r.contact.Clone()
	}

	host, port := localAddr.Host, localAddr.Port
	if !r.publicAddr.IsZero() {
		host, port = r.publicAddr.Host, r.publicAddr.Port
	}
	return &sip.ContactHeader{
		Address: sip.Uri{User: user, Host: host, Port: port},
		Params:  sip.NewParams(),
	}
}

// updatePublicAddress reads received/rport from the response top Via.
// RFC 3581. A change invalidates the cached Contact so the next REGISTER
// advertises the reachable address.
func (r *Registration) updatePublicAddress(res *sip.Response) {
	via := res.Via()
	if via == nil || via.Params == nil {
		return
	}

	discovered := transport.Addr{}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		discovered.Host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil && p > 0 {
			discovered.Port = p
		}
	}
	if discovered.IsZero() {
		return
	}
	if discovered.Host == "" {
		discovered.Host = via.Host
	}
	if discovered.Port == 0 {
		discovered.Port = via.Port
	}

	if !r.publicAddr.Equal(discovered) {
		r.log.Info().Str("addr", discovered.String()).Msg("discovered public address")
		r.publicAddr = discovered
		r.contact = nil
	}
}
