package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/snow2flying/rsipstack/transaction"
	"github.com/snow2flying/rsipstack/transport"
)

func testRegistration(t *testing.T) *Registration {
	t.Helper()
	endpoint := transaction.NewEndpoint(transaction.WithUserAgent("rsipstack-test"))
	return NewRegistration(endpoint, &Credential{Username: "alice", Password: "secret", Realm: "r"})
}

func responseWithVia(t *testing.T, viaValue string) *sip.Response {
	t.Helper()
	res := sip.NewResponse(200, "OK")
	res.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5060,
		Params:          viaParams(t, viaValue),
	})
	return res
}

func viaParams(t *testing.T, raw string) sip.HeaderParams {
	t.Helper()
	params := sip.NewParams().Add("branch", "z9hG4bK.reg")
	switch raw {
	case "received+rport":
		params = params.Add("received", "203.0.113.5").Add("rport", "40000")
	case "received":
		params = params.Add("received", "203.0.113.5")
	}
	return params
}

func TestPublicAddressDiscovery(t *testing.T) {
	r := testRegistration(t)

	res := responseWithVia(t, "received+rport")
	r.updatePublicAddress(res)

	require.Equal(t, "203.0.113.5:40000", r.DiscoveredPublicAddress().String())
}

func TestPublicAddressInvalidatesContact(t *testing.T) {
	r := testRegistration(t)
	r.contact = &sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "10.0.0.2", Port: 5060},
		Params:  sip.NewParams(),
	}

	r.updatePublicAddress(responseWithVia(t, "received+rport"))
	require.Nil(t, r.contact, "cached Contact invalidated on address change")

	// Next Contact is built from the discovered address.
	contact := r.makeContact("alice", transport.Addr{Network: "UDP", Host: "10.0.0.2", Port: 5060})
	require.Equal(t, "203.0.113.5", contact.Address.Host)
	require.Equal(t, 40000, contact.Address.Port)
}

func TestPublicAddressUnchangedKeepsContact(t *testing.T) {
	r := testRegistration(t)
	r.publicAddr = transport.Addr{Host: "203.0.113.5", Port: 40000}
	cached := &sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "203.0.113.5", Port: 40000},
		Params:  sip.NewParams(),
	}
	r.contact = cached

	r.updatePublicAddress(responseWithVia(t, "received+rport"))
	require.Same(t, cached, r.contact)
}

func TestPublicAddressPartialParams(t *testing.T) {
	r := testRegistration(t)

	// received without rport falls back to the Via port.
	r.updatePublicAddress(responseWithVia(t, "received"))
	require.Equal(t, "203.0.113.5:5060", r.DiscoveredPublicAddress().String())
}

func TestExpiresFromContact(t *testing.T) {
	r := testRegistration(t)
	require.Equal(t, uint32(50), r.Expires(), "default when no contact cached")

	r.contact = &sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "203.0.113.5", Port: 40000},
		Params:  sip.NewParams().Add("expires", "3600"),
	}
	require.Equal(t, uint32(3600), r.Expires())

	r.contact.Params = sip.NewParams()
	require.Equal(t, uint32(50), r.Expires(), "default when param absent")
}

func TestMakeContactFallsBackToLocal(t *testing.T) {
	r := testRegistration(t)
	local := transport.Addr{Network: "UDP", Host: "10.0.0.2", Port: 5060}

	contact := r.makeContact("alice", local)
	require.Equal(t, "alice", contact.Address.User)
	require.Equal(t, "10.0.0.2", contact.Address.Host)
	require.Equal(t, 5060, contact.Address.Port)
}
