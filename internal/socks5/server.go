package socks5

import (
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

const methodNoAcceptable byte = 0xff

// ServerNegotiate runs the server side of method negotiation. A non-empty
// auth.Username requires username/password authentication.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	offer, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	var want byte = txsocks5.MethodNone
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	chosen := want
	if !slices.Contains(offer.Methods, want) {
		chosen = methodNoAcceptable
	}
	if _, err := txsocks5.NewNegotiationReply(chosen).WriteTo(conn); err != nil {
		return fmt.Errorf("write method: %w", err)
	}
	switch chosen {
	case methodNoAcceptable:
		return fmt.Errorf("client did not offer method 0x%02x", want)
	case txsocks5.MethodNone:
		return nil
	}

	creds, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	ok := string(creds.Uname) == auth.Username && string(creds.Passwd) == auth.Password
	var status byte = txsocks5.UserPassStatusFailure
	if ok {
		status = txsocks5.UserPassStatusSuccess
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(status).WriteTo(conn); err != nil {
		return fmt.Errorf("write auth status: %w", err)
	}
	if !ok {
		return ErrAuthFailed
	}
	return nil
}

// ServerReadRequest reads the client's command.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return req, nil
}
