package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrAuthFailed is returned when the server rejects the credentials.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// Handshake negotiates auth on rw and asks the server to CONNECT to
// host:port. A refused CONNECT is reported as a *ReplyError.
func Handshake(rw io.ReadWriter, auth Auth, host string, port int) error {
	if err := negotiate(rw, auth); err != nil {
		return err
	}
	return connect(rw, host, port)
}

func negotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("socks5 negotiation write: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("socks5 negotiation read: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return errors.New("socks5: server requires username/password")
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
		if _, err := req.WriteTo(rw); err != nil {
			return fmt.Errorf("socks5 auth write: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("socks5 auth read: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("socks5: no acceptable auth method (0x%02x)", neg.Method)
	}
}

func connect(rw io.ReadWriter, host string, port int) error {
	atyp, addr, portBytes, err := txsocks5.ParseAddress(net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("socks5 address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, portBytes).WriteTo(rw); err != nil {
		return fmt.Errorf("socks5 connect write: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("socks5 connect read: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}
