package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth holds optional username/password credentials.
type Auth struct {
	Username string
	Password string
}

// ReplyError is a CONNECT reply other than success.
type ReplyError struct {
	Code byte
}

// RFC 1928 section 6 reply codes.
var replyText = map[byte]string{
	0x01: "general server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

func (e *ReplyError) Error() string {
	if s, ok := replyText[e.Code]; ok {
		return "socks5: " + s
	}
	return fmt.Sprintf("socks5: reply code 0x%02x", e.Code)
}

// WriteReply writes a reply with code rep. bindAddr may be nil, in which
// case the zero IPv4 address is reported.
func WriteReply(conn net.Conn, rep byte, bindAddr net.Addr) error {
	r := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	if bindAddr != nil {
		a, addr, port, err := txsocks5.ParseAddress(bindAddr.String())
		if err != nil {
			return fmt.Errorf("parse bind address %q: %w", bindAddr, err)
		}
		if a == txsocks5.ATYPDomain {
			addr = addr[1:]
		}
		r = txsocks5.NewReply(rep, a, addr, port)
	}
	if _, err := r.WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
