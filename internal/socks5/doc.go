// Package socks5 speaks the SOCKS5 handshake over an existing connection.
//
// It is a thin layer over the wire types in github.com/txthinking/socks5:
// the client side negotiates authentication and issues CONNECT, and the
// server side helpers back the in-process servers used in tests.
package socks5
