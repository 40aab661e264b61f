// Package ssh holds the SSH client pieces used by the ssh:// connector:
// loading client keys (key file or agent), host key verification against a
// known_hosts file with trust on first use, and the client handshake over an
// already dialed connection.
package ssh
