//go:build !linux

package transport

import (
	"errors"
	"net"
)

func peerCredentials(conn *net.UnixConn) (Peer, error) {
	return Peer{}, errors.New("peer credentials are only available on linux")
}
