//go:build linux

package fabricd

import (
	"net"

	"golang.org/x/sys/unix"
)

// withPeerCredentials reports SO_PEERCRED of every accepted unix session as
// its remote address.
func withPeerCredentials(ln net.Listener) net.Listener {
	return &peerCredListener{Listener: ln}
}

type peerCredListener struct {
	net.Listener
}

func (l *peerCredListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return conn, nil
	}
	peer, err := unixPeerCredentials(uc)
	if err != nil {
		return conn, nil
	}
	if addr := uc.LocalAddr(); addr != nil {
		peer.Path = addr.String()
	}
	return &peerConn{Conn: conn, peer: peer}, nil
}

func unixPeerCredentials(conn *net.UnixConn) (*PeerAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, credErr
	}
	return &PeerAddr{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
