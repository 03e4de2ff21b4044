package transport

import (
	"io"
	"net"
)

func dialNet(proto, addr string) (io.ReadWriteCloser, error) {
	conn, err := net.Dial(proto, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialTCP connects to a TCP address.
func DialTCP(addr string) (io.ReadWriteCloser, error) {
	return dialNet("tcp", addr)
}

// DialUnix connects to a Unix domain socket.
func DialUnix(addr string) (io.ReadWriteCloser, error) {
	return dialNet("unix", addr)
}
