package cli

import (
	"fmt"
	"net"
)

// udpTransport sends RTP packets to one remote address.
type udpTransport struct {
	conn net.Conn
}

func dialUDP(addr string) (*udpTransport, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) Send(packet []byte) error {
	_, err := t.conn.Write(packet)
	return err
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
