package playout

import (
	"errors"
	"net"
	"syscall"

	"github.com/pion/rtp"
)

// UDPSink writes each packet as one datagram to a local player.
type UDPSink struct {
	conn *net.UDPConn
}

func DialUDP(addr string) (*UDPSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPSink{conn: conn}, nil
}

func (s *UDPSink) WriteRTP(pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(b)
	// No player listening yet.
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}
	return err
}

func (s *UDPSink) Close() error { return s.conn.Close() }
