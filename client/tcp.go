package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"opendap/dap"
)

// TCPTransport speaks to a remote probe server. Each packet travels as a
// little endian uint16 length prefix followed by the packet bytes.
type TCPTransport struct {
	conn net.Conn
}

// DialTCP connects to a probe server at addr.
func DialTCP(addr string) (*TCPTransport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial probe server: %w", err)
	}
	return &TCPTransport{conn: conn}, nil
}

// NewTCPTransport wraps an established connection.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// Exchange implements Transport.
func (t *TCPTransport) Exchange(cmd []byte) ([]byte, error) {
	if err := WriteFrame(t.conn, cmd); err != nil {
		return nil, err
	}
	return ReadFrame(t.conn)
}

// Close implements Transport.
func (t *TCPTransport) Close() error { return t.conn.Close() }

// WriteFrame writes one length-prefixed packet.
func WriteFrame(w io.Writer, pkt []byte) error {
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(pkt)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(pkt); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed packet.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	if n > dap.V2MaxPacketSize {
		return nil, fmt.Errorf("frame too large (%d bytes)", n)
	}
	pkt := make([]byte, n)
	if _, err := io.ReadFull(r, pkt); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return pkt, nil
}
