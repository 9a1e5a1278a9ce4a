package conn

import (
	"net"
	"time"
)

// StreamLayer is the listener and dialer under a NetworkTransport.
type StreamLayer interface {
	net.Listener

	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NewTCPTransport listens on bindAddr and returns a NetworkTransport on top
// of it. cfg.Stream is ignored.
func NewTCPTransport(bindAddr string, cfg Config) (*NetworkTransport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	cfg.Stream = &TCPStreamLayer{listener: list.(*net.TCPListener)}
	return NewNetworkTransport(cfg), nil
}
