/*
Package conn carries consensus messages between nodes over TCP.
A pooled connection is only written by the dialing side; every frame is a
type tag followed by the msgpack-encoded message and the sender's signature.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is an outgoing connection to one peer.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

func newNetConn(target string, c net.Conn) *NetConn {
	w := bufio.NewWriter(c)
	return &NetConn{
		target: target,
		conn:   c,
		w:      w,
		enc:    codec.NewEncoder(w, &codec.MsgpackHandle{}),
	}
}

// Release closes the underlying connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}

// write frames one message. The connection is released on failure.
func (n *NetConn) write(tag uint8, msg interface{}, sig []byte) error {
	err := n.w.WriteByte(tag)
	if err == nil {
		err = n.enc.Encode(msg)
	}
	if err == nil {
		err = n.enc.Encode(sig)
	}
	if err == nil {
		err = n.w.Flush()
	}
	if err != nil {
		n.Release()
	}
	return err
}
