package app

import (
	"time"

	"github.com/gitzhang10/seqbft/conn"
)

// StartP2PListen starts the node's TCP transport.
func (n *Node) StartP2PListen() (*conn.NetworkTransport, error) {
	trans, err := conn.NewTCPTransport(n.listenAddr(), conn.Config{
		MaxPool: n.maxPool,
		Types:   ReflectedTypesMap,
		Logger:  n.logger.Named("net"),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	n.trans = trans
	return trans, nil
}

// EstablishP2PConns dials every peer once, retrying until deadline.
func (n *Node) EstablishP2PConns(trans *conn.NetworkTransport, deadline time.Duration) error {
	var err error
	end := time.Now().Add(deadline)
	for {
		if err = trans.Connect(n.peers); err == nil {
			return nil
		}
		if time.Now().After(end) {
			return err
		}
		n.logger.Debug("peers not reachable yet", "error", err)
		time.Sleep(500 * time.Millisecond)
	}
}
