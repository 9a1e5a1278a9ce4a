package app

import (
	"github.com/gitzhang10/seqbft/consensus"
	"github.com/gitzhang10/seqbft/sign"
	"github.com/gitzhang10/seqbft/stream"
)

// streamProposal splits the encoded proposal into chunks and sends each one
// to all nodes, this node included.
func (n *Node) streamProposal(p *consensus.Proposal) error {
	data, err := consensus.EncodeProposal(p)
	if err != nil {
		return err
	}
	id := stream.StreamID{Height: uint64(p.Init.Height), Round: uint32(p.Init.Round), Sender: n.name}
	chunks, err := stream.Split(id, data, n.chunkSize)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := n.broadcast(ChunkTag, c); err != nil {
			return err
		}
	}
	return nil
}

// send message to all nodes
func (n *Node) broadcast(msgType uint8, msg interface{}) error {
	if n.trans == nil {
		return errNoTransport
	}
	msgAsBytes, err := encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(n.privateKey, msgAsBytes)
	return n.trans.Broadcast(n.peers, msgType, msg, sig)
}
