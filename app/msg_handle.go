package app

import (
	"context"

	"github.com/gitzhang10/seqbft/consensus"
	"github.com/gitzhang10/seqbft/sign"
	"github.com/gitzhang10/seqbft/stream"
)

// HandleMsgLoop checks the envelope signature of every incoming message and
// routes votes and chunks to their channels until ctx is done.
func (n *Node) HandleMsgLoop(ctx context.Context) error {
	if n.trans == nil {
		return errNoTransport
	}
	msgCh := n.trans.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msgWithSig := <-msgCh:
			if n.isFaulty {
				continue
			}
			switch msgAsserted := msgWithSig.Msg.(type) {
			case consensus.Vote:
				if !n.verifySigED25519(string(msgAsserted.Voter), msgAsserted, msgWithSig.Sig) {
					n.logger.Error("fail to verify the vote's signature", "height", msgAsserted.Height,
						"round", msgAsserted.Round, "sender", msgAsserted.Voter)
					continue
				}
				select {
				case n.votes <- msgAsserted:
				case <-ctx.Done():
					return ctx.Err()
				}
			case stream.Chunk:
				if !n.verifySigED25519(msgAsserted.Stream.Sender, msgAsserted, msgWithSig.Sig) {
					n.logger.Error("fail to verify the chunk's signature", "stream", msgAsserted.Stream,
						"seq", msgAsserted.Seq)
					continue
				}
				select {
				case n.chunks <- msgAsserted:
				case <-ctx.Done():
					return ctx.Err()
				}
			default:
				n.logger.Warn("unexpected message", "tag", msgWithSig.Tag)
			}
		}
	}
}

func (n *Node) verifySigED25519(peer string, data interface{}, sig []byte) bool {
	pubKey, ok := n.publicKeyMap[peer]
	if !ok {
		n.logger.Error("node is unknown", "node", peer)
		return false
	}
	dataAsBytes, err := encode(data)
	if err != nil {
		n.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
