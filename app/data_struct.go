package app

import "github.com/gitzhang10/seqbft/consensus"

// Block is the proposal content: a batch of transactions for one height.
type Block struct {
	Height    uint64
	Round     uint32
	Proposer  string
	Txs       [][]byte
	TimeStamp int64
}

// Chain stores committed blocks by height.
type Chain struct {
	height uint64 // the highest committed height
	blocks map[uint64]*Block
}

// pendingContent is built or validated content awaiting a decision.
type pendingContent struct {
	height  consensus.Height
	content []byte
}
