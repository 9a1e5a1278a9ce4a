package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/seqbft/config"
	"github.com/gitzhang10/seqbft/conn"
	"github.com/gitzhang10/seqbft/consensus"
	"github.com/gitzhang10/seqbft/stream"
)

// Transport is the part of conn.NetworkTransport a Node uses.
type Transport interface {
	Broadcast(targets []string, tag uint8, msg interface{}, sig []byte) error
	Inbox() <-chan conn.Envelope
}

// Node is a block-batching sequencer: it builds, validates and commits
// blocks for the consensus Manager and carries its messages.
type Node struct {
	name   string
	lock   sync.RWMutex
	logger hclog.Logger

	validators  []consensus.Validator // sorted by id
	totalWeight uint64
	peers       []string

	clusterPort  map[string]int
	maxPool      int
	isFaulty     bool // true indicate this node drops incoming messages
	batchSize    int
	txSize       int
	chunkSize    int
	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	trans Transport

	pending map[consensus.ContentID]pendingContent
	chain   *Chain

	evaluation []int64 // store the latency of every block
	commitTime []int64 // the time each block is committed

	votes  chan consensus.Vote
	chunks chan stream.Chunk
}

func NewNode(conf *config.Config, logger hclog.Logger) *Node {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "seqbft-node",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		})
	}
	n := &Node{
		name:         conf.Name,
		logger:       logger,
		peers:        conf.Peers(),
		clusterPort:  conf.ClusterPort,
		maxPool:      conf.MaxPool,
		isFaulty:     conf.IsFaulty,
		batchSize:    conf.BatchSize,
		txSize:       conf.TxSize,
		chunkSize:    conf.ChunkSize,
		publicKeyMap: conf.PublicKeyMap,
		privateKey:   conf.PrivateKey,
		pending:      make(map[consensus.ContentID]pendingContent),
		chain:        &Chain{blocks: make(map[uint64]*Block)},
		votes:        make(chan consensus.Vote, 1024),
		chunks:       make(chan stream.Chunk, 4096),
	}
	for name, w := range conf.Weights {
		n.validators = append(n.validators, consensus.Validator{ID: consensus.ValidatorID(name), Weight: consensus.Weight(w)})
		n.totalWeight += w
	}
	sort.Slice(n.validators, func(i, j int) bool { return n.validators[i].ID < n.validators[j].ID })
	return n
}

// SetTransport attaches the transport used for broadcasting and receiving.
func (n *Node) SetTransport(trans Transport) {
	n.trans = trans
}

func (n *Node) Name() string {
	return n.name
}

// Votes delivers signature-checked votes from peers.
func (n *Node) Votes() <-chan consensus.Vote {
	return n.votes
}

// Chunks delivers signature-checked proposal chunks from peers.
func (n *Node) Chunks() <-chan stream.Chunk {
	return n.chunks
}

// PublicKeys maps validator ids to their ed25519 keys.
func (n *Node) PublicKeys() map[consensus.ValidatorID]ed25519.PublicKey {
	keys := make(map[consensus.ValidatorID]ed25519.PublicKey, len(n.publicKeyMap))
	for name, k := range n.publicKeyMap {
		keys[consensus.ValidatorID(name)] = k
	}
	return keys
}

func (n *Node) ValidatorSet(_ consensus.Height) ([]consensus.Validator, error) {
	out := make([]consensus.Validator, len(n.validators))
	copy(out, n.validators)
	return out, nil
}

// Proposer walks the validators in id order, giving each as many
// consecutive slots as its weight.
func (n *Node) Proposer(height consensus.Height, round consensus.Round) consensus.ValidatorID {
	if n.totalWeight == 0 {
		return ""
	}
	slot := (uint64(height) + uint64(round)) % n.totalWeight
	for _, v := range n.validators {
		if slot < uint64(v.Weight) {
			return v.ID
		}
		slot -= uint64(v.Weight)
	}
	return n.validators[len(n.validators)-1].ID
}

// NewBlock packs a batch of fresh transactions.
func (n *Node) NewBlock(init consensus.ProposalInit) *Block {
	var batch [][]byte
	tx := generateTX(n.txSize)
	for i := 0; i < n.batchSize; i++ {
		batch = append(batch, tx)
	}
	return &Block{
		Height:    uint64(init.Height),
		Round:     uint32(init.Round),
		Proposer:  n.name,
		Txs:       batch,
		TimeStamp: time.Now().UnixNano(),
	}
}

func (n *Node) BuildProposal(ctx context.Context, init consensus.ProposalInit) (consensus.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return consensus.ContentID{}, err
	}
	content, err := encode(n.NewBlock(init))
	if err != nil {
		return consensus.ContentID{}, err
	}
	id := consensus.ContentHash(content)
	n.lock.Lock()
	n.pending[id] = pendingContent{height: init.Height, content: content}
	n.lock.Unlock()
	if err := n.streamProposal(&consensus.Proposal{Init: init, ContentID: id, Content: content}); err != nil {
		return consensus.ContentID{}, err
	}
	n.logger.Debug("proposed block", "height", init.Height, "round", init.Round, "txs", n.batchSize)
	return id, nil
}

func (n *Node) Repropose(_ context.Context, id consensus.ContentID, init consensus.ProposalInit) error {
	n.lock.RLock()
	p, ok := n.pending[id]
	n.lock.RUnlock()
	if !ok {
		return fmt.Errorf("no content for %s", id)
	}
	return n.streamProposal(&consensus.Proposal{Init: init, ContentID: id, Content: p.content})
}

func (n *Node) ValidateProposal(_ context.Context, init consensus.ProposalInit, content []byte) (bool, error) {
	var block Block
	if err := decode(content, &block); err != nil {
		return false, err
	}
	if block.Height != uint64(init.Height) {
		return false, nil
	}
	if n.batchSize > 0 && len(block.Txs) > n.batchSize {
		return false, nil
	}
	n.lock.Lock()
	n.pending[consensus.ContentHash(content)] = pendingContent{height: init.Height, content: content}
	n.lock.Unlock()
	return true, nil
}

func (n *Node) Broadcast(_ context.Context, v consensus.Vote) error {
	return n.broadcast(VoteTag, v)
}

func (n *Node) DecisionReached(_ context.Context, d consensus.Decision) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	p, ok := n.pending[d.ContentID]
	if !ok {
		return fmt.Errorf("decided unknown content %s at height %d", d.ContentID, d.Height)
	}
	var block Block
	if err := decode(p.content, &block); err != nil {
		return err
	}
	n.chain.blocks[uint64(d.Height)] = &block
	n.chain.height = uint64(d.Height)
	now := time.Now().UnixNano()
	n.evaluation = append(n.evaluation, now-block.TimeStamp)
	n.commitTime = append(n.commitTime, now)
	n.logger.Info("commit the block", "node", n.name, "height", d.Height, "round", d.Round,
		"block-proposer", block.Proposer, "txs", len(block.Txs), "certified", len(d.Certificate) > 0)
	return nil
}

// FinalizeHeight drops pending content of finished heights.
func (n *Node) FinalizeHeight(_ context.Context, height consensus.Height) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	for id, p := range n.pending {
		if p.height <= height {
			delete(n.pending, id)
		}
	}
	return nil
}

// Committed returns the committed block at height.
func (n *Node) Committed(height uint64) (*Block, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	b, ok := n.chain.blocks[height]
	return b, ok
}

// Report logs the average latency and throughput since start.
func (n *Node) Report(start time.Time) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	blockNum := len(n.evaluation)
	if blockNum == 0 {
		n.logger.Info("no block committed")
		return
	}
	pastTime := float64(n.commitTime[blockNum-1]-start.UnixNano()) / 1e9
	throughPut := float64(blockNum*n.batchSize) / pastTime
	totalTime := int64(0)
	for _, t := range n.evaluation {
		totalTime += t
	}
	latency := float64(totalTime) / 1e9 / float64(blockNum)
	n.logger.Info("the average", "latency", latency, "throughput", throughPut)
	n.logger.Info("the total commit", "block number", blockNum, "time", pastTime)
}

var errNoTransport = errors.New("node has no transport")

func (n *Node) listenAddr() string {
	return ":" + strconv.Itoa(n.clusterPort[n.name])
}
