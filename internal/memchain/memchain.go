// Package memchain provides minimal in-memory implementations of the
// chainstate and burnchain collaborator interfaces, standing in for the
// real block-validation, storage, and peer-networking subsystems this
// module does not implement. It is useful both as the default backend
// for a standalone run of the miner binary and as deterministic test
// doubles for the relay and netsync packages.
package memchain

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"github.com/hashicorp/golang-lru"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
)

// Chain is an in-memory ChainState, MemPool, and Coordinator all at once;
// real deployments split these across a storage layer, a mempool, and a
// dedicated coordinator goroutine, but the relay core only ever needs the
// narrow interfaces, so one struct can satisfy all three for testing.
type Chain struct {
	mu sync.Mutex

	tipConsensus burnchain.ConsensusHash
	tipBlock     chainstate.BlockHeaderHash
	hasTip       bool

	headers     *lru.Cache
	microblocks map[chainstate.BlockHeaderHash][]chainstate.Microblock
	nonces      map[string]chainstate.AccountNonce

	mempoolTxs    map[[32]byte][]byte
	streamedCount int

	attachableStaging uint64
	coordRunning      bool
	announced         int
}

// New returns an empty Chain with no tip set (genesis).
func New() *Chain {
	headers, _ := lru.New(4096)
	return &Chain{
		headers:      headers,
		microblocks:  make(map[chainstate.BlockHeaderHash][]chainstate.Microblock),
		nonces:       make(map[string]chainstate.AccountNonce),
		mempoolTxs:   make(map[[32]byte][]byte),
		coordRunning: true,
	}
}

func (c *Chain) StacksTip() (burnchain.ConsensusHash, chainstate.BlockHeaderHash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipConsensus, c.tipBlock, c.hasTip
}

// SetTip moves the canonical tip forward.
func (c *Chain) SetTip(consensusHash burnchain.ConsensusHash, blockHash chainstate.BlockHeaderHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipConsensus = consensusHash
	c.tipBlock = blockHash
	c.hasTip = true
}

func headerKey(consensusHash burnchain.ConsensusHash, blockHash chainstate.BlockHeaderHash) string {
	return fmt.Sprintf("%x:%x", consensusHash[:], blockHash[:])
}

func (c *Chain) GetAnchoredBlockHeader(consensusHash burnchain.ConsensusHash, blockHash chainstate.BlockHeaderHash) (*chainstate.StacksBlock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.headers.Get(headerKey(consensusHash, blockHash))
	if !ok {
		return nil, false, nil
	}
	block := v.(chainstate.StacksBlock)
	return &block, true, nil
}

// PutHeader registers an anchored block for later lookup; used by tests.
func (c *Chain) PutHeader(consensusHash burnchain.ConsensusHash, block chainstate.StacksBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Add(headerKey(consensusHash, block.HeaderHash), block)
}

func (c *Chain) LoadDescendantMicroblockStream(_ burnchain.ConsensusHash, blockHash chainstate.BlockHeaderHash) ([]chainstate.Microblock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chainstate.Microblock(nil), c.microblocks[blockHash]...), nil
}

// AppendMicroblock appends a microblock to blockHash's descendant stream,
// used by tests to simulate new streaming activity between attempts.
func (c *Chain) AppendMicroblock(blockHash chainstate.BlockHeaderHash, mb chainstate.Microblock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.microblocks[blockHash] = append(c.microblocks[blockHash], mb)
}

func (c *Chain) CountAttachableStagingBlocks() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachableStaging, nil
}

// SetAttachableStaging lets tests simulate a sibling block waiting on a
// missing ancestor.
func (c *Chain) SetAttachableStaging(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachableStaging = n
}

func (c *Chain) AccountNonceAt(_ burnchain.ConsensusHash, _ chainstate.BlockHeaderHash, address string) (chainstate.AccountNonce, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[address], nil
}

func (c *Chain) BuildAnchoredBlock(parentConsensusHash burnchain.ConsensusHash, parentBlockHash chainstate.BlockHeaderHash, coinbaseTx []byte, poisonTx []byte) (*chainstate.StacksBlock, error) {
	h := sha256.New()
	h.Write(parentConsensusHash[:])
	h.Write(parentBlockHash[:])
	h.Write(coinbaseTx)
	h.Write(poisonTx)
	var headerHash chainstate.BlockHeaderHash
	copy(headerHash[:], h.Sum(nil))

	return &chainstate.StacksBlock{
		HeaderHash: headerHash,
		ParentHash: parentBlockHash,
	}, nil
}

func (c *Chain) PreprocessAnchoredBlock(consensusHash burnchain.ConsensusHash, block *chainstate.StacksBlock) error {
	c.PutHeader(consensusHash, *block)
	return nil
}

// BuildMicroblock packs every mempool transaction admitted since the last
// built microblock into a new one. It returns (nil, nil) once the mempool
// has nothing left unstreamed, mirroring the real miner's "nothing new to
// mine" outcome.
func (c *Chain) BuildMicroblock(_ burnchain.ConsensusHash, parentBlockHash chainstate.BlockHeaderHash, seq uint16, signer *btcec.PrivateKey, nonce chainstate.AccountNonce) (*chainstate.Microblock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.mempoolTxs) <= c.streamedCount {
		return nil, nil
	}

	var raw []byte
	i := 0
	for _, tx := range c.mempoolTxs {
		if i >= c.streamedCount {
			raw = append(raw, tx...)
		}
		i++
	}
	c.streamedCount = len(c.mempoolTxs)
	_ = signer
	_ = nonce

	return &chainstate.Microblock{
		Sequence:   seq,
		ParentHash: parentBlockHash,
		Raw:        raw,
	}, nil
}

func (c *Chain) PreprocessMicroblock(parentBlockHash chainstate.BlockHeaderHash, mb chainstate.Microblock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.microblocks[parentBlockHash] = append(c.microblocks[parentBlockHash], mb)
	return nil
}

// UnconfirmedTxs returns every mempool transaction currently admitted; this
// in-memory stand-in makes no distinction between confirmed and
// unconfirmed chain state, unlike a real mempool which tracks the
// unconfirmed microblock stream's own nonce space.
func (c *Chain) UnconfirmedTxs(_ burnchain.ConsensusHash, _ chainstate.BlockHeaderHash) (map[[32]byte][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[[32]byte][]byte, len(c.mempoolTxs))
	for k, v := range c.mempoolTxs {
		out[k] = v
	}
	return out, nil
}

func (c *Chain) SubmitPrivate(tx []byte, nonce chainstate.AccountNonce) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mempoolTxs[sha256.Sum256(tx)] = tx
	return nil
}

func (c *Chain) AnnounceBlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announced++
}

func (c *Chain) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordRunning
}

// StopCoordinator simulates the chain-state coordinator stopping, used by
// tests exercising the coordinator-stopped error class.
func (c *Chain) StopCoordinator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordRunning = false
}

// BurnController is a fake burnchain.Controller that assigns a
// deterministic txid to every submitted operation and keeps them in
// memory for later lookup.
type BurnController struct {
	mu        sync.Mutex
	submitted []submission
	snapshots map[burnchain.ConsensusHash]burnchain.BlockSnapshot
}

type submission struct {
	op      interface{}
	attempt uint64
}

// NewBurnController returns an empty fake controller.
func NewBurnController() *BurnController {
	return &BurnController{snapshots: make(map[burnchain.ConsensusHash]burnchain.BlockSnapshot)}
}

func (b *BurnController) SubmitOperation(op interface{}, signer *btcec.PrivateKey, attempt uint64) (*burnchain.Txid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, submission{op: op, attempt: attempt})

	h := sha256.Sum256([]byte(fmt.Sprintf("%v:%d:%d", op, attempt, len(b.submitted))))
	var txid burnchain.Txid
	copy(txid[:], h[:])
	return &txid, nil
}

func (b *BurnController) GetBlockSnapshot(consensusHash burnchain.ConsensusHash) (*burnchain.BlockSnapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.snapshots[consensusHash]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

// PutSnapshot registers a snapshot for later lookup by consensus hash.
func (b *BurnController) PutSnapshot(s burnchain.BlockSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[s.ConsensusHash] = s
}

func (b *BurnController) GetBlockCommits(burnchain.HeaderHash) ([]burnchain.LeaderBlockCommitOp, error) {
	return nil, nil
}

func (b *BurnController) GetKeyRegisters(burnchain.HeaderHash) ([]burnchain.LeaderKeyRegisterOp, error) {
	return nil, nil
}

// Submissions returns every operation submitted so far, for test
// assertions.
func (b *BurnController) Submissions() []struct {
	Op      interface{}
	Attempt uint64
} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]struct {
		Op      interface{}
		Attempt uint64
	}, len(b.submitted))
	for i, s := range b.submitted {
		out[i] = struct {
			Op      interface{}
			Attempt uint64
		}{s.op, s.attempt}
	}
	return out
}

// NetworkEngine is a fake chainstate.NetworkEngine that returns an empty
// result with no downloads pending, for standalone/test runs that do not
// exercise real peer networking.
type NetworkEngine struct{}

func (NetworkEngine) Run(map[[32]byte]struct{}, map[[32]byte][]byte) (*chainstate.NetworkResult, error) {
	return &chainstate.NetworkResult{}, nil
}

func (NetworkEngine) HasMoreDownloads() bool { return false }

// EventDispatcher is a chainstate.EventDispatcher that counts what it is
// told rather than forwarding it anywhere, standing in for a real
// subscriber registry (HTTP callbacks, a local event log) that is out of
// scope for this module.
type EventDispatcher struct {
	mu                sync.Mutex
	mempoolTxs        int
	attachmentBatches int
	bootReceipts      int
}

func (d *EventDispatcher) AnnounceMempoolTxs(txs [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mempoolTxs += len(txs)
}

func (d *EventDispatcher) AnnounceAttachments(attachments [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attachmentBatches++
}

func (d *EventDispatcher) AnnounceBootReceipts(receipts [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bootReceipts += len(receipts)
}

// Counts returns how many mempool txs, attachment batches, and boot
// receipts have been announced so far, for test assertions.
func (d *EventDispatcher) Counts() (mempoolTxs, attachmentBatches, bootReceipts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mempoolTxs, d.attachmentBatches, d.bootReceipts
}
