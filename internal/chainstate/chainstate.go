// Package chainstate defines the narrow collaborator interfaces the relay
// core depends on: chain state storage, the mempool, the chain-processing
// coordinator, the P2P network engine, and the event dispatcher. Their
// concrete implementations (block validation, state materialization,
// peer networking) are out of scope for this module; only the surface the
// mining and relay core calls is defined here.
package chainstate

import (
	"github.com/btcsuite/btcd/btcec"

	"github.com/psq/stacks-blockchain/internal/burnchain"
)

// BlockHeaderHash identifies a Stacks anchored block.
type BlockHeaderHash [32]byte

// StacksBlock is an assembled anchored block, opaque to this package beyond
// its header hash and the raw bytes the burnchain operation commits to.
type StacksBlock struct {
	HeaderHash BlockHeaderHash
	ParentHash BlockHeaderHash
	Height     uint64
	Raw        []byte
}

// Microblock is a single streamed microblock, opaque beyond its sequence
// number and the stream it extends.
type Microblock struct {
	Sequence   uint16
	ParentHash BlockHeaderHash
	Raw        []byte

	// PoisonProof is set when this microblock is the tail of a detected
	// fork in the miner's own stream; its presence triggers a private
	// poison-microblock transaction instead of further streaming.
	PoisonProof []byte
}

// AccountNonce is the read-only Clarity account state the coinbase and
// poison-microblock transactions are nonced against.
type AccountNonce uint64

// ChainState is the read/materialize surface the relay core needs against
// the Stacks chain: looking up tips, headers, descendant microblock
// streams, and account nonces, plus submitting newly assembled work.
type ChainState interface {
	// StacksTip returns the chain tip the node is currently building on,
	// or ok=false if no anchored block has been processed yet (genesis).
	StacksTip() (consensusHash burnchain.ConsensusHash, blockHash BlockHeaderHash, ok bool)

	// GetAnchoredBlockHeader looks up an anchored block by consensus hash
	// and block hash.
	GetAnchoredBlockHeader(consensusHash burnchain.ConsensusHash, blockHash BlockHeaderHash) (*StacksBlock, bool, error)

	// LoadDescendantMicroblockStream returns the longest known microblock
	// stream descending from (consensusHash, blockHash).
	LoadDescendantMicroblockStream(consensusHash burnchain.ConsensusHash, blockHash BlockHeaderHash) ([]Microblock, error)

	// CountAttachableStagingBlocks reports how many anchored blocks are
	// staged and waiting on a missing ancestor, used to decide whether it
	// is safe to advance the unconfirmed microblock stream.
	CountAttachableStagingBlocks() (uint64, error)

	// AccountNonceAt performs a read-only account nonce lookup against the
	// chain state as of (consensusHash, blockHash).
	AccountNonceAt(consensusHash burnchain.ConsensusHash, blockHash BlockHeaderHash, address string) (AccountNonce, error)

	// BuildAnchoredBlock assembles a new anchored block on top of the
	// given parent, consuming mempool transactions up to the block
	// budget. coinbaseTx and poisonTx (if non-nil) are prepended.
	BuildAnchoredBlock(parentConsensusHash burnchain.ConsensusHash, parentBlockHash BlockHeaderHash, coinbaseTx []byte, poisonTx []byte) (*StacksBlock, error)

	// PreprocessAnchoredBlock validates and stages a newly confirmed
	// anchored block so the coordinator can pick it up.
	PreprocessAnchoredBlock(consensusHash burnchain.ConsensusHash, block *StacksBlock) error

	// BuildMicroblock assembles and signs the next microblock extending
	// parentBlockHash's stream, consuming mempool transactions that apply
	// against nonce. It returns (nil, nil) if there is nothing new to
	// stream.
	BuildMicroblock(parentConsensusHash burnchain.ConsensusHash, parentBlockHash BlockHeaderHash, seq uint16, signer *btcec.PrivateKey, nonce AccountNonce) (*Microblock, error)

	// PreprocessMicroblock validates and stages a newly streamed
	// microblock, whether mined locally or received from the network.
	PreprocessMicroblock(parentBlockHash BlockHeaderHash, mb Microblock) error

	// UnconfirmedTxs returns the mempool's current view of transactions
	// that apply against the unconfirmed microblock stream descending
	// from (consensusHash, blockHash).
	UnconfirmedTxs(consensusHash burnchain.ConsensusHash, blockHash BlockHeaderHash) (map[[32]byte][]byte, error)
}

// MemPool is the transaction pool surface the relay core needs: privately
// submitting a locally-mined poison-microblock transaction.
type MemPool interface {
	SubmitPrivate(tx []byte, nonce AccountNonce) error
}

// Coordinator drives chain-state materialization (processing staged
// blocks into new chain tips) on a dedicated goroutine outside the relay
// loop. AnnounceBlock wakes it; Running reports whether it is still
// processing new work, which the relay loop checks once after announcing
// its own mined block.
type Coordinator interface {
	AnnounceBlock()
	Running() bool
}

// ReceivedBlock is an anchored block obtained from the network, pending
// staging via ChainState.PreprocessAnchoredBlock.
type ReceivedBlock struct {
	ConsensusHash burnchain.ConsensusHash
	Block         *StacksBlock
}

// ReceivedMicroblock is a microblock obtained from the network, pending
// staging via ChainState.PreprocessMicroblock.
type ReceivedMicroblock struct {
	ParentBlockHash BlockHeaderHash
	Microblock      Microblock
}

// NetworkResult is the outcome of one pass of the P2P network engine: newly
// received transactions, attachments, anchored blocks, and microblocks that
// now have data the relayer should fold into chain state.
type NetworkResult struct {
	NewTransactions       [][]byte
	NewAttachments        [][]byte
	NewBlocks             []ReceivedBlock
	NewMicroblocks        []ReceivedMicroblock
	NumStateMachinePasses int
	NumInvSyncPasses      int
}

// HasDataToStore reports whether this result contains anything the
// relayer needs to act on, as opposed to a pass that observed nothing new.
func (r *NetworkResult) HasDataToStore() bool {
	return len(r.NewTransactions) > 0 || len(r.NewAttachments) > 0 ||
		len(r.NewBlocks) > 0 || len(r.NewMicroblocks) > 0
}

// NetworkEngine drives one pass of peer networking: downloading blocks,
// exchanging inventories, and relaying transactions.
type NetworkEngine interface {
	Run(expectedAttachments map[[32]byte]struct{}, unconfirmed map[[32]byte][]byte) (*NetworkResult, error)
	HasMoreDownloads() bool
}

// EventDispatcher delivers structured notifications about chain activity
// to any subscribed external observers (for example a local HTTP callback
// registered by an operator's indexer). Its contract is narrow by design:
// mempool additions, attachment batches, and boot receipts are the only
// things the relay core itself observes and forwards.
type EventDispatcher interface {
	AnnounceMempoolTxs(txs [][]byte)
	AnnounceAttachments(attachments [][]byte)
	AnnounceBootReceipts(receipts [][]byte)
}
