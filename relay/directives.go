// Package relay implements the relayer control loop: the sole writer of
// chain state, responsible for running tenures, registering leader keys,
// streaming microblocks, and folding network results into chain state.
package relay

import (
	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/vrfkey"
)

// channel buffer sizes for the relay and RPC directive channels. Both are
// bounded and have one receiver, the relayer's own loop. The relay channel
// is fed by the P2P loop and the node façade, which never block on it:
// they drop the directive or keep it queued. The RPC channel is fed by RPC
// handler goroutines, which use a blocking send and wait for room. A full
// channel means the relayer has fallen behind.
const (
	RelayChannelCapacity = 100
	RPCChannelCapacity   = 100
)

// Directive is one unit of work posted to the relayer's main channel by
// the P2P loop.
type Directive interface {
	isDirective()
}

// HandleNetResult asks the relayer to fold a completed network engine
// pass into chain state: received anchored blocks and microblocks are
// staged, new transactions and attachments are forwarded to the event
// dispatcher, and the resulting unconfirmed state is mirrored out for the
// P2P loop to read.
type HandleNetResult struct {
	Result *chainstate.NetworkResult
}

// ProcessTenure reports that a sortition has now been confirmed for a
// tenure this node may have mined a candidate for; the relayer checks
// whether the winning block hash matches one of its own attempts.
type ProcessTenure struct {
	ConsensusHash        burnchain.ConsensusHash
	ParentBurnHeaderHash burnchain.HeaderHash
	WinningStacksBlock   chainstate.BlockHeaderHash
}

// RunTenure asks the relayer to assemble and commit to a new anchored
// block on top of the given registered key and burnchain tip.
type RunTenure struct {
	RegisteredKey vrfkey.RegisteredKey
	BurnchainTip  burnchain.BlockSnapshot
}

// RegisterKey asks the relayer to submit a fresh LeaderKeyRegisterOp for
// the given burnchain tip.
type RegisterKey struct {
	BurnchainTip burnchain.BlockSnapshot
}

// RunMicroblockTenure asks the relayer to extend the current miner tip's
// microblock stream by one microblock, if enough time has elapsed and the
// tip is still the node's own.
type RunMicroblockTenure struct{}

func (HandleNetResult) isDirective()     {}
func (ProcessTenure) isDirective()       {}
func (RunTenure) isDirective()           {}
func (RegisterKey) isDirective()         {}
func (RunMicroblockTenure) isDirective() {}

// RPCDirective is one unit of work posted to the relayer's RPC channel by
// an RPC handler goroutine. RegisterKeyRPC and PrepareBlockRPC each carry a
// single-use reply channel: the relayer sends exactly one reply and the
// handler goroutine is the only receiver, so no buffering beyond capacity 1
// is needed on the reply side. StoreMinerBlockRPC carries none.
type RPCDirective interface {
	isRPCDirective()
}

// RegisterKeyRPCResponse is the result of an operator-triggered key
// registration request.
type RegisterKeyRPCResponse struct {
	VRFPublicKey [32]byte
	Txid         burnchain.Txid
	Err          error
}

// RegisterKeyRPC requests an out-of-band key registration against a named
// sortition (used by test harnesses and manual key rotation, as opposed to
// the relayer's own automatic RegisterKey directive).
type RegisterKeyRPC struct {
	ConsensusHash burnchain.ConsensusHash
	Reply         chan RegisterKeyRPCResponse
}

// BuildBlockTemplateRPCResponse is the result of a PrepareBlock request.
type BuildBlockTemplateRPCResponse struct {
	BlockHash           chainstate.BlockHeaderHash
	NewSeed             burnchain.VRFSeed
	Recipients          []burnchain.RewardRecipient
	MicroblockSecretKey []byte
	Err                 error
}

// PrepareBlockRPC asks the relayer to assemble (but not commit) a block
// template against a named parent, returning the assembled block's hash,
// the reward recipients a subsequent commit would use, and the microblock
// signing key. No VRF proof is generated on this path: NewSeed in the
// reply is always the zero seed. Note it intentionally omits RunTenure's canonical-tip staleness guard:
// a caller may legitimately want a template built against a parent that
// is no longer the canonical tip (for example, to inspect what would have
// been mined).
type PrepareBlockRPC struct {
	ParentConsensusHash burnchain.ConsensusHash
	TipBlockHash        chainstate.BlockHeaderHash
	Reply               chan BuildBlockTemplateRPCResponse
}

// StoreMinerBlockRPC hands the relayer an already-assembled block (for
// example one built out-of-band via PrepareBlockRPC and then approved by
// an operator) to register as a pending commit attempt. It carries no
// reply channel: the caller fires and forgets.
type StoreMinerBlockRPC struct {
	ParentConsensusHash burnchain.ConsensusHash
	MyBurnHash          burnchain.HeaderHash
	Anchored            *chainstate.StacksBlock
	MicroblockSecretKey []byte
}

func (RegisterKeyRPC) isRPCDirective()     {}
func (PrepareBlockRPC) isRPCDirective()    {}
func (StoreMinerBlockRPC) isRPCDirective() {}
