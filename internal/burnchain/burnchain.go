// Package burnchain models the Bitcoin-style chain that anchors leader
// election: the sortition-relevant operation types, the PoX sunset/
// prepare-phase commitment math, and the controller interface used to
// submit operations to it.
package burnchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BurnBlockMinedAtModulus is the modulus used to fan block-commit
// submissions for the same tenure out across several burnchain blocks,
// reducing collisions between competing miners.
const BurnBlockMinedAtModulus uint64 = 5

// HeaderHash identifies a burnchain block.
type HeaderHash chainhash.Hash

func (h HeaderHash) String() string { return chainhash.Hash(h).String() }

// ConsensusHash identifies a sortition (a burnchain block as seen by the
// Stacks chain's view of the burnchain, including PoX bit vector state).
type ConsensusHash [20]byte

func (c ConsensusHash) String() string { return fmt.Sprintf("%x", c[:]) }

// Txid is a burnchain transaction identifier.
type Txid chainhash.Hash

func (t Txid) String() string { return chainhash.Hash(t).String() }

// VRFSeed is derived from a VRF proof and seeds the next sortition's
// randomness.
type VRFSeed [32]byte

// BlockSnapshot is the sortition-relevant view of a single burnchain block:
// whether a sortition occurred, who won it, and the chain's accumulated
// proof-of-work.
type BlockSnapshot struct {
	BlockHeight          uint64
	BurnHeaderHash       HeaderHash
	ParentBurnHeaderHash HeaderHash
	ConsensusHash        ConsensusHash
	Sortition            bool
	WinningBlockTxid     Txid
	WinningStacksBlock   [32]byte

	// WinningBlockVtxindex is the vtxindex of the winning block-commit
	// within this burn block. A child block-commit built on top of this
	// snapshot's anchored block copies BlockHeight and this field into
	// its own ParentBlockPtr/ParentVtxindex, linking the two commits.
	WinningBlockVtxindex uint16

	TotalBurn uint64
	PoxValid  bool
}

// LeaderKeyRegisterOp registers a VRF public key at a given vtxindex within
// a burnchain block, establishing eligibility to later run a tenure.
type LeaderKeyRegisterOp struct {
	VRFPublicKey [32]byte
	MemoField    []byte
	Address      string
}

// RewardRecipient is a single PoX reward-cycle payout target.
type RewardRecipient struct {
	Address string
	Amount  uint64
}

// LeaderBlockCommitOp commits to a mined anchored block, its parent, and the
// VRF seed for the next sortition, together with the burn amount that both
// buys sortition weight and (outside the sunset window) pays PoX rewards.
type LeaderBlockCommitOp struct {
	BlockHeaderHash   [32]byte
	NewSeed           VRFSeed
	ParentBlockPtr    uint32
	ParentVtxindex    uint16
	KeyBlockPtr       uint32
	KeyVtxindex       uint16
	BurnParentModulus uint8
	BurnFee           uint64
	SunsetBurn        uint64
	CommitOuts        []RewardRecipient
}

// Controller submits signed operations to the burnchain and reports the
// confirmed transaction id. Implementations wrap a btcd-style RPC client or,
// in tests, a fake.
type Controller interface {
	SubmitOperation(op interface{}, signer *btcec.PrivateKey, attempt uint64) (*Txid, error)
	GetBlockSnapshot(consensusHash ConsensusHash) (*BlockSnapshot, bool, error)
	GetBlockCommits(sortID HeaderHash) ([]LeaderBlockCommitOp, error)
	GetKeyRegisters(sortID HeaderHash) ([]LeaderKeyRegisterOp, error)
}

// ExpectedSunsetBurn computes the portion of a burn_fee_cap-sized burn that
// must be destroyed (rather than distributed as PoX rewards) once the
// sunset window has begun, linearly ramping destruction to 100% of the cap
// by the sunset end height.
func ExpectedSunsetBurn(burnHeight uint64, burnFeeCap uint64, sunsetStart, sunsetEnd uint64) uint64 {
	if sunsetEnd <= sunsetStart || burnHeight < sunsetStart {
		return 0
	}
	if burnHeight >= sunsetEnd {
		return burnFeeCap
	}
	elapsed := burnHeight - sunsetStart
	total := sunsetEnd - sunsetStart
	// Integer ramp: burnFeeCap * elapsed / total, rounded down.
	return burnFeeCap * elapsed / total
}

// IsInPreparePhase reports whether burnHeight falls in the final
// prepareLength blocks of its reward cycle, during which block-commits
// may not name a reward-cycle recipient set and must instead burn their
// entire commitment.
func IsInPreparePhase(burnHeight, rewardCycleLength, prepareLength uint64) bool {
	if rewardCycleLength == 0 {
		return false
	}
	pos := burnHeight % rewardCycleLength
	return pos >= rewardCycleLength-prepareLength
}

// BurnAddress is the well-known address block-commits burn to when no PoX
// reward recipients apply (sunset window or prepare phase).
const BurnAddress = "1111111111111111111114oLvT2"
