package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/config"
	"github.com/psq/stacks-blockchain/internal/keychain"
	"github.com/psq/stacks-blockchain/internal/memchain"
	"github.com/psq/stacks-blockchain/internal/sharedstate"
	"github.com/psq/stacks-blockchain/internal/vrfkey"
)

func newTestRelayer(t *testing.T) (*Relayer, *memchain.Chain, *memchain.BurnController) {
	t.Helper()
	cfg := config.Default()
	cfg.Burnchain.RewardCycleLength = 2100
	cfg.Burnchain.PrepareLength = 100

	chain := memchain.New()
	burnCtl := memchain.NewBurnController()

	r := New(Deps{
		Config:    cfg,
		Keychain:  keychain.New([]byte("test-seed-0123456789abcdef012345")),
		Chain:     chain,
		MemPool:   chain,
		Coord:     chain,
		BurnCtl:   burnCtl,
		Unconfirm: sharedstate.NewUnconfirmedMirror(),
		VRFStore:  vrfkey.NewStore(t.TempDir()),
		VRFReg:    vrfkey.NewRegistration(),
	})
	return r, chain, burnCtl
}

func TestNextAttemptFirstIsAttemptOne(t *testing.T) {
	r, _, _ := newTestRelayer(t)

	attempt, _, ok := r.nextAttempt(burnchain.ConsensusHash{0x01}, burnchain.HeaderHash{0x02}, chainstate.BlockHeaderHash{0x03})
	require.True(t, ok)
	assert.Equal(t, uint64(1), attempt)
}

func TestNextAttemptSkipsWithoutNewMicroblocks(t *testing.T) {
	r, chain, _ := newTestRelayer(t)

	parentConsensus := burnchain.ConsensusHash{0x01}
	myBurnHash := burnchain.HeaderHash{0x02}
	parentBlock := chainstate.BlockHeaderHash{0x03}

	chain.AppendMicroblock(parentBlock, chainstate.Microblock{Sequence: 0})

	attempt, seq, ok := r.nextAttempt(parentConsensus, myBurnHash, parentBlock)
	require.True(t, ok)
	assert.Equal(t, uint64(1), attempt)
	assert.Equal(t, 1, seq)

	r.lastMinedBlocks[myBurnHash] = append(r.lastMinedBlocks[myBurnHash], minedBlockEntry{
		Block: AssembledAnchorBlock{
			ParentConsensusHash:      parentConsensus,
			MyBurnHash:               myBurnHash,
			Attempt:                  attempt,
			ParentMicroblockSequence: seq,
		},
	})

	_, _, ok = r.nextAttempt(parentConsensus, myBurnHash, parentBlock)
	assert.False(t, ok, "no new microblocks since the last attempt means no new work")

	chain.AppendMicroblock(parentBlock, chainstate.Microblock{Sequence: 1})

	nextAttempt, _, ok := r.nextAttempt(parentConsensus, myBurnHash, parentBlock)
	require.True(t, ok, "a new microblock means there is new work to mine")
	assert.Equal(t, uint64(2), nextAttempt)
}

func TestComputeCommitOutsBurnsDuringPreparePhase(t *testing.T) {
	r, _, _ := newTestRelayer(t)
	r.cfg.Miner.BurnFeeCap = 20000

	tip := burnchain.BlockSnapshot{BlockHeight: 2050} // within [2000,2099] prepare window
	recipients, _, err := r.computeCommitOuts(tip)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, burnchain.BurnAddress, recipients[0].Address)
}

func TestComputeCommitOutsUsesRewardSetOutsidePreparePhase(t *testing.T) {
	r, _, _ := newTestRelayer(t)
	r.cfg.Miner.BurnFeeCap = 20000

	tip := burnchain.BlockSnapshot{BlockHeight: 500}
	recipients, sunsetBurn, err := r.computeCommitOuts(tip)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, uint64(0), sunsetBurn, "no sunset window configured in this test")
}

func TestMicroblockKeyForAttemptReusesOnRetry(t *testing.T) {
	r, _, _ := newTestRelayer(t)

	first, err := r.microblockKeyForAttempt(1, 100)
	require.NoError(t, err)

	second, err := r.microblockKeyForAttempt(2, 100)
	require.NoError(t, err)
	assert.Equal(t, first.Serialize(), second.Serialize(), "attempt > 1 must reuse the same microblock key")
}
