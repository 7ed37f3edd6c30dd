package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
)

func TestProcessTenureWinSetsMinerTip(t *testing.T) {
	r, _, _ := newTestRelayer(t)

	parentBurnHash := burnchain.HeaderHash{0x09}
	winningBlock := chainstate.BlockHeaderHash{0xAA}

	r.lastMinedBlocks[parentBurnHash] = []minedBlockEntry{
		{Block: AssembledAnchorBlock{
			MyBurnHash: parentBurnHash,
			Anchored:   &chainstate.StacksBlock{HeaderHash: winningBlock},
			Attempt:    1,
		}},
	}

	r.processTenure(ProcessTenure{
		ParentBurnHeaderHash: parentBurnHash,
		WinningStacksBlock:   winningBlock,
	})

	require.NotNil(t, r.tip)
	assert.Equal(t, winningBlock, r.tip.BlockHash)
	_, stillPending := r.lastMinedBlocks[parentBurnHash]
	assert.False(t, stillPending, "entries for a resolved tenure are removed")
}

func TestProcessTenureLossClearsMinerTip(t *testing.T) {
	r, _, _ := newTestRelayer(t)
	r.tip = &minerTip{BlockHash: chainstate.BlockHeaderHash{0x01}}

	parentBurnHash := burnchain.HeaderHash{0x09}
	r.lastMinedBlocks[parentBurnHash] = []minedBlockEntry{
		{Block: AssembledAnchorBlock{
			MyBurnHash: parentBurnHash,
			Anchored:   &chainstate.StacksBlock{HeaderHash: chainstate.BlockHeaderHash{0xBB}},
			Attempt:    1,
		}},
	}

	r.processTenure(ProcessTenure{
		ParentBurnHeaderHash: parentBurnHash,
		WinningStacksBlock:   chainstate.BlockHeaderHash{0xCC}, // someone else's block won
	})

	assert.Nil(t, r.tip, "losing the sortition must clear any prior miner tip")
}

func TestProcessTenureUnknownParentIsNoop(t *testing.T) {
	r, _, _ := newTestRelayer(t)
	r.processTenure(ProcessTenure{ParentBurnHeaderHash: burnchain.HeaderHash{0xFF}})
	assert.Nil(t, r.tip)
}

func TestRegisterKeyRPCUnknownConsensusHashReturnsNoSuchBlock(t *testing.T) {
	r, _, _ := newTestRelayer(t)

	reply := make(chan RegisterKeyRPCResponse, 1)
	r.handleRegisterKeyRPC(RegisterKeyRPC{ConsensusHash: burnchain.ConsensusHash{0x01}, Reply: reply})

	resp := <-reply
	assert.Equal(t, ErrNoSuchBlock, resp.Err)
}

func TestRegisterKeyRPCKnownConsensusHashSucceeds(t *testing.T) {
	r, _, burnCtl := newTestRelayer(t)

	ch := burnchain.ConsensusHash{0x02}
	burnCtl.PutSnapshot(burnchain.BlockSnapshot{ConsensusHash: ch, BlockHeight: 10})

	reply := make(chan RegisterKeyRPCResponse, 1)
	r.handleRegisterKeyRPC(RegisterKeyRPC{ConsensusHash: ch, Reply: reply})

	resp := <-reply
	require.NoError(t, resp.Err)
	assert.NotEqual(t, burnchain.Txid{}, resp.Txid)
}

func TestHandleStoreMinerBlockRPCAppendsEntry(t *testing.T) {
	r, _, _ := newTestRelayer(t)

	myBurnHash := burnchain.HeaderHash{0x05}
	r.handleStoreMinerBlockRPC(StoreMinerBlockRPC{
		MyBurnHash: myBurnHash,
		Anchored:   &chainstate.StacksBlock{HeaderHash: chainstate.BlockHeaderHash{0x11}},
	})

	entries, ok := r.lastMinedBlocks[myBurnHash]
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0), entries[0].Block.Attempt)
}
