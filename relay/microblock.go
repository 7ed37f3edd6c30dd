package relay

import (
	"time"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
)

// runMicroblockTenureDirective implements RunMicroblockTenure: extend the
// current miner tip's microblock stream by one microblock, provided
// enough time has elapsed since the last attempt and the node is not
// waiting on a missing ancestor anchored block.
func (r *Relayer) runMicroblockTenureDirective() {
	if time.Since(r.lastMicroblockTenureTime) < r.cfg.Miner.MicroblockFrequency {
		return
	}
	r.lastMicroblockTenureTime = time.Now()

	if r.tip != nil {
		r.refreshUnconfirmed()
	}

	if !r.ensureMicroblockMinerState() {
		return
	}

	if err := r.tryMineMicroblock(); err != nil {
		r.log.Warn("microblock mining attempt failed", "err", err)
	}
	r.mbState.LastMined = time.Now()

	r.sendUnconfirmedTxs()
}

// ensureMicroblockMinerState lazily (re)builds mbState when the miner tip
// is set and its anchored block is present in chain state, and tears it
// down the moment either condition stops holding. It returns false when
// there is nothing to stream.
func (r *Relayer) ensureMicroblockMinerState() bool {
	if r.tip == nil {
		r.mbState = nil
		return false
	}
	if _, ok, err := r.chain.GetAnchoredBlockHeader(r.tip.ConsensusHash, r.tip.BlockHash); err != nil || !ok {
		r.mbState = nil
		return false
	}
	if r.mbState == nil || r.mbState.ParentBlockHash != r.tip.BlockHash {
		r.mbState = &microblockMinerState{
			ParentConsensusHash: r.tip.ConsensusHash,
			ParentBlockHash:     r.tip.BlockHash,
			MicroblockKey:       r.tip.MicroblockPrivKey,
			Frequency:           r.cfg.Miner.MicroblockFrequency,
		}
	}
	return true
}

func (r *Relayer) tryMineMicroblock() error {
	n, err := r.chain.CountAttachableStagingBlocks()
	if err != nil {
		return transientErr("count-attachable-staging-blocks", err)
	}
	if n != 0 {
		// A sibling anchored block is still waiting on a missing
		// ancestor; mining another microblock on top of a tip that may
		// yet be orphaned would waste work.
		return nil
	}

	nonce, err := r.chain.AccountNonceAt(r.mbState.ParentConsensusHash, r.mbState.ParentBlockHash, "")
	if err != nil {
		return transientErr("microblock-nonce", err)
	}

	mb, err := r.chain.BuildMicroblock(r.mbState.ParentConsensusHash, r.mbState.ParentBlockHash, uint16(r.mbState.Quantity), r.mbState.MicroblockKey, nonce)
	if err != nil {
		return transientErr("build-microblock", err)
	}
	if mb == nil {
		// Nothing new in the mempool to stream this round.
		return nil
	}

	if err := r.chain.PreprocessMicroblock(r.mbState.ParentBlockHash, *mb); err != nil {
		return transientErr("preprocess-microblock", err)
	}
	r.mbState.Quantity++
	return nil
}

// refreshUnconfirmed recomputes the unconfirmed tx mirror against the
// current basis (the miner tip if one is set, the confirmed chain tip
// otherwise), run before each microblock mining attempt and after folding
// a network result so the P2P loop always observes a view consistent
// with the latest chain state.
func (r *Relayer) refreshUnconfirmed() {
	consensusHash, blockHash, ok := r.unconfirmedBasis()
	if !ok {
		r.unconfirm.Replace(nil)
		return
	}
	txs, err := r.chain.UnconfirmedTxs(consensusHash, blockHash)
	if err != nil {
		r.log.Warn("failed to recompute unconfirmed tx state", "err", err)
		return
	}
	r.unconfirm.Replace(txs)
}

// unconfirmedBasis reports which (consensusHash, blockHash) pair the
// unconfirmed mirror should be recomputed against.
func (r *Relayer) unconfirmedBasis() (burnchain.ConsensusHash, chainstate.BlockHeaderHash, bool) {
	if r.tip != nil {
		return r.tip.ConsensusHash, r.tip.BlockHash, true
	}
	return r.chain.StacksTip()
}
