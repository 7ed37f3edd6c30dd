package relay

import (
	"github.com/btcsuite/btcd/btcec"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/keychain"
	"github.com/psq/stacks-blockchain/internal/metrics"
	"github.com/psq/stacks-blockchain/internal/vrfkey"
)

// runTenureDirective implements RunTenure: assemble and commit a new
// anchored block on top of the registered key and burnchain tip, unless a
// staleness guard or an unchanged-work check says there is nothing new to
// do.
func (r *Relayer) runTenureDirective(v RunTenure) {
	metrics.TenuresAttemptedCounter.Inc()

	consensusHash, parentBlockHash, hasTip := r.chain.StacksTip()
	if !hasTip {
		r.log.Warn("no stacks tip yet, skipping tenure")
		return
	}

	// Staleness guard: if the burnchain tip we were asked to mine against
	// is no longer the canonical tip, this directive is stale and must be
	// abandoned rather than commit against an orphaned view. PrepareBlock
	// (the RPC path) intentionally does not apply this guard, since a
	// caller there may deliberately want a template built against a
	// non-canonical parent for inspection.
	if consensusHash != v.BurnchainTip.ConsensusHash {
		r.log.Debug("stale RunTenure directive, burnchain tip has moved on")
		return
	}

	attempt, priorSeq, ok := r.nextAttempt(v.BurnchainTip.ConsensusHash, v.BurnchainTip.BurnHeaderHash, parentBlockHash)
	if !ok {
		r.log.Debug("no new work since last attempt for this parent, skipping tenure")
		return
	}

	mbPrivKey, err := r.microblockKeyForAttempt(attempt, v.BurnchainTip.BlockHeight)
	if err != nil {
		r.log.Error("failed to obtain microblock signing key", "err", err)
		return
	}

	sortitionHash := v.BurnchainTip.WinningStacksBlock
	proof, err := r.keychain.GenerateProof(v.RegisteredKey.VRFPublicKey, sortitionHash)
	if err != nil {
		r.log.Warn("VRF proof generation failed, rotating keypair and retrying once", "err", err)
		if v.RegisteredKey.BlockHeight == 0 {
			r.log.Error("cannot rotate VRF keypair: registered key has no prior block height")
			return
		}
		r.keychain.RotateVRFKeypair(v.RegisteredKey.BlockHeight - 1)
		proof, err = r.keychain.GenerateProof(v.RegisteredKey.VRFPublicKey, sortitionHash)
		if err != nil {
			r.log.Error("VRF proof generation failed again after rotation, aborting tenure", "err", err)
			return
		}
	}

	microblocks, err := r.chain.LoadDescendantMicroblockStream(consensusHash, parentBlockHash)
	if err != nil {
		r.log.Error("failed to load descendant microblock stream", "err", err)
		return
	}
	var poisonTx []byte
	if n := len(microblocks); n > 0 && microblocks[n-1].PoisonProof != nil {
		nonce, err := r.chain.AccountNonceAt(consensusHash, parentBlockHash, "")
		if err == nil {
			poisonTx = buildPoisonTx(microblocks[n-1].PoisonProof, nonce+1)
			if err := r.mempool.SubmitPrivate(poisonTx, nonce+1); err != nil {
				r.log.Warn("failed to submit poison-microblock tx", "err", err)
			}
		}
	}

	nonce, err := r.chain.AccountNonceAt(consensusHash, parentBlockHash, "")
	if err != nil {
		r.log.Error("failed to fetch coinbase nonce", "err", err)
		return
	}
	coinbaseTx := buildCoinbaseTx(nonce)

	block, err := r.chain.BuildAnchoredBlock(consensusHash, parentBlockHash, coinbaseTx, poisonTx)
	if err != nil {
		r.log.Error("failed to build anchored block", "err", err)
		return
	}

	recipients, sunsetBurn, err := r.computeCommitOuts(v.BurnchainTip)
	if err != nil {
		r.log.Error("failed to compute commit outs", "err", err)
		return
	}

	// The new commit's parent pointer links it to the burn block that
	// carried the parent anchored block's own winning commit, so the
	// burnchain can walk the fork back without consulting Stacks chain
	// state. A zero consensus hash means this tenure is building on
	// genesis, which has no block-commit of its own to point at.
	var parentBlockPtr uint32
	var parentVtxindex uint16
	if consensusHash != (burnchain.ConsensusHash{}) {
		parentSnapshot, ok, err := r.burnCtl.GetBlockSnapshot(consensusHash)
		if err != nil || !ok {
			r.log.Error("failed to look up parent block snapshot for commit-op linkage", "err", err)
			return
		}
		parentBlockPtr = uint32(parentSnapshot.BlockHeight)
		parentVtxindex = parentSnapshot.WinningBlockVtxindex
	}

	seed := keychain.SeedFromProof(proof)
	op := r.buildBlockCommitOp(v.BurnchainTip, block.HeaderHash, seed, v.RegisteredKey, recipients, sunsetBurn, parentBlockPtr, parentVtxindex)

	if _, err := r.burnCtl.SubmitOperation(op, r.keychain.OpSigner(), attempt); err != nil {
		r.log.Error("failed to submit block commit op", "err", transientErr("submit-block-commit", err))
		return
	}

	assembled := AssembledAnchorBlock{
		ParentConsensusHash:      consensusHash,
		MyBurnHash:               v.BurnchainTip.BurnHeaderHash,
		Anchored:                 block,
		Attempt:                  attempt,
		ParentMicroblockSequence: priorSeq,
	}
	entry := minedBlockEntry{Block: assembled, MicroblockPrivKey: mbPrivKey}
	r.lastMinedBlocks[v.BurnchainTip.BurnHeaderHash] = append(r.lastMinedBlocks[v.BurnchainTip.BurnHeaderHash], entry)

	r.log.Info("submitted block commit", "attempt", attempt, "block_hash", block.HeaderHash)
}

// nextAttempt implements the attempt-number and unchanged-work check: it
// scans prior attempts against the same (parent consensus hash, burn
// hash, parent block hash) triple, and refuses a new attempt unless the
// descendant microblock stream has grown since the last one, or there is
// no prior attempt at all.
func (r *Relayer) nextAttempt(parentConsensusHash burnchain.ConsensusHash, myBurnHash burnchain.HeaderHash, parentBlockHash chainstate.BlockHeaderHash) (attempt uint64, priorSeq int, ok bool) {
	microblocks, err := r.chain.LoadDescendantMicroblockStream(parentConsensusHash, parentBlockHash)
	currentSeq := 0
	if err == nil {
		currentSeq = len(microblocks)
	}

	var best uint64
	found := false
	for _, entries := range r.lastMinedBlocks {
		for _, e := range entries {
			if e.Block.ParentConsensusHash != parentConsensusHash {
				continue
			}
			if e.Block.MyBurnHash != myBurnHash {
				continue
			}
			if e.Block.Anchored != nil && e.Block.Anchored.ParentHash != parentBlockHash {
				continue
			}
			found = true
			if e.Block.Attempt > best {
				best = e.Block.Attempt
			}
			if currentSeq <= e.Block.ParentMicroblockSequence {
				// No new microblocks since the last attempt at this exact
				// parent triple: nothing new to mine.
				return 0, 0, false
			}
		}
	}
	if !found {
		return 1, currentSeq, true
	}
	return best + 1, currentSeq, true
}

func (r *Relayer) microblockKeyForAttempt(attempt uint64, burnHeight uint64) (*btcec.PrivateKey, error) {
	if attempt > 1 {
		if key, ok := r.keychain.MicroblockKey(); ok {
			return key, nil
		}
	}
	return r.keychain.RotateMicroblockKeypair(burnHeight)
}

// computeCommitOuts decides between the full PoX reward-recipient set and
// a single burn address, and the sunset-burn amount to destroy, following
// the same boundary rules as the burnchain's sunset and prepare-phase
// schedule.
func (r *Relayer) computeCommitOuts(tip burnchain.BlockSnapshot) ([]burnchain.RewardRecipient, uint64, error) {
	bc := r.cfg.Burnchain
	sunsetBurn := burnchain.ExpectedSunsetBurn(tip.BlockHeight+1, r.cfg.Miner.BurnFeeCap, bc.SunsetStartHeight, bc.SunsetEndHeight)

	inSunset := bc.SunsetEndHeight != 0 && tip.BlockHeight+1 >= bc.SunsetEndHeight
	inPrepare := burnchain.IsInPreparePhase(tip.BlockHeight, bc.RewardCycleLength, bc.PrepareLength)

	if inSunset || inPrepare {
		return []burnchain.RewardRecipient{{Address: burnchain.BurnAddress, Amount: r.cfg.Miner.BurnFeeCap - sunsetBurn}}, sunsetBurn, nil
	}

	recipients, err := r.rewardSetRecipients(tip)
	if err != nil {
		return nil, 0, ErrFailedToComputeRecipients
	}
	return recipients, sunsetBurn, nil
}

// rewardSetRecipients returns a single recipient that sends the whole burn
// fee cap to the burn address. It does not consult a PoX reward set;
// determining that set is a chain-state validation concern out of scope
// here.
func (r *Relayer) rewardSetRecipients(tip burnchain.BlockSnapshot) ([]burnchain.RewardRecipient, error) {
	return []burnchain.RewardRecipient{{Address: burnchain.BurnAddress, Amount: r.cfg.Miner.BurnFeeCap}}, nil
}

func (r *Relayer) buildBlockCommitOp(tip burnchain.BlockSnapshot, blockHash chainstate.BlockHeaderHash, seed burnchain.VRFSeed, key vrfkey.RegisteredKey, recipients []burnchain.RewardRecipient, sunsetBurn uint64, parentBlockPtr uint32, parentVtxindex uint16) burnchain.LeaderBlockCommitOp {
	burnParentModulus := uint8(tip.BlockHeight % burnchain.BurnBlockMinedAtModulus)
	return burnchain.LeaderBlockCommitOp{
		BlockHeaderHash:   blockHash,
		NewSeed:           seed,
		ParentBlockPtr:    parentBlockPtr,
		ParentVtxindex:    parentVtxindex,
		KeyBlockPtr:       uint32(key.BlockHeight),
		KeyVtxindex:       uint16(key.OpVtxindex),
		BurnParentModulus: burnParentModulus,
		BurnFee:           r.cfg.Miner.BurnFeeCap - sunsetBurn,
		SunsetBurn:        sunsetBurn,
		CommitOuts:        recipients,
	}
}

// handlePrepareBlockRPC assembles (but does not commit) a block template
// against a named parent. Unlike runTenureDirective, it does not apply the
// canonical-tip staleness guard: see PrepareBlockRPC's doc comment.
func (r *Relayer) handlePrepareBlockRPC(v PrepareBlockRPC) {
	snapshot, ok, err := r.burnCtl.GetBlockSnapshot(v.ParentConsensusHash)
	if err != nil || !ok {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrNoSuchBlock}
		return
	}
	if chainstate.BlockHeaderHash(snapshot.WinningStacksBlock) != v.TipBlockHash {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrNoSuchBlock}
		return
	}

	header, ok, err := r.chain.GetAnchoredBlockHeader(v.ParentConsensusHash, v.TipBlockHash)
	if err != nil || !ok {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrNoSuchBlock}
		return
	}

	nonce, err := r.chain.AccountNonceAt(v.ParentConsensusHash, v.TipBlockHash, "")
	if err != nil {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrFailedToMineBlock}
		return
	}
	coinbaseTx := buildCoinbaseTx(nonce)

	block, err := r.chain.BuildAnchoredBlock(v.ParentConsensusHash, v.TipBlockHash, coinbaseTx, nil)
	if err != nil {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrFailedToMineBlock}
		return
	}

	recipients, sunsetBurn, err := r.computeCommitOuts(burnchain.BlockSnapshot{BlockHeight: header.Height})
	if err != nil {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrFailedToComputeRecipients}
		return
	}
	_ = sunsetBurn

	mbKey, err := r.microblockKeyForAttempt(1, header.Height)
	if err != nil {
		v.Reply <- BuildBlockTemplateRPCResponse{Err: ErrFailedToMineBlock}
		return
	}

	entry := minedBlockEntry{
		Block: AssembledAnchorBlock{
			ParentConsensusHash: v.ParentConsensusHash,
			MyBurnHash:          burnchain.HeaderHash(v.TipBlockHash),
			Anchored:            block,
			Attempt:             0,
		},
		MicroblockPrivKey: mbKey,
	}
	r.lastMinedBlocks[entry.Block.MyBurnHash] = append(r.lastMinedBlocks[entry.Block.MyBurnHash], entry)

	v.Reply <- BuildBlockTemplateRPCResponse{
		BlockHash:           block.HeaderHash,
		NewSeed:             burnchain.VRFSeed{},
		Recipients:          recipients,
		MicroblockSecretKey: mbKey.Serialize(),
	}
}

// processTenure implements ProcessTenure: check whether this node's own
// mined attempts for the reported parent burn hash match the winning
// block, and update the miner tip accordingly.
func (r *Relayer) processTenure(v ProcessTenure) {
	entries, ok := r.lastMinedBlocks[v.ParentBurnHeaderHash]
	if !ok {
		return
	}
	delete(r.lastMinedBlocks, v.ParentBurnHeaderHash)

	for _, e := range entries {
		if e.Block.Anchored == nil {
			continue
		}
		if e.Block.Anchored.HeaderHash != v.WinningStacksBlock {
			continue
		}

		metrics.StxBlocksMinedCounter.Inc()
		r.log.Info("won sortition", "block_hash", v.WinningStacksBlock)

		if err := r.chain.PreprocessAnchoredBlock(v.ConsensusHash, e.Block.Anchored); err != nil {
			r.log.Warn("failed to preprocess own mined block", "err", err)
			continue
		}
		r.coord.AnnounceBlock()
		if !r.waitForCoordinator() {
			r.log.Warn("coordinator stopped while processing our own tenure, abandoning tenure")
			return
		}

		r.tip = &minerTip{
			ConsensusHash:     v.ConsensusHash,
			BlockHash:         v.WinningStacksBlock,
			MicroblockPrivKey: e.MicroblockPrivKey,
		}
		r.mbState = nil
		return
	}

	// None of our attempts won: we lost this tenure.
	r.tip = nil
	r.mbState = nil
}

// waitForCoordinator reports whether the chain-state coordinator is still
// running after being woken. It checks once and does not wait. When it
// reports false, processTenure returns without setting the miner tip; the
// relayer loop itself keeps running.
func (r *Relayer) waitForCoordinator() bool {
	return r.coord.Running()
}

func buildCoinbaseTx(nonce chainstate.AccountNonce) []byte {
	return []byte{byte(nonce)}
}

func buildPoisonTx(proof []byte, nonce chainstate.AccountNonce) []byte {
	out := make([]byte, 0, len(proof)+1)
	out = append(out, byte(nonce))
	return append(out, proof...)
}
