package relay

import (
	"time"

	"github.com/btcsuite/btcd/btcec"

	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/config"
	"github.com/psq/stacks-blockchain/internal/keychain"
	"github.com/psq/stacks-blockchain/internal/metrics"
	"github.com/psq/stacks-blockchain/internal/sharedstate"
	"github.com/psq/stacks-blockchain/internal/vrfkey"
	"github.com/psq/stacks-blockchain/internal/xlog"
)

// AssembledAnchorBlock records one attempt at mining an anchored block:
// which parent it extends, which burnchain block it was assembled against,
// and the block's own content.
type AssembledAnchorBlock struct {
	ParentConsensusHash burnchain.ConsensusHash
	MyBurnHash          burnchain.HeaderHash
	Anchored            *chainstate.StacksBlock
	Attempt             uint64

	// ParentMicroblockSequence is the length of the descendant microblock
	// stream this attempt was built against, used to decide whether a
	// later RunTenure for the same parent triple represents genuinely new
	// work or a duplicate that should be skipped.
	ParentMicroblockSequence int
}

// minedBlockEntry pairs an assembled block with the microblock-signing key
// it was built under, since the relayer must keep signing that tip's
// microblock stream with the same key across RunTenure re-attempts.
type minedBlockEntry struct {
	Block              AssembledAnchorBlock
	MicroblockPrivKey  *btcec.PrivateKey
}

// minerTip is the anchored block whose microblock stream this node is
// currently extending, set only once its sortition has been confirmed won.
type minerTip struct {
	ConsensusHash     burnchain.ConsensusHash
	BlockHash         chainstate.BlockHeaderHash
	MicroblockPrivKey *btcec.PrivateKey
}

// microblockMinerState tracks streaming cadence for the current miner tip.
// It exists if and only if a miner tip is set and its anchored block is
// present in chain state; the relayer discards it the moment either
// condition stops holding.
type microblockMinerState struct {
	ParentConsensusHash burnchain.ConsensusHash
	ParentBlockHash     chainstate.BlockHeaderHash
	MicroblockKey       *btcec.PrivateKey
	Frequency           time.Duration
	LastMined           time.Time
	Quantity            uint64
}

// Relayer is the sole writer of chain state: it owns the directive loop
// that mines tenures, registers leader keys, streams microblocks, and
// folds network results into chain state. All chain-state mutation in the
// node happens on this loop's goroutine.
type Relayer struct {
	cfg      config.Config
	log      xlog.Logger
	keychain *keychain.Keychain

	chain     chainstate.ChainState
	mempool   chainstate.MemPool
	coord     chainstate.Coordinator
	burnCtl   burnchain.Controller
	unconfirm *sharedstate.UnconfirmedMirror
	events    chainstate.EventDispatcher

	vrfStore *vrfkey.Store
	vrfReg   *vrfkey.Registration

	relayCh chan Directive
	rpcCh   chan RPCDirective

	lastMinedBlocks map[burnchain.HeaderHash][]minedBlockEntry
	tip             *minerTip
	mbState         *microblockMinerState

	lastMicroblockTenureTime time.Time
}

// Deps bundles the Relayer's collaborators. Chain, MemPool, Coord, BurnCtl
// and Events are interfaces so tests can supply fakes.
type Deps struct {
	Config    config.Config
	Keychain  *keychain.Keychain
	Chain     chainstate.ChainState
	MemPool   chainstate.MemPool
	Coord     chainstate.Coordinator
	BurnCtl   burnchain.Controller
	Unconfirm *sharedstate.UnconfirmedMirror
	Events    chainstate.EventDispatcher
	VRFStore  *vrfkey.Store
	VRFReg    *vrfkey.Registration
}

// New constructs a Relayer with fresh, empty directive channels. The
// channels are exposed via RelayChannel/RPCChannel for the P2P loop and
// RPC handlers to send on.
func New(d Deps) *Relayer {
	return &Relayer{
		cfg:             d.Config,
		log:             xlog.New("component", "relayer"),
		keychain:        d.Keychain,
		chain:           d.Chain,
		mempool:         d.MemPool,
		coord:           d.Coord,
		burnCtl:         d.BurnCtl,
		unconfirm:       d.Unconfirm,
		events:          d.Events,
		vrfStore:        d.VRFStore,
		vrfReg:          d.VRFReg,
		relayCh:         make(chan Directive, RelayChannelCapacity),
		rpcCh:           make(chan RPCDirective, RPCChannelCapacity),
		lastMinedBlocks: make(map[burnchain.HeaderHash][]minedBlockEntry),
	}
}

// RelayChannel returns the send side the P2P loop posts RelayDirectives on.
// The channel is buffered at RelayChannelCapacity; a sender must use a
// non-blocking send and treat a full channel as backpressure, never block.
func (r *Relayer) RelayChannel() chan<- Directive { return r.relayCh }

// RPCChannel returns the send side RPC handlers post RPCDirectives on.
func (r *Relayer) RPCChannel() chan<- RPCDirective { return r.rpcCh }

// Run drains both directive channels until one of them is closed
// (disconnected), processing at most one relay directive and one RPC
// directive per iteration, then sleeping briefly. It never blocks waiting
// for a directive: an iteration with nothing to do just sleeps and loops.
func (r *Relayer) Run() {
	for {
		directive, ok := r.tryRecvRelay()
		if !ok {
			r.log.Info("relay channel disconnected, stopping relayer")
			return
		}
		if directive != nil {
			r.handleRelayDirective(directive)
		}

		rpcDirective, ok := r.tryRecvRPC()
		if !ok {
			r.log.Info("rpc channel disconnected, stopping relayer")
			return
		}
		if rpcDirective != nil {
			r.handleRPCDirective(rpcDirective)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func (r *Relayer) tryRecvRelay() (Directive, bool) {
	select {
	case d, ok := <-r.relayCh:
		if !ok {
			return nil, false
		}
		return d, true
	default:
		return nil, true
	}
}

func (r *Relayer) tryRecvRPC() (RPCDirective, bool) {
	select {
	case d, ok := <-r.rpcCh:
		if !ok {
			return nil, false
		}
		return d, true
	default:
		return nil, true
	}
}

func (r *Relayer) handleRelayDirective(d Directive) {
	switch v := d.(type) {
	case HandleNetResult:
		r.handleNetResult(v)
	case ProcessTenure:
		r.processTenure(v)
	case RunTenure:
		r.runTenureDirective(v)
	case RegisterKey:
		r.registerKeyDirective(v)
	case RunMicroblockTenure:
		r.runMicroblockTenureDirective()
	default:
		r.log.Error("unknown relay directive", "type", v)
	}
}

func (r *Relayer) handleRPCDirective(d RPCDirective) {
	switch v := d.(type) {
	case RegisterKeyRPC:
		r.handleRegisterKeyRPC(v)
	case PrepareBlockRPC:
		r.handlePrepareBlockRPC(v)
	case StoreMinerBlockRPC:
		r.handleStoreMinerBlockRPC(v)
	default:
		r.log.Error("unknown rpc directive", "type", v)
	}
}

// handleNetResult folds one completed network engine pass into chain
// state: newly received transactions are already admitted to the mempool
// by the network engine itself, so this only stages the blocks and
// microblocks it carries and forwards everything to the event
// dispatcher, then recomputes the unconfirmed mirror against the
// resulting state.
func (r *Relayer) handleNetResult(v HandleNetResult) {
	if v.Result == nil {
		return
	}
	for _, b := range v.Result.NewBlocks {
		if err := r.chain.PreprocessAnchoredBlock(b.ConsensusHash, b.Block); err != nil {
			r.log.Warn("failed to preprocess network-received anchored block", "err", err)
			continue
		}
		r.coord.AnnounceBlock()
	}
	for _, mb := range v.Result.NewMicroblocks {
		if err := r.chain.PreprocessMicroblock(mb.ParentBlockHash, mb.Microblock); err != nil {
			r.log.Warn("failed to preprocess network-received microblock", "err", err)
		}
	}

	if r.events != nil {
		if len(v.Result.NewTransactions) > 0 {
			r.events.AnnounceMempoolTxs(v.Result.NewTransactions)
		}
		if len(v.Result.NewAttachments) > 0 {
			r.events.AnnounceAttachments(v.Result.NewAttachments)
		}
	}

	r.sendUnconfirmedTxs()
}

// registerKeyDirective rotates a fresh VRF keypair and submits a
// LeaderKeyRegisterOp for the given burnchain tip, per RegisterKey.
func (r *Relayer) registerKeyDirective(v RegisterKey) {
	_, _, txid, err := r.rotateVRFAndRegister(v.BurnchainTip)
	if err != nil {
		r.log.Error("failed to register VRF key", "err", err)
		return
	}
	metrics.KeyRegistrationsCounter.Inc()
	r.log.Info("submitted VRF key registration", "txid", txid)
}

func (r *Relayer) handleRegisterKeyRPC(v RegisterKeyRPC) {
	snapshot, ok, err := r.burnCtl.GetBlockSnapshot(v.ConsensusHash)
	if err != nil || !ok {
		v.Reply <- RegisterKeyRPCResponse{Err: ErrNoSuchBlock}
		return
	}
	pub, _, txid, err := r.rotateVRFAndRegister(*snapshot)
	if err != nil {
		v.Reply <- RegisterKeyRPCResponse{Err: ErrInvalidProof}
		return
	}
	v.Reply <- RegisterKeyRPCResponse{VRFPublicKey: pub, Txid: txid}
}

// rotateVRFAndRegister rotates the keychain's VRF keypair to burnBlock's
// height, submits the registering operation, and writes the provisional
// sidecar file recording it.
func (r *Relayer) rotateVRFAndRegister(burnBlock burnchain.BlockSnapshot) (pub, sec [32]byte, txid burnchain.Txid, err error) {
	pub, sec = r.keychain.RotateVRFKeypair(burnBlock.BlockHeight)

	op := burnchain.LeaderKeyRegisterOp{VRFPublicKey: pub}
	txidPtr, err := r.burnCtl.SubmitOperation(op, r.keychain.OpSigner(), 1)
	if err != nil {
		return pub, sec, burnchain.Txid{}, transientErr("submit-key-register", err)
	}
	txid = *txidPtr

	if err := r.vrfStore.WriteProvisional(burnBlock.BlockHeight+1, pub, sec, txid); err != nil {
		r.log.Warn("failed to write provisional VRF key sidecar", "err", err)
	}
	if err := r.vrfReg.MarkPending(); err != nil {
		r.log.Warn("key registration state transition rejected", "err", err)
	}
	return pub, sec, txid, nil
}

func (r *Relayer) handleStoreMinerBlockRPC(v StoreMinerBlockRPC) {
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), v.MicroblockSecretKey)
	entry := minedBlockEntry{
		Block: AssembledAnchorBlock{
			ParentConsensusHash: v.ParentConsensusHash,
			MyBurnHash:          v.MyBurnHash,
			Anchored:            v.Anchored,
			Attempt:             0,
		},
		MicroblockPrivKey: priv,
	}
	r.lastMinedBlocks[v.MyBurnHash] = append(r.lastMinedBlocks[v.MyBurnHash], entry)
}

// sendUnconfirmedTxs recomputes the unconfirmed tx state against whatever
// basis is current (the miner tip if one is set, the confirmed chain tip
// otherwise) and pushes it out to the shared mirror so the P2P loop can
// read it. The mirror itself enforces the poisoning policy; this call
// simply participates in it like any other writer.
func (r *Relayer) sendUnconfirmedTxs() {
	r.refreshUnconfirmed()
}
