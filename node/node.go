// Package node assembles the miner and relay core into a single running
// process: the façade external callers (the burnchain watcher, the RPC
// server) drive, which in turn owns the relayer, the P2P loop, and the
// DNS resolver goroutines.
package node

import (
	"net"
	"strconv"
	"time"

	"github.com/psq/stacks-blockchain/dnsresolve"
	"github.com/psq/stacks-blockchain/internal/burnchain"
	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/config"
	"github.com/psq/stacks-blockchain/internal/keychain"
	"github.com/psq/stacks-blockchain/internal/metrics"
	"github.com/psq/stacks-blockchain/internal/natdisc"
	"github.com/psq/stacks-blockchain/internal/sharedstate"
	"github.com/psq/stacks-blockchain/internal/vrfkey"
	"github.com/psq/stacks-blockchain/internal/xlog"
	"github.com/psq/stacks-blockchain/netsync"
	"github.com/psq/stacks-blockchain/relay"
	"github.com/psq/stacks-blockchain/rpc"
)

// Node is the process-level façade: it owns the relayer, P2P loop, and
// DNS resolver, and exposes the three entry points the burnchain watcher
// calls into as new burnchain blocks and sortitions are observed.
type Node struct {
	cfg config.Config
	log xlog.Logger

	keychain *keychain.Keychain
	vrfReg   *vrfkey.Registration

	relayer  *relay.Relayer
	p2p      *netsync.Loop
	resolver *dnsresolve.Resolver
	rpcSrv   *rpc.Server
	natIface natdisc.Interface
	natStop  chan struct{}
	p2pPort  int

	lastBurnBlock *burnchain.BlockSnapshot
}

// New assembles a Node ready to Start. engine and chain are the
// collaborators whose concrete implementations (peer networking, block
// validation and storage) live outside this module.
func New(cfg config.Config, seed []byte, chain chainstate.ChainState, mempool chainstate.MemPool, coord chainstate.Coordinator, burnCtl burnchain.Controller, engine chainstate.NetworkEngine, events chainstate.EventDispatcher, attachmentsCh <-chan [32]byte) *Node {
	kc := keychain.New(seed)
	unconf := sharedstate.NewUnconfirmedMirror()
	vrfStore := vrfkey.NewStore(cfg.Node.DataDir)
	vrfReg := vrfkey.NewRegistration()
	log := xlog.New("component", "node")

	if active, err := vrfStore.ReadActive(); err != nil {
		log.Warn("failed to read active VRF key sidecar", "err", err)
	} else if active != nil {
		if err := vrfReg.Activate(*active); err != nil {
			log.Warn("failed to activate VRF key loaded from sidecar", "err", err)
		}
	}

	relayer := relay.New(relay.Deps{
		Config:    cfg,
		Keychain:  kc,
		Chain:     chain,
		MemPool:   mempool,
		Coord:     coord,
		BurnCtl:   burnCtl,
		Unconfirm: unconf,
		Events:    events,
		VRFStore:  vrfStore,
		VRFReg:    vrfReg,
	})

	p2p := netsync.New(cfg, engine, unconf, relayer.RelayChannel(), attachmentsCh)
	resolver := dnsresolve.New(cfg.Node.DNSNameservers, cfg.Node.DNSTimeout)
	rpcSrv := rpc.NewServer(relayer.RPCChannel())

	natIface, err := natdisc.Parse(cfg.Node.NAT)
	if err != nil {
		log.Warn("failed to parse NAT setting", "err", err)
	}

	p2pPort := 0
	if _, portStr, err := net.SplitHostPort(cfg.Node.P2PBind); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			p2pPort = p
		}
	}

	return &Node{
		cfg:      cfg,
		log:      log,
		keychain: kc,
		vrfReg:   vrfReg,
		relayer:  relayer,
		p2p:      p2p,
		resolver: resolver,
		rpcSrv:   rpcSrv,
		natIface: natIface,
		p2pPort:  p2pPort,
	}
}

// Start spawns the relayer, P2P, and DNS resolver goroutines. It returns
// immediately; the goroutines run until their channels disconnect or Stop
// is called.
func (n *Node) Start() {
	go n.relayer.Run()
	go n.p2p.Run()
	go n.resolver.ThreadMain()

	if n.natIface != nil && n.p2pPort != 0 {
		n.natStop = make(chan struct{})
		go natdisc.Map(n.natIface, n.natStop, "tcp", n.p2pPort, n.p2pPort, "stacks-miner p2p")
	}
}

// Stop signals the P2P loop and DNS resolver to exit. The relayer itself
// has no explicit stop signal: it terminates when its directive channels
// are closed by the caller that owns their send side, mirroring the
// disconnect-terminates-loop semantics the rest of the control plane
// uses.
func (n *Node) Stop() {
	n.p2p.Stop()
	n.resolver.Stop()
	if n.natStop != nil {
		close(n.natStop)
	}
}

// RPCServer returns the HTTP handler serving the relayer's RPC directives.
func (n *Node) RPCServer() *rpc.Server { return n.rpcSrv }

// IssueTenure decides what the relayer should do about mining the current
// burnchain tip, based on the node's key-registration state: run a tenure
// if a key is already Active, register a fresh key if Inactive, or do
// nothing while a registration is still Pending.
func (n *Node) IssueTenure() bool {
	if n.cfg.Miner.Mode != config.ModeMiner {
		return true
	}
	if n.lastBurnBlock == nil {
		n.log.Warn("issue tenure called with no known burn block yet")
		return true
	}

	switch n.vrfReg.State() {
	case vrfkey.Active:
		key, _ := n.vrfReg.Key()
		time.Sleep(n.cfg.Miner.SleepBeforeTenure)
		select {
		case n.relayer.RelayChannel() <- relay.RunTenure{RegisteredKey: *key, BurnchainTip: *n.lastBurnBlock}:
		default:
			n.log.Warn("relay channel full, dropping RunTenure directive")
		}
	case vrfkey.Inactive:
		n.log.Warn("no VRF key registered yet, starting registration")
		n.vrfReg.MarkPending()
		select {
		case n.relayer.RelayChannel() <- relay.RegisterKey{BurnchainTip: *n.lastBurnBlock}:
		default:
			n.log.Warn("relay channel full, dropping RegisterKey directive")
		}
	case vrfkey.Pending:
		// Already waiting on a registration to confirm; nothing to do.
	}
	return true
}

// SortitionNotify tells the relayer a sortition happened so it can check
// whether this node's own mined attempts won it.
func (n *Node) SortitionNotify() {
	if n.cfg.Miner.Mode != config.ModeMiner || n.lastBurnBlock == nil || !n.lastBurnBlock.Sortition {
		return
	}
	select {
	case n.relayer.RelayChannel() <- relay.ProcessTenure{
		ConsensusHash:        n.lastBurnBlock.ConsensusHash,
		ParentBurnHeaderHash: n.lastBurnBlock.ParentBurnHeaderHash,
		WinningStacksBlock:   n.lastBurnBlock.WinningStacksBlock,
	}:
	default:
		n.log.Warn("relay channel full, dropping ProcessTenure directive")
	}
}

// ProcessBurnchainState folds a newly observed burnchain block into the
// node's view: it updates the active-miners gauge, watches for this
// node's own key registration confirming, and records the block as the
// last known burnchain tip.
func (n *Node) ProcessBurnchainState(snapshot burnchain.BlockSnapshot, commits []burnchain.LeaderBlockCommitOp, keyRegs []burnchain.LeaderKeyRegisterOp, nodeAddress string, inInitialBlockDownload bool) {
	metrics.ActiveMinersGauge.Set(float64(len(commits)))

	if !inInitialBlockDownload && n.vrfReg.State() == vrfkey.Pending {
		for i, op := range keyRegs {
			if op.Address != nodeAddress {
				continue
			}
			key := vrfkey.RegisteredKey{
				BlockHeight:  snapshot.BlockHeight,
				OpVtxindex:   uint32(i),
				VRFPublicKey: op.VRFPublicKey,
			}
			if err := n.vrfReg.Activate(key); err != nil {
				n.log.Warn("failed to activate confirmed key registration", "err", err)
			}
			break
		}
	}

	n.lastBurnBlock = &snapshot
}
