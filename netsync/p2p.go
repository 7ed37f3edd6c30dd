// Package netsync implements the P2P loop: the goroutine that polls the
// network engine, mirrors its results into the relay directive channel,
// and watches for attachments and microblock deadlines.
package netsync

import (
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/psq/stacks-blockchain/internal/chainstate"
	"github.com/psq/stacks-blockchain/internal/config"
	"github.com/psq/stacks-blockchain/internal/sharedstate"
	"github.com/psq/stacks-blockchain/internal/xlog"
	"github.com/psq/stacks-blockchain/relay"
)

// Loop drives one node's P2P engine: it never writes chain state itself,
// only forwards work to the relayer over a bounded channel.
type Loop struct {
	cfg     config.Config
	log     xlog.Logger
	engine  chainstate.NetworkEngine
	unconf  *sharedstate.UnconfirmedMirror
	relayCh chan<- relay.Directive

	attachmentsCh <-chan [32]byte

	mblockDeadline time.Time
	exitCh         chan struct{}
}

// New constructs a P2P Loop. attachmentsCh is drained non-blockingly each
// pass; relayCh is the relayer's directive channel.
func New(cfg config.Config, engine chainstate.NetworkEngine, unconf *sharedstate.UnconfirmedMirror, relayCh chan<- relay.Directive, attachmentsCh <-chan [32]byte) *Loop {
	return &Loop{
		cfg:            cfg,
		log:            xlog.New("component", "p2p-loop"),
		engine:         engine,
		unconf:         unconf,
		relayCh:        relayCh,
		attachmentsCh:  attachmentsCh,
		mblockDeadline: time.Now().Add(cfg.Miner.MicroblockFrequency),
		exitCh:         make(chan struct{}),
	}
}

// Stop signals the loop to exit at its next poll boundary.
func (l *Loop) Stop() { close(l.exitCh) }

// Run blocks, polling the network engine until Stop is called. It does not
// detect a closed relay channel: a send on a closed channel panics.
func (l *Loop) Run() {
	var pending []relay.Directive

	for {
		select {
		case <-l.exitCh:
			return
		default:
		}

		pollMS := l.pollInterval(len(pending))

		expectedAttachments := mapset.NewSet()
		l.drainAttachments(expectedAttachments)

		unconfirmed := l.unconf.Snapshot()

		result, err := l.engine.Run(toAttachmentSet(expectedAttachments), unconfirmed)
		if err != nil {
			l.log.Error("network engine pass failed", "err", err)
			if l.cfg.Node.EventDriven {
				panic("network engine error in event-driven deployment")
			}
		} else if result != nil {
			if result.HasDataToStore() {
				pending = append(pending, relay.HandleNetResult{Result: result})
			}
			if time.Now().After(l.mblockDeadline) {
				pending = append(pending, relay.RunMicroblockTenure{})
				l.mblockDeadline = time.Now().Add(l.cfg.Miner.MicroblockFrequency)
			}
		}

		pending = l.drainPendingIntoRelay(pending)

		time.Sleep(pollMS)
	}
}

// pollInterval computes the P2P loop's poll timeout: a short fixed
// interval while there is download backpressure relief to chase, or
// while directives are still backed up waiting for room on the relay
// channel, and the smaller of the configured poll timeout and the
// microblock frequency otherwise, so a pending microblock deadline is
// never missed by more than one poll. pendingBacklog is the number of
// directives this loop could not yet hand off to the relayer.
func (l *Loop) pollInterval(pendingBacklog int) time.Duration {
	if l.engine.HasMoreDownloads() || pendingBacklog > 0 {
		return 100 * time.Millisecond
	}
	if l.cfg.Miner.MicroblockFrequency < l.cfg.Node.PollTimeout {
		return l.cfg.Miner.MicroblockFrequency
	}
	return l.cfg.Node.PollTimeout
}

func (l *Loop) drainAttachments(into mapset.Set) {
	for {
		select {
		case a, ok := <-l.attachmentsCh:
			if !ok {
				return
			}
			into.Add(a)
		default:
			return
		}
	}
}

// drainPendingIntoRelay pushes queued directives onto the relay channel
// without blocking. RunMicroblockTenure directives are droppable when the
// channel is full (a later pass will naturally retry it); any other
// directive is pushed back to the front of the queue and draining stops
// for this pass, preserving FIFO order for everything that must not be
// dropped.
func (l *Loop) drainPendingIntoRelay(pending []relay.Directive) []relay.Directive {
	i := 0
	for ; i < len(pending); i++ {
		select {
		case l.relayCh <- pending[i]:
			continue
		default:
			if _, droppable := pending[i].(relay.RunMicroblockTenure); droppable {
				continue
			}
			return pending[i:]
		}
	}
	return nil
}

func toAttachmentSet(s mapset.Set) map[[32]byte]struct{} {
	out := make(map[[32]byte]struct{}, s.Cardinality())
	for v := range s.Iter() {
		out[v.([32]byte)] = struct{}{}
	}
	return out
}
