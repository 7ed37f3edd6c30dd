// Package sharedstate holds the state that is written by the relayer and
// read by the P2P loop outside of the ordinary directive channels.
package sharedstate

import (
	"os"
	"sync"

	"github.com/psq/stacks-blockchain/internal/xlog"
)

// UnconfirmedTxMap mirrors the mempool's view of transactions that apply
// against the miner's current unconfirmed microblock stream.
type UnconfirmedTxMap map[[32]byte][]byte

// UnconfirmedMirror guards an UnconfirmedTxMap behind a lock that models
// Rust's Mutex poisoning: if a holder of the exclusive access fails to
// release it cleanly (simulating a panic in the other goroutine while the
// lock was held), every subsequent attempt to acquire it is a fatal,
// unrecoverable condition for the process, not an error to be handled.
// Go has no native equivalent of a poisoned Mutex, so the poisoned flag is
// hand-rolled here.
type UnconfirmedMirror struct {
	mu       sync.Mutex
	poisoned bool
	txs      UnconfirmedTxMap

	log xlog.Logger
}

// NewUnconfirmedMirror returns an empty, unpoisoned mirror.
func NewUnconfirmedMirror() *UnconfirmedMirror {
	return &UnconfirmedMirror{
		txs: make(UnconfirmedTxMap),
		log: xlog.New("component", "unconfirmed-mirror"),
	}
}

// Replace clears the mirror and refills it with txs, as the relayer does
// after recomputing the unconfirmed state against a new chain tip. It must
// run under exclusive access so that Snapshot never observes a partially
// cleared map.
func (m *UnconfirmedMirror) Replace(txs UnconfirmedTxMap) {
	m.lock()
	defer m.unlock()

	m.txs = make(UnconfirmedTxMap, len(txs))
	for k, v := range txs {
		m.txs[k] = v
	}
}

// Snapshot returns a copy of the current mirror contents, as read by the
// P2P loop before each network engine step.
func (m *UnconfirmedMirror) Snapshot() UnconfirmedTxMap {
	m.lock()
	defer m.unlock()

	out := make(UnconfirmedTxMap, len(m.txs))
	for k, v := range m.txs {
		out[k] = v
	}
	return out
}

// lock acquires exclusive access, aborting the process if the mirror was
// previously left poisoned.
func (m *UnconfirmedMirror) lock() {
	m.mu.Lock()
	if m.poisoned {
		m.log.Crit("FATAL: unconfirmed tx mirror lock is poisoned")
		os.Exit(2)
	}
}

// unlock releases exclusive access. If the holder is panicking, the mirror
// is marked poisoned before the lock is released and the panic continues.
func (m *UnconfirmedMirror) unlock() {
	if p := recover(); p != nil {
		m.poisoned = true
		m.mu.Unlock()
		panic(p)
	}
	m.mu.Unlock()
}

// Poison marks the mirror poisoned without releasing the lock further use
// can acquire cleanly. It exists for tests that need to exercise the
// fatal path deterministically; production code never calls it directly,
// since the poisoned state is meant to model an unrecovered panic, not a
// reachable API call.
func (m *UnconfirmedMirror) Poison() {
	m.poisoned = true
}
