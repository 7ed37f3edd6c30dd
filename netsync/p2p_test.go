package netsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psq/stacks-blockchain/internal/config"
	"github.com/psq/stacks-blockchain/internal/memchain"
	"github.com/psq/stacks-blockchain/internal/sharedstate"
	"github.com/psq/stacks-blockchain/relay"
)

func newTestLoop(t *testing.T, relayChCap int) (*Loop, chan relay.Directive) {
	t.Helper()
	cfg := config.Default()
	relayCh := make(chan relay.Directive, relayChCap)
	engine := memchain.NetworkEngine{}
	unconf := sharedstate.NewUnconfirmedMirror()
	l := New(cfg, engine, unconf, relayCh, make(chan [32]byte))
	return l, relayCh
}

func TestDrainPendingDropsMicroblockTenureWhenFull(t *testing.T) {
	l, relayCh := newTestLoop(t, 1)

	// Fill the channel so any further send would block.
	relayCh <- relay.RunTenure{}

	remaining := l.drainPendingIntoRelay([]relay.Directive{relay.RunMicroblockTenure{}})
	assert.Nil(t, remaining, "a full channel must drop a droppable RunMicroblockTenure rather than queue it")
}

func TestDrainPendingRequeuesNonDroppableWhenFull(t *testing.T) {
	l, relayCh := newTestLoop(t, 1)
	relayCh <- relay.RunTenure{}

	pending := []relay.Directive{relay.RegisterKey{}, relay.RunMicroblockTenure{}}
	remaining := l.drainPendingIntoRelay(pending)

	require.Len(t, remaining, 2, "a non-droppable directive blocked by a full channel stops draining and keeps its place")
	_, isRegisterKey := remaining[0].(relay.RegisterKey)
	assert.True(t, isRegisterKey)
}

func TestDrainPendingFlushesWhenChannelHasRoom(t *testing.T) {
	l, relayCh := newTestLoop(t, 4)

	remaining := l.drainPendingIntoRelay([]relay.Directive{relay.RegisterKey{}, relay.RunMicroblockTenure{}})
	assert.Nil(t, remaining)
	assert.Len(t, relayCh, 2)
}

func TestPollIntervalPrefersMicroblockFrequencyWhenShorter(t *testing.T) {
	l, _ := newTestLoop(t, 1)
	l.cfg.Miner.MicroblockFrequency = l.cfg.Node.PollTimeout / 2

	got := l.pollInterval(0)
	assert.Equal(t, l.cfg.Miner.MicroblockFrequency, got)
}

func TestPollIntervalPrefersFastPollWhenDirectivesAreBackedUp(t *testing.T) {
	l, _ := newTestLoop(t, 1)
	l.cfg.Miner.MicroblockFrequency = l.cfg.Node.PollTimeout * 2

	got := l.pollInterval(3)
	assert.Equal(t, 100*time.Millisecond, got)
}
