package sharedstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceThenSnapshotRoundTrips(t *testing.T) {
	m := NewUnconfirmedMirror()

	assert.Empty(t, m.Snapshot())

	txs := UnconfirmedTxMap{
		{0x01}: []byte("a"),
		{0x02}: []byte("b"),
	}
	m.Replace(txs)

	got := m.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[[32]byte{0x01}])
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewUnconfirmedMirror()
	m.Replace(UnconfirmedTxMap{{0x01}: []byte("a")})

	got := m.Snapshot()
	got[[32]byte{0x02}] = []byte("mutated")

	second := m.Snapshot()
	assert.Len(t, second, 1, "mutating a snapshot must not affect the mirror's internal state")
}

func TestReplaceClearsPriorContents(t *testing.T) {
	m := NewUnconfirmedMirror()
	m.Replace(UnconfirmedTxMap{{0x01}: []byte("a"), {0x02}: []byte("b")})
	m.Replace(UnconfirmedTxMap{{0x03}: []byte("c")})

	got := m.Snapshot()
	require.Len(t, got, 1)
	_, stillThere := got[[32]byte{0x01}]
	assert.False(t, stillThere)
}

// TestPoisonedMirrorAbortsProcess is not run automatically: acquiring a
// poisoned mirror calls os.Exit, which would kill the test binary. It
// documents the fatal path instead; exercising it for real requires a
// subprocess harness that asserts the child exits with status 2.
func TestPoisonedMirrorAbortsProcess(t *testing.T) {
	t.Skip("poisoning a mirror calls os.Exit(2) by design; exercising it needs a subprocess harness, not in-process")
}
