package burnchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectedSunsetBurn(t *testing.T) {
	cases := []struct {
		name               string
		burnHeight         uint64
		cap                uint64
		sunsetStart        uint64
		sunsetEnd          uint64
		want               uint64
	}{
		{"before sunset window burns nothing", 100, 20000, 1000, 2000, 0},
		{"at sunset start burns nothing", 1000, 20000, 1000, 2000, 0},
		{"midway through sunset burns half", 1500, 20000, 1000, 2000, 10000},
		{"at sunset end burns everything", 2000, 20000, 1000, 2000, 20000},
		{"past sunset end burns everything", 5000, 20000, 1000, 2000, 20000},
		{"zero-length window never triggers", 1500, 20000, 1000, 1000, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ExpectedSunsetBurn(c.burnHeight, c.cap, c.sunsetStart, c.sunsetEnd)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestIsInPreparePhase(t *testing.T) {
	// Reward cycle length 2100, prepare length 100: blocks [2000,2099] of
	// each cycle are prepare-phase.
	assert.False(t, IsInPreparePhase(1999, 2100, 100))
	assert.True(t, IsInPreparePhase(2000, 2100, 100))
	assert.True(t, IsInPreparePhase(2099, 2100, 100))
	assert.False(t, IsInPreparePhase(2100, 2100, 100), "next cycle's first block is not prepare-phase")
}

func TestIsInPreparePhaseZeroRewardCycle(t *testing.T) {
	assert.False(t, IsInPreparePhase(12345, 0, 100))
}
