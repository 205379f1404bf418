package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortManagerAllocatesEvenOddPairs(t *testing.T) {
	pm := NewPortManager(43000, 43100)

	pair, err := pm.AllocatePair()
	require.NoError(t, err)
	assert.Equal(t, 0, pair.RTP%2, "RTP port must be even")
	assert.Equal(t, pair.RTP+1, pair.RTCP)
	assert.GreaterOrEqual(t, pair.RTP, 43000)
	assert.LessOrEqual(t, pair.RTCP, 43100)

	pm.ReleasePair(pair)
}

func TestPortManagerNoDoubleAllocation(t *testing.T) {
	pm := NewPortManager(43200, 43220)

	seen := make(map[int]bool)
	var pairs []PortPair
	for {
		pair, err := pm.AllocatePair()
		if err != nil {
			break
		}
		assert.False(t, seen[pair.RTP], "port %d allocated twice", pair.RTP)
		seen[pair.RTP] = true
		pairs = append(pairs, pair)
	}
	assert.NotEmpty(t, pairs)

	for _, pair := range pairs {
		pm.ReleasePair(pair)
	}
	assert.Equal(t, 0, pm.GetStats().UsedPairs)
}

func TestPortManagerReusesReleasedPairs(t *testing.T) {
	pm := NewPortManager(43300, 43320)

	pair, err := pm.AllocatePair()
	require.NoError(t, err)
	pm.ReleasePair(pair)

	again, err := pm.AllocatePair()
	require.NoError(t, err)
	assert.Equal(t, pair.RTP, again.RTP, "released pair should be retried first")
	assert.Equal(t, int64(1), pm.GetStats().ReuseHits)
	pm.ReleasePair(again)
}

func TestPortManagerExhaustion(t *testing.T) {
	// A range of two pairs
	pm := NewPortManager(43400, 43403)

	first, err := pm.AllocatePair()
	require.NoError(t, err)
	second, err := pm.AllocatePair()
	require.NoError(t, err)

	_, err = pm.AllocatePair()
	require.Error(t, err)

	pm.ReleasePair(first)
	_, err = pm.AllocatePair()
	assert.NoError(t, err, "release must make the pair available again")
	pm.ReleasePair(second)
}

func TestPortManagerIgnoresForeignRelease(t *testing.T) {
	pm := NewPortManager(43500, 43510)

	pm.ReleasePair(PortPair{RTP: 43500, RTCP: 43501})
	assert.Equal(t, int64(0), pm.GetStats().DeallocationCount)
}

func TestPortManagerInvalidRangeFallsBack(t *testing.T) {
	pm := NewPortManager(5000, 400)
	min, max := pm.GetPortRange()
	assert.Equal(t, 10000, min)
	assert.Equal(t, 20000, max)
}
