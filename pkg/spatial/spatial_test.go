package spatial

import (
	"testing"

	"atrium/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestDistSquared(t *testing.T) {
	a := domain.Position{X: 1, Y: 2, Z: 3}
	b := domain.Position{X: 4, Y: 6, Z: 3}

	assert.Equal(t, 25.0, DistSquared(a, b))
	assert.Equal(t, 0.0, DistSquared(a, a))
}

func TestClosestPeersBoundary(t *testing.T) {
	self := domain.Position{}
	peers := map[domain.PeerID]domain.Position{
		"exact":  {X: 10, Y: 20},         // distSq = 500, on the boundary
		"inside": {X: 1, Y: 1, Z: 1},     // distSq = 3
		"beyond": {X: 10.01, Y: 20},      // distSq = 500.2001
		"far":    {X: 100, Y: 100, Z: 1}, // distSq = 20001
	}

	closest := ClosestPeers(self, peers, 500)

	assert.Contains(t, closest, domain.PeerID("exact"))
	assert.Contains(t, closest, domain.PeerID("inside"))
	assert.NotContains(t, closest, domain.PeerID("beyond"))
	assert.NotContains(t, closest, domain.PeerID("far"))
}

func TestClosestPeersJustOverThreshold(t *testing.T) {
	self := domain.Position{}
	peers := map[domain.PeerID]domain.Position{
		"a": {X: 22.38302929643971}, // sqrt(501), distSq = 501
	}

	// distSq 501 against threshold 500 must exclude the peer.
	closest := ClosestPeers(self, peers, 500)
	assert.Empty(t, closest)
}

func TestVolume(t *testing.T) {
	// Beyond the threshold the peer is inaudible regardless of rolloff.
	assert.Equal(t, 0.0, Volume(2501, 2500, 50))

	// Inside the rolloff radius volume is clamped to 1.
	assert.Equal(t, 1.0, Volume(0, 2500, 50))
	assert.Equal(t, 1.0, Volume(25, 2500, 50))

	// Past the rolloff radius attenuation is rolloff/distSq.
	assert.InDelta(t, 0.5, Volume(100, 2500, 50), 1e-9)
	assert.InDelta(t, 0.02, Volume(2500, 2500, 50), 1e-9)
}

func TestVolumeMonotonicallyDecreases(t *testing.T) {
	prev := 1.0
	for distSq := 10.0; distSq <= 2500; distSq += 10 {
		v := Volume(distSq, 2500, 50)
		assert.LessOrEqual(t, v, prev)
		prev = v
	}
}
