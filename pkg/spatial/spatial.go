// Package spatial holds the pure distance computations that gate which
// peers a client subscribes to and how loudly it hears them.
package spatial

import "atrium/internal/core/domain"

// DistSquared returns the squared euclidean distance between two
// positions. Callers compare against squared thresholds so no square
// root is ever taken.
func DistSquared(a, b domain.Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// ClosestPeers returns the set of peers whose squared distance from
// self is within thresholdSq. Boundary equality counts as close.
func ClosestPeers(self domain.Position, peers map[domain.PeerID]domain.Position, thresholdSq float64) map[domain.PeerID]struct{} {
	closest := make(map[domain.PeerID]struct{}, len(peers))
	for id, pos := range peers {
		if DistSquared(self, pos) <= thresholdSq {
			closest[id] = struct{}{}
		}
	}
	return closest
}

// InRange reports whether the squared distance is within thresholdSq,
// boundary inclusive.
func InRange(distSq, thresholdSq float64) bool {
	return distSq <= thresholdSq
}

// Volume maps squared distance to a playback volume in [0, 1]:
// min(1, rolloff/distSq) within thresholdSq, 0 beyond it. This is a
// continuous attenuation layered on top of the binary pause/resume
// gate, so audio fades while a consumer is still flowing.
func Volume(distSq, thresholdSq, rolloff float64) float64 {
	if distSq > thresholdSq {
		return 0
	}
	if distSq <= 0 || distSq <= rolloff {
		return 1
	}
	return rolloff / distSq
}
