package domain

import "time"

type RoomID string

type PeerID string

type MediaTag string

// Position is an avatar location in scene units.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MediaInfo describes one published track of a peer, keyed by its
// mediaTag in Peer.Media.
type MediaInfo struct {
	Paused    bool          `json:"paused"`
	Encodings []RTPEncoding `json:"encodings,omitempty"`
}

// ConsumerLayerState tracks the spatial layer the engine currently
// delivers on a consumer and the layer the receiving client asked for.
type ConsumerLayerState struct {
	CurrentLayer        *int `json:"currentLayer"`
	ClientSelectedLayer *int `json:"clientSelectedLayer"`
}

// TrackStats is the normalized per-sample subset the stats sweeper
// stores under Peer.Stats, keyed by producer or consumer id.
type TrackStats struct {
	Bitrate      int     `json:"bitrate"`
	FractionLost float64 `json:"fractionLost"`
	Jitter       float64 `json:"jitter"`
	Score        int     `json:"score"`
	SpatialLayer int     `json:"spatialLayer,omitempty"`
}

type Peer struct {
	ID             PeerID                             `json:"id"`
	JoinedAt       time.Time                          `json:"joinedAt"`
	LastSeen       time.Time                          `json:"lastSeen"`
	Position       Position                           `json:"position"`
	Media          map[MediaTag]*MediaInfo            `json:"media"`
	ConsumerLayers map[ConsumerID]*ConsumerLayerState `json:"consumerLayers"`
	Stats          map[string][]TrackStats            `json:"stats"`
}

// NewPeer returns a Peer with empty media/stats/layer bookkeeping.
func NewPeer(id PeerID, now time.Time) *Peer {
	return &Peer{
		ID:             id,
		JoinedAt:       now,
		LastSeen:       now,
		Media:          make(map[MediaTag]*MediaInfo),
		ConsumerLayers: make(map[ConsumerID]*ConsumerLayerState),
		Stats:          make(map[string][]TrackStats),
	}
}

// Clone returns a deep copy detached from the live record, safe to
// read or marshal without holding the store lock.
func (p *Peer) Clone() *Peer {
	clone := *p
	clone.Media = make(map[MediaTag]*MediaInfo, len(p.Media))
	for tag, info := range p.Media {
		mi := *info
		mi.Encodings = append([]RTPEncoding(nil), info.Encodings...)
		clone.Media[tag] = &mi
	}
	clone.ConsumerLayers = make(map[ConsumerID]*ConsumerLayerState, len(p.ConsumerLayers))
	for id, layers := range p.ConsumerLayers {
		ls := *layers
		clone.ConsumerLayers[id] = &ls
	}
	clone.Stats = make(map[string][]TrackStats, len(p.Stats))
	for key, stats := range p.Stats {
		clone.Stats[key] = append([]TrackStats(nil), stats...)
	}
	return &clone
}

// ActiveSpeaker is the room-global dominant audio source. All fields
// are nil while the room is silent.
type ActiveSpeaker struct {
	ProducerID *ProducerID `json:"producerId"`
	PeerID     *PeerID     `json:"peerId"`
	Volume     *int        `json:"volume"`
}

// RoomSnapshot is the full peer table a sync poll returns. Clients
// replace their previous snapshot wholesale with this one.
type RoomSnapshot struct {
	Peers         map[PeerID]*Peer `json:"peers"`
	ActiveSpeaker ActiveSpeaker    `json:"activeSpeaker"`
}
