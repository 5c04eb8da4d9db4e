package domain

import "time"

type TransportID string

type ProducerID string

type ConsumerID string

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Transport is a media-transport endpoint bound to one peer and one
// direction. Producers and consumers reference their owning transport
// by id; closing the transport cascades to them.
type Transport struct {
	ID        TransportID `json:"id"`
	PeerID    PeerID      `json:"peerId"`
	Direction Direction   `json:"direction"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Producer is an outbound media track published by a peer through its
// send transport.
type Producer struct {
	ID          ProducerID  `json:"id"`
	PeerID      PeerID      `json:"peerId"`
	TransportID TransportID `json:"transportId"`
	Kind        MediaKind   `json:"kind"`
	MediaTag    MediaTag    `json:"mediaTag"`
	Paused      bool        `json:"paused"`
}

// Consumer is an inbound media track a peer receives, bound to one
// producer and one recv transport. MediaPeerID and MediaTag identify
// the source producer the way clients address it.
type Consumer struct {
	ID          ConsumerID  `json:"id"`
	PeerID      PeerID      `json:"peerId"`
	TransportID TransportID `json:"transportId"`
	ProducerID  ProducerID  `json:"producerId"`
	MediaPeerID PeerID      `json:"mediaPeerId"`
	MediaTag    MediaTag    `json:"mediaTag"`
	Kind        MediaKind   `json:"kind"`
	Paused      bool        `json:"paused"`
}
