package ports

import (
	"context"

	"atrium/internal/core/domain"
)

// ProduceParams describe an outbound track a client wants to publish.
type ProduceParams struct {
	TransportID   domain.TransportID
	PeerID        domain.PeerID
	Kind          domain.MediaKind
	MediaTag      domain.MediaTag
	RTPParameters domain.RTPParameters
	Paused        bool
}

// ConsumeParams describe a subscription to an existing producer. The
// engine must create the consumer paused; it only starts flowing after
// an explicit resume.
type ConsumeParams struct {
	TransportID     domain.TransportID
	PeerID          domain.PeerID
	ProducerID      domain.ProducerID
	RTPCapabilities domain.RTPCapabilities
}

// ProducerScoreStats is one encoding's sampled inbound stats.
type ProducerScoreStats struct {
	Bitrate      int
	FractionLost float64
	Jitter       float64
	Score        int
	SpatialLayer int
}

// ConsumerStats is the sampled outbound-rtp stats of one consumer.
type ConsumerStats struct {
	Bitrate      int
	FractionLost float64
	Jitter       float64
	Score        int
}

// MediaRouter is the narrow interface to the SFU-style media engine
// serving one room. The engine owns codec negotiation and RTP
// forwarding; the coordinator owns all room state.
type MediaRouter interface {
	Capabilities() domain.RTPCapabilities

	CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, id domain.TransportID, params domain.ConnectParams) error
	CloseTransport(id domain.TransportID) error

	Produce(ctx context.Context, params ProduceParams) (domain.ProducerID, error)
	CloseProducer(id domain.ProducerID) error
	PauseProducer(id domain.ProducerID) error
	ResumeProducer(id domain.ProducerID) error

	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	Consume(ctx context.Context, params ConsumeParams) (*domain.ConsumerInfo, error)
	CloseConsumer(id domain.ConsumerID) error
	PauseConsumer(id domain.ConsumerID) error
	ResumeConsumer(id domain.ConsumerID) error
	SetConsumerPreferredLayers(id domain.ConsumerID, spatialLayer int) error

	ProducerStats(ctx context.Context, id domain.ProducerID) ([]ProducerScoreStats, error)
	ConsumerStats(ctx context.Context, id domain.ConsumerID) (*ConsumerStats, error)

	// OnAudioLevel registers the room-wide audio level observer
	// callback; volume is in negative dBvol, 0 loudest. OnSilence fires
	// when no audio producer is above the observation threshold.
	OnAudioLevel(fn func(producerID domain.ProducerID, volume int))
	OnSilence(fn func())
	// OnConsumerLayersChange fires when the engine switches the
	// delivered spatial layer of a consumer; layer is nil when the
	// consumer is inactive.
	OnConsumerLayersChange(fn func(consumerID domain.ConsumerID, spatialLayer *int))

	Close() error
}

// MediaEngine creates per-room routers.
type MediaEngine interface {
	CreateRouter(ctx context.Context, roomID domain.RoomID) (MediaRouter, error)
	Close() error
}
