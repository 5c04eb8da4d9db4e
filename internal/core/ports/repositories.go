package ports

import (
	"context"
	"time"

	"atrium/internal/core/domain"
)

// RoomStore is the authoritative in-memory table of one room's peers,
// transports, producers and consumers. It is mutated only by the
// session coordinator and the sweeper; critical sections hold no
// awaited calls.
type RoomStore interface {
	// Peers
	PutPeer(ctx context.Context, peer *domain.Peer) error
	GetPeer(ctx context.Context, id domain.PeerID) (*domain.Peer, error)
	Peers(ctx context.Context) ([]*domain.Peer, error)
	RemovePeer(ctx context.Context, id domain.PeerID) error
	TouchPeer(ctx context.Context, id domain.PeerID, seen time.Time) error
	SetPeerPosition(ctx context.Context, id domain.PeerID, pos domain.Position) error

	// Per-peer media bookkeeping
	SetPeerMedia(ctx context.Context, id domain.PeerID, tag domain.MediaTag, info *domain.MediaInfo) error
	RemovePeerMedia(ctx context.Context, id domain.PeerID, tag domain.MediaTag) error
	SetMediaPaused(ctx context.Context, id domain.PeerID, tag domain.MediaTag, paused bool) error
	SetConsumerLayers(ctx context.Context, id domain.PeerID, consumerID domain.ConsumerID, layers *domain.ConsumerLayerState) error
	SetTrackStats(ctx context.Context, id domain.PeerID, key string, stats []domain.TrackStats) error

	// Transports
	AddTransport(ctx context.Context, transport *domain.Transport) error
	GetTransport(ctx context.Context, id domain.TransportID) (*domain.Transport, error)
	TransportsByPeer(ctx context.Context, peerID domain.PeerID) ([]*domain.Transport, error)
	FindTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.Transport, error)
	// RemoveTransport deletes the transport and all producers/consumers
	// riding it, including their bookkeeping entries on the owning
	// peers, and returns the removed records so the caller can close
	// the matching engine objects.
	RemoveTransport(ctx context.Context, id domain.TransportID) ([]*domain.Producer, []*domain.Consumer, error)

	// Producers
	AddProducer(ctx context.Context, producer *domain.Producer) error
	GetProducer(ctx context.Context, id domain.ProducerID) (*domain.Producer, error)
	FindProducer(ctx context.Context, peerID domain.PeerID, tag domain.MediaTag) (*domain.Producer, error)
	Producers(ctx context.Context) ([]*domain.Producer, error)
	SetProducerPaused(ctx context.Context, id domain.ProducerID, paused bool) error
	RemoveProducer(ctx context.Context, id domain.ProducerID) error

	// Consumers
	AddConsumer(ctx context.Context, consumer *domain.Consumer) error
	GetConsumer(ctx context.Context, id domain.ConsumerID) (*domain.Consumer, error)
	ConsumersByProducer(ctx context.Context, producerID domain.ProducerID) ([]*domain.Consumer, error)
	Consumers(ctx context.Context) ([]*domain.Consumer, error)
	SetConsumerPaused(ctx context.Context, id domain.ConsumerID, paused bool) error
	RemoveConsumer(ctx context.Context, id domain.ConsumerID) error

	// Room-global state
	SetActiveSpeaker(ctx context.Context, speaker domain.ActiveSpeaker) error
	ActiveSpeaker(ctx context.Context) (domain.ActiveSpeaker, error)

	// Snapshot returns the peer table plus active speaker under one
	// read lock, for sync responses.
	Snapshot(ctx context.Context) (*domain.RoomSnapshot, error)
	Positions(ctx context.Context) (map[domain.PeerID]domain.Position, error)
}
