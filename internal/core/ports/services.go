package ports

import (
	"context"

	"atrium/internal/core/domain"
)

// SendTrackParams is the send-track request after envelope decoding.
type SendTrackParams struct {
	TransportID   domain.TransportID
	Kind          domain.MediaKind
	MediaTag      domain.MediaTag
	RTPParameters domain.RTPParameters
	Paused        bool
}

// RecvTrackParams addresses a source producer by its owning peer and
// mediaTag, the way clients see the room.
type RecvTrackParams struct {
	MediaPeerID     domain.PeerID
	MediaTag        domain.MediaTag
	RTPCapabilities domain.RTPCapabilities
}

// RoomService is the session coordinator for one room: one method per
// client-initiated action. The peerID argument always comes from the
// connection, never from a client payload.
type RoomService interface {
	Join(ctx context.Context, peerID domain.PeerID) (domain.RTPCapabilities, error)
	Sync(ctx context.Context, peerID domain.PeerID) (*domain.RoomSnapshot, error)
	Leave(ctx context.Context, peerID domain.PeerID) error

	CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, peerID domain.PeerID, id domain.TransportID, params domain.ConnectParams) error
	CloseTransport(ctx context.Context, peerID domain.PeerID, id domain.TransportID) error

	SendTrack(ctx context.Context, peerID domain.PeerID, params SendTrackParams) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error
	PauseProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error
	ResumeProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error

	RecvTrack(ctx context.Context, peerID domain.PeerID, params RecvTrackParams) (*domain.ConsumerInfo, error)
	CloseConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error
	PauseConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error
	ResumeConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error
	SetConsumerLayers(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID, spatialLayer int) error

	UpdatePosition(ctx context.Context, peerID domain.PeerID, pos domain.Position) error
	Positions(ctx context.Context) (map[domain.PeerID]domain.Position, error)
	PeerCount(ctx context.Context) int

	// Snapshot is the peer-less admin view of the room, used by the
	// ops API. Sync is the client path and requires a live session.
	Snapshot(ctx context.Context) (*domain.RoomSnapshot, error)
}
