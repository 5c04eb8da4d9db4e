package services

import (
	"context"
	"fmt"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"go.uber.org/zap"
)

// RoomService is the session coordinator for one room. Every handler is
// a small state transition on the RoomStore plus the matching calls
// into the media router. Cascading close is an explicit walk
// (peer -> transports -> producers/consumers -> dependent consumers),
// never a web of callbacks.
type RoomService struct {
	roomID domain.RoomID
	store  ports.RoomStore
	router ports.MediaRouter
	logger *zap.SugaredLogger

	now func() time.Time
}

func NewRoomService(roomID domain.RoomID, store ports.RoomStore, router ports.MediaRouter, logger *zap.SugaredLogger) *RoomService {
	s := &RoomService{
		roomID: roomID,
		store:  store,
		router: router,
		logger: logger.With("room_id", roomID),
		now:    time.Now,
	}

	router.OnAudioLevel(s.handleAudioLevel)
	router.OnSilence(s.handleSilence)
	router.OnConsumerLayersChange(s.handleConsumerLayersChange)

	return s
}

func (s *RoomService) Join(ctx context.Context, peerID domain.PeerID) (domain.RTPCapabilities, error) {
	s.logger.Infow("join-as-new-peer", "peer_id", peerID)

	// Join is create-or-replace: a rejoining peer first gets its stale
	// session torn down so no transports leak.
	if _, err := s.store.GetPeer(ctx, peerID); err == nil {
		if err := s.Leave(ctx, peerID); err != nil {
			return domain.RTPCapabilities{}, fmt.Errorf("replace existing peer %s: %w", peerID, err)
		}
	}

	if err := s.store.PutPeer(ctx, domain.NewPeer(peerID, s.now())); err != nil {
		return domain.RTPCapabilities{}, err
	}
	return s.router.Capabilities(), nil
}

// Sync refreshes the peer's liveness timestamp and returns the full
// peer table plus the active speaker. A missing peer means the caller
// was evicted and must rejoin.
func (s *RoomService) Sync(ctx context.Context, peerID domain.PeerID) (*domain.RoomSnapshot, error) {
	if err := s.store.TouchPeer(ctx, peerID, s.now()); err != nil {
		return nil, domain.ErrPeerNotConnected
	}
	return s.store.Snapshot(ctx)
}

func (s *RoomService) CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error) {
	s.logger.Infow("create-transport", "peer_id", peerID, "direction", direction)

	if !direction.Valid() {
		return nil, domain.ErrInvalidDirection
	}
	if _, err := s.store.GetPeer(ctx, peerID); err != nil {
		return nil, domain.ErrPeerNotConnected
	}

	// One transport per direction per peer: a duplicate request tears
	// down the previous endpoint instead of stacking a second one.
	if existing, err := s.store.FindTransport(ctx, peerID, direction); err == nil {
		if err := s.closeTransportCascade(ctx, existing.ID); err != nil {
			s.logger.Warnw("failed to replace transport", "peer_id", peerID, "transport_id", existing.ID, "error", err)
		}
	}

	info, err := s.router.CreateTransport(ctx, peerID, direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportCreation, err)
	}

	transport := &domain.Transport{
		ID:        info.ID,
		PeerID:    peerID,
		Direction: direction,
		CreatedAt: s.now(),
	}
	if err := s.store.AddTransport(ctx, transport); err != nil {
		_ = s.router.CloseTransport(info.ID)
		return nil, err
	}
	return info, nil
}

func (s *RoomService) ConnectTransport(ctx context.Context, peerID domain.PeerID, id domain.TransportID, params domain.ConnectParams) error {
	s.logger.Debugw("connect-transport", "peer_id", peerID, "transport_id", id)

	transport, err := s.store.GetTransport(ctx, id)
	if err != nil || transport.PeerID != peerID {
		return domain.ErrTransportNotFound
	}
	return s.router.ConnectTransport(ctx, id, params)
}

func (s *RoomService) CloseTransport(ctx context.Context, peerID domain.PeerID, id domain.TransportID) error {
	s.logger.Infow("close-transport", "peer_id", peerID, "transport_id", id)

	transport, err := s.store.GetTransport(ctx, id)
	if err != nil || transport.PeerID != peerID {
		return domain.ErrTransportNotFound
	}
	return s.closeTransportCascade(ctx, id)
}

func (s *RoomService) SendTrack(ctx context.Context, peerID domain.PeerID, params ports.SendTrackParams) (domain.ProducerID, error) {
	s.logger.Infow("send-track", "peer_id", peerID, "media_tag", params.MediaTag, "kind", params.Kind)

	transport, err := s.store.GetTransport(ctx, params.TransportID)
	if err != nil || transport.PeerID != peerID {
		return "", domain.ErrTransportNotFound
	}
	if transport.Direction != domain.DirectionSend {
		return "", domain.ErrWrongTransportDirection
	}

	// At most one live producer per (peer, mediaTag): a re-publish of
	// the same tag replaces the old producer.
	if existing, err := s.store.FindProducer(ctx, peerID, params.MediaTag); err == nil {
		if err := s.closeProducerCascade(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("replace producer for %s:%s: %w", peerID, params.MediaTag, err)
		}
	}

	producerID, err := s.router.Produce(ctx, ports.ProduceParams{
		TransportID:   params.TransportID,
		PeerID:        peerID,
		Kind:          params.Kind,
		MediaTag:      params.MediaTag,
		RTPParameters: params.RTPParameters,
		Paused:        params.Paused,
	})
	if err != nil {
		return "", fmt.Errorf("produce %s:%s: %w", peerID, params.MediaTag, err)
	}

	producer := &domain.Producer{
		ID:          producerID,
		PeerID:      peerID,
		TransportID: params.TransportID,
		Kind:        params.Kind,
		MediaTag:    params.MediaTag,
		Paused:      params.Paused,
	}
	if err := s.store.AddProducer(ctx, producer); err != nil {
		_ = s.router.CloseProducer(producerID)
		return "", err
	}
	if err := s.store.SetPeerMedia(ctx, peerID, params.MediaTag, &domain.MediaInfo{
		Paused:    params.Paused,
		Encodings: params.RTPParameters.Encodings,
	}); err != nil {
		return "", err
	}
	return producerID, nil
}

func (s *RoomService) CloseProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error {
	s.logger.Infow("close-producer", "peer_id", peerID, "producer_id", id)

	producer, err := s.store.GetProducer(ctx, id)
	if err != nil || producer.PeerID != peerID {
		return domain.ErrProducerNotFound
	}
	return s.closeProducerCascade(ctx, id)
}

func (s *RoomService) PauseProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error {
	return s.setProducerPaused(ctx, peerID, id, true)
}

func (s *RoomService) ResumeProducer(ctx context.Context, peerID domain.PeerID, id domain.ProducerID) error {
	return s.setProducerPaused(ctx, peerID, id, false)
}

func (s *RoomService) setProducerPaused(ctx context.Context, peerID domain.PeerID, id domain.ProducerID, paused bool) error {
	s.logger.Debugw("set-producer-paused", "peer_id", peerID, "producer_id", id, "paused", paused)

	producer, err := s.store.GetProducer(ctx, id)
	if err != nil || producer.PeerID != peerID {
		return domain.ErrProducerNotFound
	}

	if paused {
		err = s.router.PauseProducer(id)
	} else {
		err = s.router.ResumeProducer(id)
	}
	if err != nil {
		return err
	}
	return s.store.SetProducerPaused(ctx, id, paused)
}

func (s *RoomService) RecvTrack(ctx context.Context, peerID domain.PeerID, params ports.RecvTrackParams) (*domain.ConsumerInfo, error) {
	s.logger.Infow("recv-track", "peer_id", peerID, "media_peer_id", params.MediaPeerID, "media_tag", params.MediaTag)

	producer, err := s.store.FindProducer(ctx, params.MediaPeerID, params.MediaTag)
	if err != nil {
		return nil, fmt.Errorf("server-side producer for %s:%s not found: %w",
			params.MediaPeerID, params.MediaTag, domain.ErrProducerNotFound)
	}

	if !s.router.CanConsume(producer.ID, params.RTPCapabilities) {
		return nil, domain.ErrIncompatibleCapabilities
	}

	transport, err := s.store.FindTransport(ctx, peerID, domain.DirectionRecv)
	if err != nil {
		return nil, fmt.Errorf("no recv transport for peer %s: %w", peerID, domain.ErrTransportNotFound)
	}

	// The engine creates the consumer paused; it only flows after the
	// client reports its transport connected and asks for a resume.
	info, err := s.router.Consume(ctx, ports.ConsumeParams{
		TransportID:     transport.ID,
		PeerID:          peerID,
		ProducerID:      producer.ID,
		RTPCapabilities: params.RTPCapabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s:%s: %w", params.MediaPeerID, params.MediaTag, err)
	}

	consumer := &domain.Consumer{
		ID:          info.ID,
		PeerID:      peerID,
		TransportID: transport.ID,
		ProducerID:  producer.ID,
		MediaPeerID: params.MediaPeerID,
		MediaTag:    params.MediaTag,
		Kind:        info.Kind,
		Paused:      true,
	}
	if err := s.store.AddConsumer(ctx, consumer); err != nil {
		_ = s.router.CloseConsumer(info.ID)
		return nil, err
	}
	_ = s.store.SetConsumerLayers(ctx, peerID, info.ID, &domain.ConsumerLayerState{})

	return info, nil
}

func (s *RoomService) CloseConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error {
	s.logger.Infow("close-consumer", "peer_id", peerID, "consumer_id", id)

	consumer, err := s.store.GetConsumer(ctx, id)
	if err != nil || consumer.PeerID != peerID {
		return domain.ErrConsumerNotFound
	}
	if err := s.router.CloseConsumer(id); err != nil {
		s.logger.Warnw("router close consumer", "consumer_id", id, "error", err)
	}
	return s.store.RemoveConsumer(ctx, id)
}

func (s *RoomService) PauseConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error {
	return s.setConsumerPaused(ctx, peerID, id, true)
}

func (s *RoomService) ResumeConsumer(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) error {
	return s.setConsumerPaused(ctx, peerID, id, false)
}

func (s *RoomService) setConsumerPaused(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID, paused bool) error {
	s.logger.Debugw("set-consumer-paused", "peer_id", peerID, "consumer_id", id, "paused", paused)

	consumer, err := s.store.GetConsumer(ctx, id)
	if err != nil || consumer.PeerID != peerID {
		return domain.ErrConsumerNotFound
	}

	if paused {
		err = s.router.PauseConsumer(id)
	} else {
		err = s.router.ResumeConsumer(id)
	}
	if err != nil {
		return err
	}
	return s.store.SetConsumerPaused(ctx, id, paused)
}

func (s *RoomService) SetConsumerLayers(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID, spatialLayer int) error {
	s.logger.Debugw("consumer-set-layers", "peer_id", peerID, "consumer_id", id, "spatial_layer", spatialLayer)

	consumer, err := s.store.GetConsumer(ctx, id)
	if err != nil || consumer.PeerID != peerID {
		return domain.ErrConsumerNotFound
	}
	if err := s.router.SetConsumerPreferredLayers(id, spatialLayer); err != nil {
		return err
	}

	layers := s.consumerLayerState(ctx, consumer.PeerID, id)
	selected := spatialLayer
	layers.ClientSelectedLayer = &selected
	return s.store.SetConsumerLayers(ctx, consumer.PeerID, id, layers)
}

// Leave tears down every transport owned by the peer, which cascades to
// its producers and consumers, then removes the peer. Calling it for an
// absent peer is a no-op.
func (s *RoomService) Leave(ctx context.Context, peerID domain.PeerID) error {
	s.logger.Infow("leave", "peer_id", peerID)

	transports, err := s.store.TransportsByPeer(ctx, peerID)
	if err != nil {
		return err
	}
	for _, transport := range transports {
		if err := s.closeTransportCascade(ctx, transport.ID); err != nil {
			s.logger.Warnw("cascade close on leave", "peer_id", peerID, "transport_id", transport.ID, "error", err)
		}
	}

	if err := s.store.RemovePeer(ctx, peerID); err != nil && err != domain.ErrPeerNotFound {
		return err
	}
	s.clearActiveSpeakerFor(ctx, peerID)
	return nil
}

func (s *RoomService) UpdatePosition(ctx context.Context, peerID domain.PeerID, pos domain.Position) error {
	if err := s.store.SetPeerPosition(ctx, peerID, pos); err != nil {
		return domain.ErrPeerNotConnected
	}
	return nil
}

func (s *RoomService) Positions(ctx context.Context) (map[domain.PeerID]domain.Position, error) {
	return s.store.Positions(ctx)
}

// Snapshot is the admin view of the room, served without a session.
func (s *RoomService) Snapshot(ctx context.Context) (*domain.RoomSnapshot, error) {
	return s.store.Snapshot(ctx)
}

func (s *RoomService) PeerCount(ctx context.Context) int {
	peers, err := s.store.Peers(ctx)
	if err != nil {
		return 0
	}
	return len(peers)
}

// closeTransportCascade removes the transport and every producer and
// consumer riding it, closes the matching engine objects, and also
// closes consumers on other transports that were fed by the removed
// producers.
func (s *RoomService) closeTransportCascade(ctx context.Context, id domain.TransportID) error {
	producers, consumers, err := s.store.RemoveTransport(ctx, id)
	if err != nil {
		return err
	}

	for _, consumer := range consumers {
		if err := s.router.CloseConsumer(consumer.ID); err != nil {
			s.logger.Warnw("router close consumer", "consumer_id", consumer.ID, "error", err)
		}
	}

	for _, producer := range producers {
		dependent, err := s.store.ConsumersByProducer(ctx, producer.ID)
		if err == nil {
			for _, consumer := range dependent {
				if err := s.router.CloseConsumer(consumer.ID); err != nil {
					s.logger.Warnw("router close consumer", "consumer_id", consumer.ID, "error", err)
				}
				_ = s.store.RemoveConsumer(ctx, consumer.ID)
			}
		}
		if err := s.router.CloseProducer(producer.ID); err != nil {
			s.logger.Warnw("router close producer", "producer_id", producer.ID, "error", err)
		}
	}

	if err := s.router.CloseTransport(id); err != nil {
		s.logger.Warnw("router close transport", "transport_id", id, "error", err)
	}
	return nil
}

// closeProducerCascade closes the producer's dependent consumers first,
// then the producer itself.
func (s *RoomService) closeProducerCascade(ctx context.Context, id domain.ProducerID) error {
	dependent, err := s.store.ConsumersByProducer(ctx, id)
	if err != nil {
		return err
	}
	for _, consumer := range dependent {
		if err := s.router.CloseConsumer(consumer.ID); err != nil {
			s.logger.Warnw("router close consumer", "consumer_id", consumer.ID, "error", err)
		}
		_ = s.store.RemoveConsumer(ctx, consumer.ID)
	}

	if err := s.router.CloseProducer(id); err != nil {
		s.logger.Warnw("router close producer", "producer_id", id, "error", err)
	}
	return s.store.RemoveProducer(ctx, id)
}

func (s *RoomService) consumerLayerState(ctx context.Context, peerID domain.PeerID, id domain.ConsumerID) *domain.ConsumerLayerState {
	peer, err := s.store.GetPeer(ctx, peerID)
	if err != nil {
		return &domain.ConsumerLayerState{}
	}
	if layers, ok := peer.ConsumerLayers[id]; ok && layers != nil {
		copied := *layers
		return &copied
	}
	return &domain.ConsumerLayerState{}
}

func (s *RoomService) handleAudioLevel(producerID domain.ProducerID, volume int) {
	ctx := context.Background()

	producer, err := s.store.GetProducer(ctx, producerID)
	if err != nil {
		return
	}
	pid := producer.ID
	peerID := producer.PeerID
	vol := volume
	_ = s.store.SetActiveSpeaker(ctx, domain.ActiveSpeaker{
		ProducerID: &pid,
		PeerID:     &peerID,
		Volume:     &vol,
	})
}

func (s *RoomService) handleSilence() {
	_ = s.store.SetActiveSpeaker(context.Background(), domain.ActiveSpeaker{})
}

func (s *RoomService) handleConsumerLayersChange(consumerID domain.ConsumerID, spatialLayer *int) {
	ctx := context.Background()

	consumer, err := s.store.GetConsumer(ctx, consumerID)
	if err != nil {
		return
	}
	layers := s.consumerLayerState(ctx, consumer.PeerID, consumerID)
	layers.CurrentLayer = spatialLayer
	_ = s.store.SetConsumerLayers(ctx, consumer.PeerID, consumerID, layers)
}

func (s *RoomService) clearActiveSpeakerFor(ctx context.Context, peerID domain.PeerID) {
	speaker, err := s.store.ActiveSpeaker(ctx)
	if err != nil || speaker.PeerID == nil || *speaker.PeerID != peerID {
		return
	}
	_ = s.store.SetActiveSpeaker(ctx, domain.ActiveSpeaker{})
}
