package memory

import (
	"context"
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"
)

// MemoryRoomStore keeps one room's session state in plain maps guarded
// by a single RWMutex. Critical sections never await anything, so the
// coordinator and the sweeper can interleave safely.
type MemoryRoomStore struct {
	mu sync.RWMutex

	peers      map[domain.PeerID]*domain.Peer
	transports map[domain.TransportID]*domain.Transport
	producers  map[domain.ProducerID]*domain.Producer
	consumers  map[domain.ConsumerID]*domain.Consumer

	activeSpeaker domain.ActiveSpeaker
}

var _ ports.RoomStore = (*MemoryRoomStore)(nil)

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		peers:      make(map[domain.PeerID]*domain.Peer),
		transports: make(map[domain.TransportID]*domain.Transport),
		producers:  make(map[domain.ProducerID]*domain.Producer),
		consumers:  make(map[domain.ConsumerID]*domain.Consumer),
	}
}

func (s *MemoryRoomStore) PutPeer(ctx context.Context, peer *domain.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[peer.ID] = peer
	return nil
}

func (s *MemoryRoomStore) GetPeer(ctx context.Context, id domain.PeerID) (*domain.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, exists := s.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	return peer.Clone(), nil
}

func (s *MemoryRoomStore) Peers(ctx context.Context) ([]*domain.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*domain.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer.Clone())
	}
	return peers, nil
}

func (s *MemoryRoomStore) RemovePeer(ctx context.Context, id domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(s.peers, id)
	return nil
}

func (s *MemoryRoomStore) TouchPeer(ctx context.Context, id domain.PeerID, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	peer.LastSeen = seen
	return nil
}

func (s *MemoryRoomStore) SetPeerPosition(ctx context.Context, id domain.PeerID, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	peer.Position = pos
	return nil
}

func (s *MemoryRoomStore) SetPeerMedia(ctx context.Context, id domain.PeerID, tag domain.MediaTag, info *domain.MediaInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	peer.Media[tag] = info
	return nil
}

func (s *MemoryRoomStore) RemovePeerMedia(ctx context.Context, id domain.PeerID, tag domain.MediaTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	delete(peer.Media, tag)
	return nil
}

func (s *MemoryRoomStore) SetMediaPaused(ctx context.Context, id domain.PeerID, tag domain.MediaTag, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	info, exists := peer.Media[tag]
	if !exists {
		return domain.ErrProducerNotFound
	}
	info.Paused = paused
	return nil
}

func (s *MemoryRoomStore) SetConsumerLayers(ctx context.Context, id domain.PeerID, consumerID domain.ConsumerID, layers *domain.ConsumerLayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	peer.ConsumerLayers[consumerID] = layers
	return nil
}

func (s *MemoryRoomStore) SetTrackStats(ctx context.Context, id domain.PeerID, key string, stats []domain.TrackStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	peer.Stats[key] = stats
	return nil
}

func (s *MemoryRoomStore) AddTransport(ctx context.Context, transport *domain.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transports[transport.ID] = transport
	return nil
}

func (s *MemoryRoomStore) GetTransport(ctx context.Context, id domain.TransportID) (*domain.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transport, exists := s.transports[id]
	if !exists {
		return nil, domain.ErrTransportNotFound
	}
	return transport, nil
}

func (s *MemoryRoomStore) TransportsByPeer(ctx context.Context, peerID domain.PeerID) ([]*domain.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*domain.Transport
	for _, transport := range s.transports {
		if transport.PeerID == peerID {
			owned = append(owned, transport)
		}
	}
	return owned, nil
}

func (s *MemoryRoomStore) FindTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, transport := range s.transports {
		if transport.PeerID == peerID && transport.Direction == direction {
			return transport, nil
		}
	}
	return nil, domain.ErrTransportNotFound
}

func (s *MemoryRoomStore) RemoveTransport(ctx context.Context, id domain.TransportID) ([]*domain.Producer, []*domain.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transports[id]; !exists {
		return nil, nil, domain.ErrTransportNotFound
	}

	var removedProducers []*domain.Producer
	for pid, producer := range s.producers {
		if producer.TransportID == id {
			removedProducers = append(removedProducers, producer)
			s.removeProducerLocked(pid)
		}
	}

	var removedConsumers []*domain.Consumer
	for cid, consumer := range s.consumers {
		if consumer.TransportID == id {
			removedConsumers = append(removedConsumers, consumer)
			s.removeConsumerLocked(cid)
		}
	}

	delete(s.transports, id)
	return removedProducers, removedConsumers, nil
}

func (s *MemoryRoomStore) AddProducer(ctx context.Context, producer *domain.Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.producers[producer.ID] = producer
	return nil
}

func (s *MemoryRoomStore) GetProducer(ctx context.Context, id domain.ProducerID) (*domain.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	producer, exists := s.producers[id]
	if !exists {
		return nil, domain.ErrProducerNotFound
	}
	return producer, nil
}

func (s *MemoryRoomStore) FindProducer(ctx context.Context, peerID domain.PeerID, tag domain.MediaTag) (*domain.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, producer := range s.producers {
		if producer.PeerID == peerID && producer.MediaTag == tag {
			return producer, nil
		}
	}
	return nil, domain.ErrProducerNotFound
}

func (s *MemoryRoomStore) Producers(ctx context.Context) ([]*domain.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	producers := make([]*domain.Producer, 0, len(s.producers))
	for _, producer := range s.producers {
		producers = append(producers, producer)
	}
	return producers, nil
}

func (s *MemoryRoomStore) SetProducerPaused(ctx context.Context, id domain.ProducerID, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	producer, exists := s.producers[id]
	if !exists {
		return domain.ErrProducerNotFound
	}
	producer.Paused = paused
	if peer, ok := s.peers[producer.PeerID]; ok {
		if info, ok := peer.Media[producer.MediaTag]; ok {
			info.Paused = paused
		}
	}
	return nil
}

func (s *MemoryRoomStore) RemoveProducer(ctx context.Context, id domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.producers[id]; !exists {
		return domain.ErrProducerNotFound
	}
	s.removeProducerLocked(id)
	return nil
}

// removeProducerLocked deletes the producer record and its bookkeeping
// entries on the owning peer. Caller holds the write lock.
func (s *MemoryRoomStore) removeProducerLocked(id domain.ProducerID) {
	producer := s.producers[id]
	delete(s.producers, id)

	if peer, ok := s.peers[producer.PeerID]; ok {
		delete(peer.Media, producer.MediaTag)
		delete(peer.Stats, string(id))
	}
}

func (s *MemoryRoomStore) AddConsumer(ctx context.Context, consumer *domain.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumers[consumer.ID] = consumer
	return nil
}

func (s *MemoryRoomStore) GetConsumer(ctx context.Context, id domain.ConsumerID) (*domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consumer, exists := s.consumers[id]
	if !exists {
		return nil, domain.ErrConsumerNotFound
	}
	return consumer, nil
}

func (s *MemoryRoomStore) ConsumersByProducer(ctx context.Context, producerID domain.ProducerID) ([]*domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dependent []*domain.Consumer
	for _, consumer := range s.consumers {
		if consumer.ProducerID == producerID {
			dependent = append(dependent, consumer)
		}
	}
	return dependent, nil
}

func (s *MemoryRoomStore) Consumers(ctx context.Context) ([]*domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consumers := make([]*domain.Consumer, 0, len(s.consumers))
	for _, consumer := range s.consumers {
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}

func (s *MemoryRoomStore) SetConsumerPaused(ctx context.Context, id domain.ConsumerID, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumer, exists := s.consumers[id]
	if !exists {
		return domain.ErrConsumerNotFound
	}
	consumer.Paused = paused
	return nil
}

func (s *MemoryRoomStore) RemoveConsumer(ctx context.Context, id domain.ConsumerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.consumers[id]; !exists {
		return domain.ErrConsumerNotFound
	}
	s.removeConsumerLocked(id)
	return nil
}

// removeConsumerLocked deletes the consumer record and its layer/stats
// bookkeeping on the receiving peer. Caller holds the write lock.
func (s *MemoryRoomStore) removeConsumerLocked(id domain.ConsumerID) {
	consumer := s.consumers[id]
	delete(s.consumers, id)

	if peer, ok := s.peers[consumer.PeerID]; ok {
		delete(peer.ConsumerLayers, id)
		delete(peer.Stats, string(id))
	}
}

func (s *MemoryRoomStore) SetActiveSpeaker(ctx context.Context, speaker domain.ActiveSpeaker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeSpeaker = speaker
	return nil
}

func (s *MemoryRoomStore) ActiveSpeaker(ctx context.Context) (domain.ActiveSpeaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeSpeaker, nil
}

// Snapshot deep-copies the peer table so callers can read and marshal
// it after the lock is released, while the coordinator and sweeper
// keep mutating the live records.
func (s *MemoryRoomStore) Snapshot(ctx context.Context) (*domain.RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make(map[domain.PeerID]*domain.Peer, len(s.peers))
	for id, peer := range s.peers {
		peers[id] = peer.Clone()
	}
	return &domain.RoomSnapshot{
		Peers:         peers,
		ActiveSpeaker: s.activeSpeaker,
	}, nil
}

func (s *MemoryRoomStore) Positions(ctx context.Context) (map[domain.PeerID]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make(map[domain.PeerID]domain.Position, len(s.peers))
	for id, peer := range s.peers {
		positions[id] = peer.Position
	}
	return positions, nil
}
