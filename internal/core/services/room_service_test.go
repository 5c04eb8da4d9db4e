package services

import (
	"context"
	"testing"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"
	"atrium/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRouter struct {
	mock.Mock

	audioLevel   func(domain.ProducerID, int)
	silence      func()
	layersChange func(domain.ConsumerID, *int)
}

func (m *mockRouter) Capabilities() domain.RTPCapabilities {
	args := m.Called()
	return args.Get(0).(domain.RTPCapabilities)
}

func (m *mockRouter) CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error) {
	args := m.Called(ctx, peerID, direction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TransportInfo), args.Error(1)
}

func (m *mockRouter) ConnectTransport(ctx context.Context, id domain.TransportID, params domain.ConnectParams) error {
	return m.Called(ctx, id, params).Error(0)
}

func (m *mockRouter) CloseTransport(id domain.TransportID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) Produce(ctx context.Context, params ports.ProduceParams) (domain.ProducerID, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(domain.ProducerID), args.Error(1)
}

func (m *mockRouter) CloseProducer(id domain.ProducerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) PauseProducer(id domain.ProducerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) ResumeProducer(id domain.ProducerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	return m.Called(producerID, caps).Bool(0)
}

func (m *mockRouter) Consume(ctx context.Context, params ports.ConsumeParams) (*domain.ConsumerInfo, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConsumerInfo), args.Error(1)
}

func (m *mockRouter) CloseConsumer(id domain.ConsumerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) PauseConsumer(id domain.ConsumerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) ResumeConsumer(id domain.ConsumerID) error {
	return m.Called(id).Error(0)
}

func (m *mockRouter) SetConsumerPreferredLayers(id domain.ConsumerID, spatialLayer int) error {
	return m.Called(id, spatialLayer).Error(0)
}

func (m *mockRouter) ProducerStats(ctx context.Context, id domain.ProducerID) ([]ports.ProducerScoreStats, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.ProducerScoreStats), args.Error(1)
}

func (m *mockRouter) ConsumerStats(ctx context.Context, id domain.ConsumerID) (*ports.ConsumerStats, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.ConsumerStats), args.Error(1)
}

func (m *mockRouter) OnAudioLevel(fn func(domain.ProducerID, int)) { m.audioLevel = fn }
func (m *mockRouter) OnSilence(fn func())                          { m.silence = fn }
func (m *mockRouter) OnConsumerLayersChange(fn func(domain.ConsumerID, *int)) {
	m.layersChange = fn
}

func (m *mockRouter) Close() error {
	return m.Called().Error(0)
}

func newTestService(t *testing.T) (*RoomService, *memory.MemoryRoomStore, *mockRouter) {
	t.Helper()
	store := memory.NewMemoryRoomStore()
	router := &mockRouter{}
	service := NewRoomService("room-1", store, router, zap.NewNop().Sugar())
	return service, store, router
}

func TestJoinReturnsRouterCapabilities(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)

	caps := domain.RTPCapabilities{Codecs: []domain.RTPCodec{{MimeType: "audio/opus"}}}
	router.On("Capabilities").Return(caps)

	got, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, caps, got)

	peer, err := store.GetPeer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), peer.ID)
}

func TestJoinReplacesExistingSession(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)

	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CloseTransport", domain.TransportID("t1")).Return(nil)

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "t1", PeerID: "alice", Direction: domain.DirectionSend,
	}))

	_, err = service.Join(ctx, "alice")
	require.NoError(t, err)

	// The stale transport is gone, the peer record is fresh.
	_, err = store.GetTransport(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	router.AssertCalled(t, "CloseTransport", domain.TransportID("t1"))
}

func TestSyncUnknownPeer(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t)

	_, err := service.Sync(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrPeerNotConnected)
}

func TestSyncTouchesLastSeen(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)

	later := time.Now().Add(10 * time.Second)
	service.now = func() time.Time { return later }

	snapshot, err := service.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, snapshot.Peers, 1)

	peer, err := store.GetPeer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, later, peer.LastSeen)
}

func TestSendTrackReplacesProducerWithSameTag(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)

	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CreateTransport", mock.Anything, domain.PeerID("alice"), domain.DirectionSend).
		Return(&domain.TransportInfo{ID: "send-1"}, nil)
	router.On("Produce", mock.Anything, mock.Anything).Return(domain.ProducerID("prod-1"), nil).Once()
	router.On("Produce", mock.Anything, mock.Anything).Return(domain.ProducerID("prod-2"), nil).Once()
	router.On("CloseProducer", domain.ProducerID("prod-1")).Return(nil)
	router.On("CloseConsumer", domain.ConsumerID("cons-1")).Return(nil)

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	_, err = service.CreateTransport(ctx, "alice", domain.DirectionSend)
	require.NoError(t, err)

	first, err := service.SendTrack(ctx, "alice", ports.SendTrackParams{
		TransportID: "send-1", Kind: domain.MediaKindVideo, MediaTag: "cam-video",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("prod-1"), first)

	// Another peer consumes the first producer; the replacement must
	// cascade to that consumer.
	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("bob", time.Now())))
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "cons-1", PeerID: "bob", TransportID: "t-bob", ProducerID: "prod-1",
	}))

	second, err := service.SendTrack(ctx, "alice", ports.SendTrackParams{
		TransportID: "send-1", Kind: domain.MediaKindVideo, MediaTag: "cam-video",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("prod-2"), second)

	_, err = store.GetProducer(ctx, "prod-1")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	_, err = store.GetConsumer(ctx, "cons-1")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	router.AssertCalled(t, "CloseProducer", domain.ProducerID("prod-1"))
	router.AssertCalled(t, "CloseConsumer", domain.ConsumerID("cons-1"))
}

func TestSendTrackRejectsRecvTransport(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "recv-1", PeerID: "alice", Direction: domain.DirectionRecv,
	}))

	_, err = service.SendTrack(ctx, "alice", ports.SendTrackParams{
		TransportID: "recv-1", Kind: domain.MediaKindAudio, MediaTag: "cam-audio",
	})
	assert.ErrorIs(t, err, domain.ErrWrongTransportDirection)
}

func TestSendTrackPropagatesProduceError(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("Produce", mock.Anything, mock.Anything).
		Return(domain.ProducerID(""), assert.AnError)

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "send-1", PeerID: "alice", Direction: domain.DirectionSend,
	}))

	_, err = service.SendTrack(ctx, "alice", ports.SendTrackParams{
		TransportID: "send-1", Kind: domain.MediaKindVideo, MediaTag: "cam-video",
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRecvTrackUnknownProducer(t *testing.T) {
	ctx := context.Background()
	service, _, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})

	_, err := service.Join(ctx, "bob")
	require.NoError(t, err)

	_, err = service.RecvTrack(ctx, "bob", ports.RecvTrackParams{
		MediaPeerID: "alice", MediaTag: "cam-video",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	assert.Contains(t, err.Error(), "server-side producer for alice:cam-video not found")
}

func TestRecvTrackIncompatibleCapabilities(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CanConsume", domain.ProducerID("prod-1"), mock.Anything).Return(false)

	_, err := service.Join(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod-1", PeerID: "alice", MediaTag: "cam-video", Kind: domain.MediaKindVideo,
	}))

	_, err = service.RecvTrack(ctx, "bob", ports.RecvTrackParams{
		MediaPeerID: "alice", MediaTag: "cam-video",
	})
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)
}

func TestRecvTrackCreatesPausedConsumer(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)

	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CanConsume", domain.ProducerID("prod-1"), mock.Anything).Return(true)
	router.On("Consume", mock.Anything, mock.MatchedBy(func(p ports.ConsumeParams) bool {
		return p.TransportID == "recv-1" && p.ProducerID == "prod-1"
	})).Return(&domain.ConsumerInfo{
		ID: "cons-1", ProducerID: "prod-1", Kind: domain.MediaKindVideo, Type: "simulcast",
	}, nil)

	_, err := service.Join(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod-1", PeerID: "alice", MediaTag: "cam-video", Kind: domain.MediaKindVideo,
	}))
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "recv-1", PeerID: "bob", Direction: domain.DirectionRecv,
	}))

	info, err := service.RecvTrack(ctx, "bob", ports.RecvTrackParams{
		MediaPeerID: "alice", MediaTag: "cam-video",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerID("cons-1"), info.ID)

	consumer, err := store.GetConsumer(ctx, "cons-1")
	require.NoError(t, err)
	assert.True(t, consumer.Paused)
	assert.Equal(t, domain.PeerID("alice"), consumer.MediaPeerID)

	// Layer bookkeeping starts empty and is visible in the snapshot.
	peer, err := store.GetPeer(ctx, "bob")
	require.NoError(t, err)
	require.Contains(t, peer.ConsumerLayers, domain.ConsumerID("cons-1"))
	assert.Nil(t, peer.ConsumerLayers["cons-1"].CurrentLayer)
}

func TestRecvTrackRequiresRecvTransport(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CanConsume", domain.ProducerID("prod-1"), mock.Anything).Return(true)

	_, err := service.Join(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod-1", PeerID: "alice", MediaTag: "cam-video",
	}))

	_, err = service.RecvTrack(ctx, "bob", ports.RecvTrackParams{
		MediaPeerID: "alice", MediaTag: "cam-video",
	})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestPauseResumeConsumer(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("PauseConsumer", domain.ConsumerID("cons-1")).Return(nil)
	router.On("ResumeConsumer", domain.ConsumerID("cons-1")).Return(nil)

	_, err := service.Join(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "cons-1", PeerID: "bob", ProducerID: "prod-1", Paused: true,
	}))

	require.NoError(t, service.ResumeConsumer(ctx, "bob", "cons-1"))
	consumer, err := store.GetConsumer(ctx, "cons-1")
	require.NoError(t, err)
	assert.False(t, consumer.Paused)

	require.NoError(t, service.PauseConsumer(ctx, "bob", "cons-1"))
	consumer, err = store.GetConsumer(ctx, "cons-1")
	require.NoError(t, err)
	assert.True(t, consumer.Paused)

	// Another peer cannot drive someone else's consumer.
	err = service.PauseConsumer(ctx, "mallory", "cons-1")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}

func TestCloseTransportCascadesToDependentConsumers(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)

	router.On("Capabilities").Return(domain.RTPCapabilities{})
	router.On("CloseTransport", domain.TransportID("send-1")).Return(nil)
	router.On("CloseProducer", domain.ProducerID("prod-1")).Return(nil)
	router.On("CloseConsumer", domain.ConsumerID("cons-1")).Return(nil)

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "send-1", PeerID: "alice", Direction: domain.DirectionSend,
	}))
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod-1", PeerID: "alice", TransportID: "send-1", MediaTag: "cam-video",
	}))

	_, err = service.Join(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "recv-1", PeerID: "bob", Direction: domain.DirectionRecv,
	}))
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "cons-1", PeerID: "bob", TransportID: "recv-1", ProducerID: "prod-1",
	}))

	require.NoError(t, service.CloseTransport(ctx, "alice", "send-1"))

	_, err = store.GetProducer(ctx, "prod-1")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	_, err = store.GetConsumer(ctx, "cons-1")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)

	// Bob's recv transport is untouched.
	_, err = store.GetTransport(ctx, "recv-1")
	assert.NoError(t, err)
	router.AssertCalled(t, "CloseConsumer", domain.ConsumerID("cons-1"))
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service, _, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, service.Leave(ctx, "alice"))
	require.NoError(t, service.Leave(ctx, "alice"))
	require.NoError(t, service.Leave(ctx, "never-joined"))
}

func TestLeaveClearsActiveSpeaker(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("Capabilities").Return(domain.RTPCapabilities{})

	_, err := service.Join(ctx, "alice")
	require.NoError(t, err)

	pid := domain.ProducerID("prod-1")
	peerID := domain.PeerID("alice")
	vol := -30
	require.NoError(t, store.SetActiveSpeaker(ctx, domain.ActiveSpeaker{
		ProducerID: &pid, PeerID: &peerID, Volume: &vol,
	}))

	require.NoError(t, service.Leave(ctx, "alice"))

	speaker, err := store.ActiveSpeaker(ctx)
	require.NoError(t, err)
	assert.Nil(t, speaker.PeerID)
}

func TestAudioLevelObserverUpdatesActiveSpeaker(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	_ = service

	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("alice", time.Now())))
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod-1", PeerID: "alice", Kind: domain.MediaKindAudio, MediaTag: "cam-audio",
	}))

	require.NotNil(t, router.audioLevel)
	router.audioLevel("prod-1", -27)

	speaker, err := store.ActiveSpeaker(ctx)
	require.NoError(t, err)
	require.NotNil(t, speaker.PeerID)
	assert.Equal(t, domain.PeerID("alice"), *speaker.PeerID)
	assert.Equal(t, -27, *speaker.Volume)

	router.silence()
	speaker, err = store.ActiveSpeaker(ctx)
	require.NoError(t, err)
	assert.Nil(t, speaker.PeerID)
}

func TestConsumerLayersChangeKeepsClientSelection(t *testing.T) {
	ctx := context.Background()
	service, store, router := newTestService(t)
	router.On("SetConsumerPreferredLayers", domain.ConsumerID("cons-1"), 1).Return(nil)

	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("bob", time.Now())))
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "cons-1", PeerID: "bob", ProducerID: "prod-1",
	}))

	require.NoError(t, service.SetConsumerLayers(ctx, "bob", "cons-1", 1))

	delivered := 0
	router.layersChange("cons-1", &delivered)

	peer, err := store.GetPeer(ctx, "bob")
	require.NoError(t, err)
	layers := peer.ConsumerLayers["cons-1"]
	require.NotNil(t, layers)
	require.NotNil(t, layers.CurrentLayer)
	assert.Equal(t, 0, *layers.CurrentLayer)
	require.NotNil(t, layers.ClientSelectedLayer)
	assert.Equal(t, 1, *layers.ClientSelectedLayer)
}
