package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"atrium/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveTransportCascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	peer := domain.NewPeer("p1", time.Now())
	require.NoError(t, store.PutPeer(ctx, peer))

	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "t1", PeerID: "p1", Direction: domain.DirectionSend,
	}))
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "prod1", PeerID: "p1", TransportID: "t1", Kind: domain.MediaKindVideo, MediaTag: "cam-video",
	}))
	require.NoError(t, store.SetPeerMedia(ctx, "p1", "cam-video", &domain.MediaInfo{}))
	require.NoError(t, store.SetTrackStats(ctx, "p1", "prod1", []domain.TrackStats{{Bitrate: 100}}))

	receiver := domain.NewPeer("p2", time.Now())
	require.NoError(t, store.PutPeer(ctx, receiver))
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{
		ID: "t2", PeerID: "p2", Direction: domain.DirectionRecv,
	}))
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "cons1", PeerID: "p2", TransportID: "t2", ProducerID: "prod1", MediaPeerID: "p1", MediaTag: "cam-video",
	}))

	producers, consumers, err := store.RemoveTransport(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, producers, 1)
	assert.Empty(t, consumers)

	_, err = store.GetProducer(ctx, "prod1")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	assert.NotContains(t, peer.Media, domain.MediaTag("cam-video"))
	assert.NotContains(t, peer.Stats, "prod1")

	// The consumer rides t2, not t1, so it survives.
	_, err = store.GetConsumer(ctx, "cons1")
	assert.NoError(t, err)

	_, consumers, err = store.RemoveTransport(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, consumers, 1)

	_, err = store.GetConsumer(ctx, "cons1")
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}

func TestRemoveConsumerCleansPeerBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	peer := domain.NewPeer("p1", time.Now())
	require.NoError(t, store.PutPeer(ctx, peer))
	require.NoError(t, store.AddConsumer(ctx, &domain.Consumer{
		ID: "c1", PeerID: "p1", TransportID: "t1", ProducerID: "prod9",
	}))
	layer := 1
	require.NoError(t, store.SetConsumerLayers(ctx, "p1", "c1", &domain.ConsumerLayerState{CurrentLayer: &layer}))
	require.NoError(t, store.SetTrackStats(ctx, "p1", "c1", []domain.TrackStats{{Bitrate: 42}}))

	require.NoError(t, store.RemoveConsumer(ctx, "c1"))

	assert.NotContains(t, peer.ConsumerLayers, domain.ConsumerID("c1"))
	assert.NotContains(t, peer.Stats, "c1")
}

func TestFindProducerByTag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "a", PeerID: "p1", MediaTag: "cam-audio",
	}))
	require.NoError(t, store.AddProducer(ctx, &domain.Producer{
		ID: "b", PeerID: "p1", MediaTag: "screen-video",
	}))

	producer, err := store.FindProducer(ctx, "p1", "screen-video")
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("b"), producer.ID)

	_, err = store.FindProducer(ctx, "p2", "cam-audio")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestFindTransportByDirection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	require.NoError(t, store.AddTransport(ctx, &domain.Transport{ID: "s", PeerID: "p1", Direction: domain.DirectionSend}))
	require.NoError(t, store.AddTransport(ctx, &domain.Transport{ID: "r", PeerID: "p1", Direction: domain.DirectionRecv}))

	transport, err := store.FindTransport(ctx, "p1", domain.DirectionRecv)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportID("r"), transport.ID)

	_, err = store.FindTransport(ctx, "p2", domain.DirectionRecv)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestSnapshotIncludesActiveSpeaker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("p1", time.Now())))

	producerID := domain.ProducerID("prod1")
	peerID := domain.PeerID("p1")
	volume := -42
	require.NoError(t, store.SetActiveSpeaker(ctx, domain.ActiveSpeaker{
		ProducerID: &producerID, PeerID: &peerID, Volume: &volume,
	}))

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Peers, 1)
	require.NotNil(t, snapshot.ActiveSpeaker.PeerID)
	assert.Equal(t, peerID, *snapshot.ActiveSpeaker.PeerID)

	// Silence resets all fields to nil.
	require.NoError(t, store.SetActiveSpeaker(ctx, domain.ActiveSpeaker{}))
	snapshot, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot.ActiveSpeaker.PeerID)
	assert.Nil(t, snapshot.ActiveSpeaker.ProducerID)
	assert.Nil(t, snapshot.ActiveSpeaker.Volume)
}

func TestSnapshotDetachedFromLiveRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()

	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("p1", time.Now())))
	require.NoError(t, store.SetPeerMedia(ctx, "p1", "cam-video", &domain.MediaInfo{}))

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)

	// Writes landing after the snapshot must not bleed into it.
	require.NoError(t, store.SetTrackStats(ctx, "p1", "prod1", []domain.TrackStats{{Bitrate: 100}}))
	require.NoError(t, store.SetMediaPaused(ctx, "p1", "cam-video", true))
	require.NoError(t, store.TouchPeer(ctx, "p1", time.Now().Add(time.Hour)))

	got := snapshot.Peers["p1"]
	assert.Empty(t, got.Stats)
	assert.False(t, got.Media["cam-video"].Paused)

	// And the reverse: mutating the copy must not reach the store.
	got.Media["hacked"] = &domain.MediaInfo{}
	fresh, err := store.GetPeer(ctx, "p1")
	require.NoError(t, err)
	assert.NotContains(t, fresh.Media, domain.MediaTag("hacked"))
}

func TestSnapshotMarshalsSafelyDuringSweeperWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()
	require.NoError(t, store.PutPeer(ctx, domain.NewPeer("p1", time.Now())))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snapshot, err := store.Snapshot(ctx)
			if assert.NoError(t, err) {
				_, err = json.Marshal(snapshot)
				assert.NoError(t, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, store.SetTrackStats(ctx, "p1", "prod1", []domain.TrackStats{{Bitrate: i}}))
		}
	}()
	wg.Wait()
}
