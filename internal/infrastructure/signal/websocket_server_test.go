package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"
	"atrium/internal/core/services"
	"atrium/internal/infrastructure/monitoring"
	"atrium/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRouter satisfies ports.MediaRouter without touching the network.
type fakeRouter struct {
	caps domain.RTPCapabilities
}

func (f *fakeRouter) Capabilities() domain.RTPCapabilities { return f.caps }

func (f *fakeRouter) CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error) {
	return &domain.TransportInfo{ID: domain.TransportID("t-" + string(peerID) + "-" + string(direction))}, nil
}

func (f *fakeRouter) ConnectTransport(ctx context.Context, id domain.TransportID, params domain.ConnectParams) error {
	return nil
}
func (f *fakeRouter) CloseTransport(id domain.TransportID) error { return nil }

func (f *fakeRouter) Produce(ctx context.Context, params ports.ProduceParams) (domain.ProducerID, error) {
	return domain.ProducerID("prod-" + string(params.MediaTag)), nil
}
func (f *fakeRouter) CloseProducer(id domain.ProducerID) error  { return nil }
func (f *fakeRouter) PauseProducer(id domain.ProducerID) error  { return nil }
func (f *fakeRouter) ResumeProducer(id domain.ProducerID) error { return nil }

func (f *fakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	return len(caps.Codecs) > 0
}

func (f *fakeRouter) Consume(ctx context.Context, params ports.ConsumeParams) (*domain.ConsumerInfo, error) {
	return &domain.ConsumerInfo{ID: "cons-1", ProducerID: params.ProducerID, Kind: domain.MediaKindVideo}, nil
}
func (f *fakeRouter) CloseConsumer(id domain.ConsumerID) error                      { return nil }
func (f *fakeRouter) PauseConsumer(id domain.ConsumerID) error                      { return nil }
func (f *fakeRouter) ResumeConsumer(id domain.ConsumerID) error                     { return nil }
func (f *fakeRouter) SetConsumerPreferredLayers(id domain.ConsumerID, l int) error  { return nil }
func (f *fakeRouter) OnAudioLevel(fn func(domain.ProducerID, int))                  {}
func (f *fakeRouter) OnSilence(fn func())                                           {}
func (f *fakeRouter) OnConsumerLayersChange(fn func(domain.ConsumerID, *int))       {}
func (f *fakeRouter) Close() error                                                  { return nil }

func (f *fakeRouter) ProducerStats(ctx context.Context, id domain.ProducerID) ([]ports.ProducerScoreStats, error) {
	return nil, nil
}
func (f *fakeRouter) ConsumerStats(ctx context.Context, id domain.ConsumerID) (*ports.ConsumerStats, error) {
	return nil, nil
}

type fakeEngine struct{}

func (f *fakeEngine) CreateRouter(ctx context.Context, roomID domain.RoomID) (ports.MediaRouter, error) {
	return &fakeRouter{caps: domain.RTPCapabilities{Codecs: []domain.RTPCodec{{MimeType: "audio/opus"}}}}, nil
}
func (f *fakeEngine) Close() error { return nil }

var sharedMetrics = monitoring.NewPrometheusCollector()

func newTestServer(t *testing.T) (*httptest.Server, *WebSocketServer) {
	t.Helper()

	log := zap.NewNop()
	manager := services.NewRoomManager(
		&fakeEngine{},
		func() ports.RoomStore { return memory.NewMemoryRoomStore() },
		services.ManagerConfig{
			Sweeper: services.SweeperConfig{
				EvictInterval:  time.Second,
				StaleThreshold: 4 * time.Second,
				StatsInterval:  3 * time.Second,
			},
			IdleTimeout: 30 * time.Second,
		},
		services.ManagerHooks{},
		log.Sugar(),
	)

	cfg := Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		PositionInterval: 200 * time.Millisecond,
		AllowedOrigins:   []string{"*"},
	}
	server := NewWebSocketServer(manager, cfg, sharedMetrics, log)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	t.Cleanup(manager.CloseAll)
	return ts, server
}

func dial(t *testing.T, ts *httptest.Server, roomID, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?room_id=" + roomID + "&peer_id=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, id int64, method string, data interface{}) Response {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		require.NoError(t, err)
		raw = encoded
	}
	require.NoError(t, conn.WriteJSON(Request{ID: id, Method: method, Data: raw}))

	// Position notifications may interleave with the reply.
	for {
		var resp Response
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.ID == id {
			return resp
		}
	}
}

func TestJoinSyncRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts, "lobby", "alice")

	resp := roundTrip(t, conn, 1, "join", nil)
	require.True(t, resp.OK)

	var joinData struct {
		RouterRTPCapabilities domain.RTPCapabilities `json:"routerRtpCapabilities"`
	}
	remarshal(t, resp.Data, &joinData)
	require.Len(t, joinData.RouterRTPCapabilities.Codecs, 1)
	assert.Equal(t, "audio/opus", joinData.RouterRTPCapabilities.Codecs[0].MimeType)

	resp = roundTrip(t, conn, 2, "sync", nil)
	require.True(t, resp.OK)

	var snapshot domain.RoomSnapshot
	remarshal(t, resp.Data, &snapshot)
	assert.Contains(t, snapshot.Peers, domain.PeerID("alice"))
	assert.Nil(t, snapshot.ActiveSpeaker.PeerID)
}

func TestSyncBeforeJoinReturnsNotConnected(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts, "lobby", "ghost")

	resp := roundTrip(t, conn, 1, "sync", nil)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_CONNECTED", resp.Error.Code)
}

func TestRecvTrackUnknownProducerErrorMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts, "lobby", "bob")

	require.True(t, roundTrip(t, conn, 1, "join", nil).OK)

	resp := roundTrip(t, conn, 2, "recv-track", recvTrackData{
		MediaPeerID: "alice",
		MediaTag:    "cam-video",
		RTPCapabilities: domain.RTPCapabilities{
			Codecs: []domain.RTPCodec{{MimeType: "video/VP8"}},
		},
	})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "server-side producer for alice:cam-video not found")
}

func TestUnknownMethodRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts, "lobby", "alice")

	resp := roundTrip(t, conn, 1, "frobnicate", nil)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
}

func TestSendAndRecvTrackFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dial(t, ts, "lobby", "alice")
	require.True(t, roundTrip(t, alice, 1, "join", nil).OK)

	resp := roundTrip(t, alice, 2, "create-transport", createTransportData{Direction: domain.DirectionSend})
	require.True(t, resp.OK)
	var created struct {
		TransportOptions domain.TransportInfo `json:"transportOptions"`
	}
	remarshal(t, resp.Data, &created)

	resp = roundTrip(t, alice, 3, "send-track", sendTrackData{
		TransportID: created.TransportOptions.ID,
		Kind:        domain.MediaKindVideo,
		MediaTag:    "cam-video",
		RTPParameters: domain.RTPParameters{
			Codecs:    []domain.RTPCodec{{MimeType: "video/VP8"}},
			Encodings: []domain.RTPEncoding{{SSRC: 1234}},
		},
	})
	require.True(t, resp.OK)

	bob := dial(t, ts, "lobby", "bob")
	require.True(t, roundTrip(t, bob, 1, "join", nil).OK)
	require.True(t, roundTrip(t, bob, 2, "create-transport", createTransportData{Direction: domain.DirectionRecv}).OK)

	resp = roundTrip(t, bob, 3, "recv-track", recvTrackData{
		MediaPeerID: "alice",
		MediaTag:    "cam-video",
		RTPCapabilities: domain.RTPCapabilities{
			Codecs: []domain.RTPCodec{{MimeType: "video/VP8"}},
		},
	})
	require.True(t, resp.OK)

	var info domain.ConsumerInfo
	remarshal(t, resp.Data, &info)
	assert.NotEmpty(t, info.ID)

	require.True(t, roundTrip(t, bob, 4, "resume-consumer", consumerData{ConsumerID: info.ID}).OK)
}

func TestPositionBroadcast(t *testing.T) {
	ts, server := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)

	conn := dial(t, ts, "lobby", "alice")
	require.True(t, roundTrip(t, conn, 1, "join", nil).OK)

	pos := positionData{}
	pos.X, pos.Y, pos.Z = 1, 2, 3
	require.True(t, roundTrip(t, conn, 2, "position", pos).OK)

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var note struct {
			Method string `json:"method"`
			Data   struct {
				Positions map[domain.PeerID]domain.Position `json:"positions"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&note))
		if note.Method != "positions" {
			continue
		}
		assert.Equal(t, domain.Position{X: 1, Y: 2, Z: 3}, note.Data.Positions["alice"])
		return
	}
}

func remarshal(t *testing.T, from interface{}, to interface{}) {
	t.Helper()
	raw, err := json.Marshal(from)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, to))
}
