package media

import (
	"context"
	"sync"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// EngineConfig holds the engine-wide WebRTC settings shared by every
// room router.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// AudioLevelInterval and AudioLevelThreshold drive the per-room
	// active speaker observer; threshold is in negative dBvol.
	AudioLevelIntervalMs int
	AudioLevelThreshold  int
}

// Engine is the pion-backed media engine. It creates one router per
// room; all routers share a webrtc.API with a fixed codec set so
// capabilities are identical across rooms.
type Engine struct {
	config EngineConfig
	api    *webrtc.API
	codecs []webrtc.RTPCodecParameters
	logger *zap.SugaredLogger

	mu      sync.Mutex
	routers map[domain.RoomID]*Router
	closed  bool
}

func NewEngine(config EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	codecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
				RTCPFeedback: []webrtc.RTCPFeedback{
					{Type: webrtc.TypeRTCPFBNACK},
					{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
					{Type: webrtc.TypeRTCPFBGoogREMB},
				},
			},
			PayloadType: 96,
		},
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		kind := webrtc.RTPCodecTypeVideo
		if codec.MimeType == webrtc.MimeTypeOpus {
			kind = webrtc.RTPCodecTypeAudio
		}
		if err := mediaEngine.RegisterCodec(codec, kind); err != nil {
			return nil, err
		}
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelExtensionURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	return &Engine{
		config:  config,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		codecs:  codecs,
		logger:  logger,
		routers: make(map[domain.RoomID]*Router),
	}, nil
}

func (e *Engine) CreateRouter(ctx context.Context, roomID domain.RoomID) (ports.MediaRouter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrRoomClosed
	}
	if router, ok := e.routers[roomID]; ok {
		return router, nil
	}

	router := newRouter(e, roomID, e.logger.With("room_id", roomID))
	e.routers[roomID] = router
	return router, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	routers := make([]*Router, 0, len(e.routers))
	for _, router := range e.routers {
		routers = append(routers, router)
	}
	e.routers = make(map[domain.RoomID]*Router)
	e.closed = true
	e.mu.Unlock()

	for _, router := range routers {
		if err := router.Close(); err != nil {
			e.logger.Warnw("close router", "error", err)
		}
	}
	return nil
}

func (e *Engine) dropRouter(roomID domain.RoomID) {
	e.mu.Lock()
	delete(e.routers, roomID)
	e.mu.Unlock()
}
