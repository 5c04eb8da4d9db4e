package media

import (
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// consumer owns one outbound stream: a local track bound to an
// RTPSender on the subscriber's recv transport, fed by the source
// producer's forwarding loops. It starts paused and only forwards
// after an explicit resume.
type consumer struct {
	id       domain.ConsumerID
	peerID   domain.PeerID
	source   *producer
	sender   *webrtc.RTPSender
	track    *webrtc.TrackLocalStaticRTP
	router   *Router

	mu             sync.RWMutex
	paused         bool
	preferredLayer *int
	effectiveLayer int
	closed         bool

	statsMu      sync.Mutex
	bytes        uint64
	lastBytes    uint64
	lastSample   time.Time
	fractionLost float64
	jitter       float64
}

func newConsumer(r *Router, id domain.ConsumerID, t *transport, source *producer) (*consumer, error) {
	codec := source.codec
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  codec.MimeType,
			ClockRate: codec.ClockRate,
			Channels:  codec.Channels,
		},
		string(id),
		string(source.peerID)+"-"+string(source.mediaTag),
	)
	if err != nil {
		return nil, err
	}

	sender, err := r.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	c := &consumer{
		id:             id,
		peerID:         t.peerID,
		source:         source,
		sender:         sender,
		track:          track,
		router:         r,
		paused:         true,
		effectiveLayer: source.layerCount() - 1,
		lastSample:     time.Now(),
	}
	go c.readRTCP()
	return c, nil
}

// info builds the recv-track response payload from the sender's
// negotiated parameters.
func (c *consumer) info() *domain.ConsumerInfo {
	params := c.sender.GetParameters()

	codecs := make([]domain.RTPCodec, 0, len(params.Codecs))
	for _, codec := range params.Codecs {
		codecs = append(codecs, fromWebRTCCodec(codec))
	}
	encodings := make([]domain.RTPEncoding, 0, len(params.Encodings))
	for _, enc := range params.Encodings {
		encodings = append(encodings, domain.RTPEncoding{SSRC: uint32(enc.SSRC), RID: enc.RID})
	}
	extensions := make([]domain.RTPHeaderExtension, 0, len(params.HeaderExtensions))
	for _, ext := range params.HeaderExtensions {
		extensions = append(extensions, domain.RTPHeaderExtension{URI: ext.URI, ID: ext.ID})
	}

	consumerType := "simple"
	if c.source.layerCount() > 1 {
		consumerType = "simulcast"
	}
	return &domain.ConsumerInfo{
		ID:         c.id,
		ProducerID: c.source.id,
		Kind:       c.source.kind,
		RTPParameters: domain.RTPParameters{
			Codecs:           codecs,
			HeaderExtensions: extensions,
			Encodings:        encodings,
		},
		Type:           consumerType,
		ProducerPaused: c.source.isPaused(),
	}
}

func (c *consumer) currentLayer() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.effectiveLayer
}

func (c *consumer) write(packet *rtp.Packet) {
	c.mu.RLock()
	if c.paused || c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	if err := c.track.WriteRTP(packet); err != nil {
		c.router.logger.Debugw("consumer write", "consumer_id", c.id, "error", err)
		return
	}
	c.statsMu.Lock()
	c.bytes += uint64(len(packet.Payload)) + 12
	c.statsMu.Unlock()
}

func (c *consumer) setPaused(paused bool) {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = paused
	layer := c.effectiveLayer
	c.mu.Unlock()

	// A fresh keyframe lets the subscriber render immediately after a
	// resume instead of waiting for the next cycle.
	if wasPaused && !paused {
		c.source.requestKeyFrame(layer)
	}
}

// setPreferredLayer clamps the client's choice to the layers the
// producer actually publishes and reports the switch.
func (c *consumer) setPreferredLayer(layer int) {
	max := c.source.layerCount() - 1
	if layer > max {
		layer = max
	}
	if layer < 0 {
		layer = 0
	}

	c.mu.Lock()
	selected := layer
	c.preferredLayer = &selected
	changed := c.effectiveLayer != layer
	c.effectiveLayer = layer
	paused := c.paused
	c.mu.Unlock()

	if changed {
		if !paused {
			c.source.requestKeyFrame(layer)
		}
		current := layer
		c.router.notifyLayersChange(c.id, &current)
	}
}

// readRTCP drains receiver reports from the subscriber to keep
// fraction lost and jitter current for the stats sweep.
func (c *consumer) readRTCP() {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			report, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, block := range report.Reports {
				c.statsMu.Lock()
				c.fractionLost = float64(block.FractionLost) / 255
				c.jitter = float64(block.Jitter)
				c.statsMu.Unlock()
			}
		}
	}
}

func (c *consumer) stats() *ports.ConsumerStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastSample).Seconds()
	bitrate := 0
	if elapsed > 0 {
		bitrate = int(float64(c.bytes-c.lastBytes) * 8 / elapsed)
	}
	c.lastBytes = c.bytes
	c.lastSample = now

	score := 10 - int(c.fractionLost*10)
	if score < 0 {
		score = 0
	}
	return &ports.ConsumerStats{
		Bitrate:      bitrate,
		FractionLost: c.fractionLost,
		Jitter:       c.jitter,
		Score:        score,
	}
}

func (c *consumer) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.source.removeConsumer(c.id)
	return c.sender.Stop()
}
