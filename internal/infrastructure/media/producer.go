package media

import (
	"io"
	"math"
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// producer owns one inbound stream: the RTPReceiver, one forwarding
// goroutine per simulcast layer, and the fanout set of consumers fed
// from it.
type producer struct {
	id        domain.ProducerID
	peerID    domain.PeerID
	kind      domain.MediaKind
	mediaTag  domain.MediaTag
	transport *transport
	receiver  *webrtc.RTPReceiver
	codec     domain.RTPCodec
	encodings []domain.RTPEncoding

	// negotiated id of the ssrc-audio-level extension, 0 when absent
	audioLevelExtID int

	router *Router

	mu        sync.RWMutex
	paused    bool
	consumers map[domain.ConsumerID]*consumer
	layers    []*layerStats
	closed    bool
	done      chan struct{}
}

// layerStats tracks one encoding's inbound counters, updated by its
// forwarding goroutine and sampled by the stats sweep.
type layerStats struct {
	mu sync.Mutex

	bytes      uint64
	lastBytes  uint64
	lastSample time.Time

	seqInit  bool
	maxSeq   uint16
	cycles   uint32
	baseSeq  uint16
	received uint64

	expectedPrior uint64
	receivedPrior uint64

	jitter      float64
	lastTransit int64

	lastPacket time.Time
}

func newProducer(r *Router, id domain.ProducerID, t *transport, params ports.ProduceParams) (*producer, error) {
	kind := webrtc.RTPCodecTypeVideo
	if params.Kind == domain.MediaKindAudio {
		kind = webrtc.RTPCodecTypeAudio
	}

	receiver, err := r.engine.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, err
	}

	encodings := params.RTPParameters.Encodings
	if len(encodings) == 0 {
		encodings = []domain.RTPEncoding{{}}
	}
	decodings := make([]webrtc.RTPDecodingParameters, 0, len(encodings))
	var payloadType webrtc.PayloadType
	if len(params.RTPParameters.Codecs) > 0 {
		payloadType = webrtc.PayloadType(params.RTPParameters.Codecs[0].PayloadType)
	}
	for _, enc := range encodings {
		decodings = append(decodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.RID,
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: payloadType,
			},
		})
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: decodings}); err != nil {
		return nil, err
	}

	var codec domain.RTPCodec
	if len(params.RTPParameters.Codecs) > 0 {
		codec = params.RTPParameters.Codecs[0]
	}

	p := &producer{
		id:        id,
		peerID:    params.PeerID,
		kind:      params.Kind,
		mediaTag:  params.MediaTag,
		transport: t,
		receiver:  receiver,
		codec:     codec,
		encodings: encodings,
		router:    r,
		paused:    params.Paused,
		consumers: make(map[domain.ConsumerID]*consumer),
		done:      make(chan struct{}),
	}

	for _, ext := range params.RTPParameters.HeaderExtensions {
		if ext.URI == audioLevelExtensionURI {
			p.audioLevelExtID = ext.ID
		}
	}

	tracks := receiver.Tracks()
	p.layers = make([]*layerStats, len(tracks))
	for i, track := range tracks {
		p.layers[i] = &layerStats{lastSample: time.Now()}
		go p.forward(i, track)
	}
	return p, nil
}

// forward is the per-layer read loop: it pulls RTP off the remote
// track, updates the layer counters, samples the audio level extension
// and fans the packet out to every consumer tuned to this layer.
func (p *producer) forward(layer int, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	stats := p.layers[layer]

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				p.router.logger.Debugw("producer track read ended",
					"producer_id", p.id, "layer", layer, "error", err)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			p.router.logger.Warnw("bad rtp packet", "producer_id", p.id, "error", err)
			continue
		}

		stats.record(packet, n, p.codec.ClockRate)

		if p.audioLevelExtID != 0 {
			p.sampleAudioLevel(packet)
		}

		p.mu.RLock()
		if p.paused || p.closed {
			p.mu.RUnlock()
			continue
		}
		for _, c := range p.consumers {
			if c.currentLayer() == layer {
				c.write(packet)
			}
		}
		p.mu.RUnlock()
	}
}

func (p *producer) sampleAudioLevel(packet *rtp.Packet) {
	payload := packet.GetExtension(uint8(p.audioLevelExtID))
	if payload == nil {
		return
	}
	ext := rtp.AudioLevelExtension{}
	if err := ext.Unmarshal(payload); err != nil {
		return
	}
	// Level is attenuation in dBov, 0 loudest, 127 silence.
	p.router.audioObserver.observe(p.id, -int(ext.Level))
}

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *producer) setPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

func (p *producer) isPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *producer) layerCount() int {
	return len(p.encodings)
}

// requestKeyFrame asks the publishing client for a new keyframe on the
// given layer, used when a consumer resumes or switches layers.
func (p *producer) requestKeyFrame(layer int) {
	if p.kind != domain.MediaKindVideo || layer >= len(p.encodings) {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.encodings[layer].SSRC}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.router.logger.Debugw("write pli", "producer_id", p.id, "error", err)
	}
}

func (p *producer) stats() []ports.ProducerScoreStats {
	now := time.Now()
	out := make([]ports.ProducerScoreStats, 0, len(p.layers))
	for i, layer := range p.layers {
		sample := layer.sample(now)
		sample.SpatialLayer = i
		out = append(out, sample)
	}
	return out
}

func (p *producer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	return p.receiver.Stop()
}

func (s *layerStats) record(packet *rtp.Packet, size int, clockRate uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytes += uint64(size)
	s.received++
	s.lastPacket = time.Now()

	seq := packet.SequenceNumber
	if !s.seqInit {
		s.seqInit = true
		s.baseSeq = seq
		s.maxSeq = seq
	} else if isNewerSeq(seq, s.maxSeq) {
		if seq < s.maxSeq {
			s.cycles++
		}
		s.maxSeq = seq
	}

	// RFC 3550 interarrival jitter, in RTP clock units.
	if clockRate > 0 {
		arrival := int64(time.Now().UnixNano() / int64(time.Second/time.Duration(clockRate)))
		transit := arrival - int64(packet.Timestamp)
		if s.lastTransit != 0 {
			d := transit - s.lastTransit
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d) - s.jitter) / 16
		}
		s.lastTransit = transit
	}
}

// sample computes the window since the previous sample and resets the
// window counters.
func (s *layerStats) sample(now time.Time) ports.ProducerScoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := now.Sub(s.lastSample).Seconds()
	bitrate := 0
	if elapsed > 0 {
		bitrate = int(float64(s.bytes-s.lastBytes) * 8 / elapsed)
	}
	s.lastBytes = s.bytes
	s.lastSample = now

	extended := uint64(s.cycles)<<16 | uint64(s.maxSeq)
	expected := extended - uint64(s.baseSeq) + 1
	if !s.seqInit {
		expected = 0
	}

	fractionLost := 0.0
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fractionLost = float64(expectedInterval-receivedInterval) / float64(expectedInterval)
	}
	s.expectedPrior = expected
	s.receivedPrior = s.received

	score := 10 - int(math.Round(fractionLost*10))
	if now.Sub(s.lastPacket) > 3*time.Second {
		score = 0
	}

	return ports.ProducerScoreStats{
		Bitrate:      bitrate,
		FractionLost: fractionLost,
		Jitter:       s.jitter,
		Score:        score,
	}
}

func isNewerSeq(seq, prev uint16) bool {
	return seq != prev && seq-prev < 1<<15
}
