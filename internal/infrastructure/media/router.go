package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router is the per-room media plane: it owns the transports,
// producers and consumers of one room and implements the narrow
// interface the session coordinator drives.
type Router struct {
	engine *Engine
	roomID domain.RoomID
	logger *zap.SugaredLogger

	audioObserver *audioLevelObserver

	mu         sync.RWMutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	closed     bool

	callbackMu     sync.RWMutex
	onLayersChange func(consumerID domain.ConsumerID, spatialLayer *int)
}

func newRouter(engine *Engine, roomID domain.RoomID, logger *zap.SugaredLogger) *Router {
	interval := time.Duration(engine.config.AudioLevelIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	threshold := engine.config.AudioLevelThreshold
	if threshold == 0 {
		threshold = -80
	}

	r := &Router{
		engine:        engine,
		roomID:        roomID,
		logger:        logger,
		audioObserver: newAudioLevelObserver(interval, threshold),
		transports:    make(map[domain.TransportID]*transport),
		producers:     make(map[domain.ProducerID]*producer),
		consumers:     make(map[domain.ConsumerID]*consumer),
	}
	go r.audioObserver.run()
	return r
}

func (r *Router) Capabilities() domain.RTPCapabilities {
	codecs := make([]domain.RTPCodec, 0, len(r.engine.codecs))
	for _, codec := range r.engine.codecs {
		codecs = append(codecs, fromWebRTCCodec(codec))
	}
	return domain.RTPCapabilities{
		Codecs: codecs,
		HeaderExtensions: []domain.RTPHeaderExtension{
			{URI: audioLevelExtensionURI, ID: 1},
		},
	}
}

func (r *Router) CreateTransport(ctx context.Context, peerID domain.PeerID, direction domain.Direction) (*domain.TransportInfo, error) {
	id := domain.TransportID(uuid.NewString())

	t, info, err := r.newTransport(ctx, id, peerID, direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.close()
		return nil, domain.ErrRoomClosed
	}
	r.transports[id] = t
	r.mu.Unlock()

	r.logger.Debugw("transport created", "transport_id", id, "peer_id", peerID, "direction", direction)
	return info, nil
}

func (r *Router) ConnectTransport(ctx context.Context, id domain.TransportID, params domain.ConnectParams) error {
	t, err := r.transport(id)
	if err != nil {
		return err
	}
	return t.connect(params)
}

func (r *Router) CloseTransport(id domain.TransportID) error {
	r.mu.Lock()
	t, ok := r.transports[id]
	delete(r.transports, id)
	r.mu.Unlock()
	if !ok {
		return domain.ErrTransportNotFound
	}
	return t.close()
}

func (r *Router) Produce(ctx context.Context, params ports.ProduceParams) (domain.ProducerID, error) {
	t, err := r.transport(params.TransportID)
	if err != nil {
		return "", err
	}

	id := domain.ProducerID(uuid.NewString())
	p, err := newProducer(r, id, t, params)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = p.close()
		return "", domain.ErrRoomClosed
	}
	r.producers[id] = p
	r.mu.Unlock()

	r.logger.Debugw("producer created", "producer_id", id, "peer_id", params.PeerID, "kind", params.Kind, "media_tag", params.MediaTag)
	return id, nil
}

func (r *Router) CloseProducer(id domain.ProducerID) error {
	r.mu.Lock()
	p, ok := r.producers[id]
	delete(r.producers, id)
	r.mu.Unlock()
	if !ok {
		return domain.ErrProducerNotFound
	}
	r.audioObserver.remove(id)
	return p.close()
}

func (r *Router) PauseProducer(id domain.ProducerID) error {
	p, err := r.producer(id)
	if err != nil {
		return err
	}
	p.setPaused(true)
	return nil
}

func (r *Router) ResumeProducer(id domain.ProducerID) error {
	p, err := r.producer(id)
	if err != nil {
		return err
	}
	p.setPaused(false)
	return nil
}

// CanConsume checks that the subscriber's capabilities include the
// producer's codec.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, err := r.producer(producerID)
	if err != nil {
		return false
	}
	for _, codec := range caps.Codecs {
		if strings.EqualFold(codec.MimeType, p.codec.MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) Consume(ctx context.Context, params ports.ConsumeParams) (*domain.ConsumerInfo, error) {
	t, err := r.transport(params.TransportID)
	if err != nil {
		return nil, err
	}
	p, err := r.producer(params.ProducerID)
	if err != nil {
		return nil, err
	}

	id := domain.ConsumerID(uuid.NewString())
	c, err := newConsumer(r, id, t, p)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.close()
		return nil, domain.ErrRoomClosed
	}
	r.consumers[id] = c
	r.mu.Unlock()

	p.addConsumer(c)
	r.logger.Debugw("consumer created", "consumer_id", id, "producer_id", params.ProducerID, "peer_id", params.PeerID)
	return c.info(), nil
}

func (r *Router) CloseConsumer(id domain.ConsumerID) error {
	r.mu.Lock()
	c, ok := r.consumers[id]
	delete(r.consumers, id)
	r.mu.Unlock()
	if !ok {
		return domain.ErrConsumerNotFound
	}
	return c.close()
}

func (r *Router) PauseConsumer(id domain.ConsumerID) error {
	c, err := r.consumer(id)
	if err != nil {
		return err
	}
	c.setPaused(true)
	return nil
}

func (r *Router) ResumeConsumer(id domain.ConsumerID) error {
	c, err := r.consumer(id)
	if err != nil {
		return err
	}
	c.setPaused(false)
	return nil
}

func (r *Router) SetConsumerPreferredLayers(id domain.ConsumerID, spatialLayer int) error {
	c, err := r.consumer(id)
	if err != nil {
		return err
	}
	c.setPreferredLayer(spatialLayer)
	return nil
}

func (r *Router) ProducerStats(ctx context.Context, id domain.ProducerID) ([]ports.ProducerScoreStats, error) {
	p, err := r.producer(id)
	if err != nil {
		return nil, err
	}
	return p.stats(), nil
}

func (r *Router) ConsumerStats(ctx context.Context, id domain.ConsumerID) (*ports.ConsumerStats, error) {
	c, err := r.consumer(id)
	if err != nil {
		return nil, err
	}
	return c.stats(), nil
}

func (r *Router) OnAudioLevel(fn func(producerID domain.ProducerID, volume int)) {
	r.audioObserver.onVolume = fn
}

func (r *Router) OnSilence(fn func()) {
	r.audioObserver.onSilence = fn
}

func (r *Router) OnConsumerLayersChange(fn func(consumerID domain.ConsumerID, spatialLayer *int)) {
	r.callbackMu.Lock()
	r.onLayersChange = fn
	r.callbackMu.Unlock()
}

func (r *Router) notifyLayersChange(id domain.ConsumerID, spatialLayer *int) {
	r.callbackMu.RLock()
	fn := r.onLayersChange
	r.callbackMu.RUnlock()
	if fn != nil {
		fn(id, spatialLayer)
	}
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	consumers := r.consumers
	producers := r.producers
	transports := r.transports
	r.consumers = make(map[domain.ConsumerID]*consumer)
	r.producers = make(map[domain.ProducerID]*producer)
	r.transports = make(map[domain.TransportID]*transport)
	r.mu.Unlock()

	r.audioObserver.close()
	for _, c := range consumers {
		_ = c.close()
	}
	for _, p := range producers {
		_ = p.close()
	}
	for _, t := range transports {
		_ = t.close()
	}
	r.engine.dropRouter(r.roomID)
	return nil
}

func (r *Router) transport(id domain.TransportID) (*transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	return t, nil
}

func (r *Router) producer(id domain.ProducerID) (*producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return p, nil
}

func (r *Router) consumer(id domain.ConsumerID) (*consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return nil, domain.ErrConsumerNotFound
	}
	return c, nil
}
