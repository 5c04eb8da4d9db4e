package services

import (
	"context"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"go.uber.org/zap"
)

// SweeperConfig holds the timing knobs of the background loops.
// StaleThreshold must exceed the clients' sync interval or every peer
// would be evicted between polls; config validation enforces that.
type SweeperConfig struct {
	EvictInterval  time.Duration
	StaleThreshold time.Duration
	StatsInterval  time.Duration
}

// Sweeper runs the per-room background loops: stale peer eviction and
// track stats refresh. Errors on individual items are logged and the
// sweep moves on; one bad peer never stalls the loop.
type Sweeper struct {
	coordinator *RoomService
	store       ports.RoomStore
	router      ports.MediaRouter
	cfg         SweeperConfig
	logger      *zap.SugaredLogger
	onEvict     func(peerID domain.PeerID)
	onSweep     func(elapsed time.Duration)

	now func() time.Time
}

func NewSweeper(coordinator *RoomService, store ports.RoomStore, router ports.MediaRouter, cfg SweeperConfig, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		coordinator: coordinator,
		store:       store,
		router:      router,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// OnEvict registers a callback fired after each forced eviction, used
// for metrics and for the room manager's empty-room accounting.
func (s *Sweeper) OnEvict(fn func(peerID domain.PeerID)) {
	s.onEvict = fn
}

// OnSweep registers a callback fired with the duration of each
// eviction sweep.
func (s *Sweeper) OnSweep(fn func(elapsed time.Duration)) {
	s.onSweep = fn
}

// Run blocks until ctx is cancelled, driving both loops off tickers.
func (s *Sweeper) Run(ctx context.Context) {
	evict := time.NewTicker(s.cfg.EvictInterval)
	defer evict.Stop()
	stats := time.NewTicker(s.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evict.C:
			start := s.now()
			s.EvictStale(ctx)
			if s.onSweep != nil {
				s.onSweep(s.now().Sub(start))
			}
		case <-stats.C:
			s.RefreshStats(ctx)
		}
	}
}

// EvictStale force-leaves every peer whose last sync is older than the
// stale threshold, running the same cascade a voluntary leave does.
func (s *Sweeper) EvictStale(ctx context.Context) {
	peers, err := s.store.Peers(ctx)
	if err != nil {
		s.logger.Errorw("list peers for eviction", "error", err)
		return
	}

	cutoff := s.now().Add(-s.cfg.StaleThreshold)
	for _, peer := range peers {
		if !peer.LastSeen.Before(cutoff) {
			continue
		}
		s.logger.Infow("evicting stale peer", "peer_id", peer.ID, "last_seen", peer.LastSeen)
		if err := s.coordinator.Leave(ctx, peer.ID); err != nil {
			s.logger.Errorw("evict peer", "peer_id", peer.ID, "error", err)
			continue
		}
		if s.onEvict != nil {
			s.onEvict(peer.ID)
		}
	}
}

// RefreshStats samples engine stats for every video producer and every
// consumer and writes them into the owning peer's record, so the next
// sync snapshot carries them to clients.
func (s *Sweeper) RefreshStats(ctx context.Context) {
	producers, err := s.store.Producers(ctx)
	if err != nil {
		s.logger.Errorw("list producers for stats", "error", err)
		return
	}
	for _, producer := range producers {
		if producer.Kind != domain.MediaKindVideo {
			continue
		}
		scores, err := s.router.ProducerStats(ctx, producer.ID)
		if err != nil {
			s.logger.Warnw("producer stats", "producer_id", producer.ID, "error", err)
			continue
		}
		stats := make([]domain.TrackStats, 0, len(scores))
		for _, score := range scores {
			stats = append(stats, domain.TrackStats{
				Bitrate:      score.Bitrate,
				FractionLost: score.FractionLost,
				Jitter:       score.Jitter,
				Score:        score.Score,
				SpatialLayer: score.SpatialLayer,
			})
		}
		if err := s.store.SetTrackStats(ctx, producer.PeerID, string(producer.ID), stats); err != nil {
			s.logger.Warnw("store producer stats", "producer_id", producer.ID, "error", err)
		}
	}

	consumers, err := s.store.Consumers(ctx)
	if err != nil {
		s.logger.Errorw("list consumers for stats", "error", err)
		return
	}
	for _, consumer := range consumers {
		sample, err := s.router.ConsumerStats(ctx, consumer.ID)
		if err != nil {
			s.logger.Warnw("consumer stats", "consumer_id", consumer.ID, "error", err)
			continue
		}
		stats := []domain.TrackStats{{
			Bitrate:      sample.Bitrate,
			FractionLost: sample.FractionLost,
			Jitter:       sample.Jitter,
			Score:        sample.Score,
		}}
		if err := s.store.SetTrackStats(ctx, consumer.PeerID, string(consumer.ID), stats); err != nil {
			s.logger.Warnw("store consumer stats", "consumer_id", consumer.ID, "error", err)
		}
	}
}
