package media

import (
	"sync"
	"time"

	"atrium/internal/core/domain"
)

// audioLevelObserver aggregates per-packet audio levels across a
// room's audio producers and periodically reports the loudest one, or
// silence when nobody is above the threshold. Volumes are negative
// dBov, 0 loudest.
type audioLevelObserver struct {
	interval  time.Duration
	threshold int

	mu     sync.Mutex
	levels map[domain.ProducerID]levelSample

	onVolume  func(producerID domain.ProducerID, volume int)
	onSilence func()

	stop chan struct{}
	once sync.Once
}

type levelSample struct {
	volume int
	at     time.Time
}

func newAudioLevelObserver(interval time.Duration, threshold int) *audioLevelObserver {
	return &audioLevelObserver{
		interval:  interval,
		threshold: threshold,
		levels:    make(map[domain.ProducerID]levelSample),
		stop:      make(chan struct{}),
	}
}

func (o *audioLevelObserver) observe(producerID domain.ProducerID, volume int) {
	o.mu.Lock()
	o.levels[producerID] = levelSample{volume: volume, at: time.Now()}
	o.mu.Unlock()
}

func (o *audioLevelObserver) remove(producerID domain.ProducerID) {
	o.mu.Lock()
	delete(o.levels, producerID)
	o.mu.Unlock()
}

func (o *audioLevelObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	silent := false
	for {
		select {
		case <-o.stop:
			return
		case now := <-ticker.C:
			producerID, volume, ok := o.loudest(now)
			if ok {
				silent = false
				if o.onVolume != nil {
					o.onVolume(producerID, volume)
				}
			} else if !silent {
				silent = true
				if o.onSilence != nil {
					o.onSilence()
				}
			}
		}
	}
}

// loudest returns the loudest producer sampled within the last
// interval that clears the threshold.
func (o *audioLevelObserver) loudest(now time.Time) (domain.ProducerID, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	best := domain.ProducerID("")
	bestVolume := -128
	found := false
	for id, sample := range o.levels {
		if now.Sub(sample.at) > o.interval {
			delete(o.levels, id)
			continue
		}
		if sample.volume < o.threshold {
			continue
		}
		if !found || sample.volume > bestVolume {
			best = id
			bestVolume = sample.volume
			found = true
		}
	}
	return best, bestVolume, found
}

func (o *audioLevelObserver) close() {
	o.once.Do(func() { close(o.stop) })
}
