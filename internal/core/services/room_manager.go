package services

import (
	"context"
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"

	"go.uber.org/zap"
)

// ManagerConfig drives room lifecycle: sweep timing for each room and
// how long an empty room lingers before its router is torn down.
type ManagerConfig struct {
	Sweeper     SweeperConfig
	IdleTimeout time.Duration
}

// ManagerHooks are optional lifecycle callbacks, wired to metrics.
type ManagerHooks struct {
	OnRoomOpened  func(roomID domain.RoomID)
	OnRoomClosed  func(roomID domain.RoomID)
	OnPeerEvicted func(roomID domain.RoomID, peerID domain.PeerID)
	OnSweep       func(elapsed time.Duration)
}

type managedRoom struct {
	service *RoomService
	router  ports.MediaRouter
	cancel  context.CancelFunc

	// zero while occupied, set when the room was last seen empty
	emptySince time.Time
}

// RoomManager creates rooms on demand and closes them once they have
// been empty past the idle timeout. Each room gets its own router,
// store and sweeper goroutine.
type RoomManager struct {
	engine   ports.MediaEngine
	newStore func() ports.RoomStore
	cfg      ManagerConfig
	hooks    ManagerHooks
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.RoomID]*managedRoom

	now func() time.Time
}

func NewRoomManager(engine ports.MediaEngine, newStore func() ports.RoomStore, cfg ManagerConfig, hooks ManagerHooks, logger *zap.SugaredLogger) *RoomManager {
	return &RoomManager{
		engine:   engine,
		newStore: newStore,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		rooms:    make(map[domain.RoomID]*managedRoom),
		now:      time.Now,
	}
}

// GetOrCreate returns the room's coordinator, spinning up the router
// and sweeper on first use.
func (m *RoomManager) GetOrCreate(ctx context.Context, roomID domain.RoomID) (ports.RoomService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		return room.service, nil
	}

	router, err := m.engine.CreateRouter(ctx, roomID)
	if err != nil {
		return nil, err
	}

	store := m.newStore()
	service := NewRoomService(roomID, store, router, m.logger)

	sweepCtx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(service, store, router, m.cfg.Sweeper, m.logger.With("room_id", roomID))
	sweeper.OnEvict(func(peerID domain.PeerID) {
		if m.hooks.OnPeerEvicted != nil {
			m.hooks.OnPeerEvicted(roomID, peerID)
		}
	})
	if m.hooks.OnSweep != nil {
		sweeper.OnSweep(m.hooks.OnSweep)
	}
	go sweeper.Run(sweepCtx)

	m.rooms[roomID] = &managedRoom{service: service, router: router, cancel: cancel}
	m.logger.Infow("room opened", "room_id", roomID)
	if m.hooks.OnRoomOpened != nil {
		m.hooks.OnRoomOpened(roomID)
	}
	return service, nil
}

// Get returns the room's coordinator without creating it.
func (m *RoomManager) Get(roomID domain.RoomID) (ports.RoomService, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.service, true
}

// RoomIDs lists the currently open rooms for the ops API.
func (m *RoomManager) RoomIDs() []domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]domain.RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Run drives the idle-room reaper until ctx is cancelled, then closes
// every remaining room.
func (m *RoomManager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

func (m *RoomManager) reapIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, room := range m.rooms {
		if room.service.PeerCount(ctx) > 0 {
			room.emptySince = time.Time{}
			continue
		}
		if room.emptySince.IsZero() {
			room.emptySince = now
			continue
		}
		if now.Sub(room.emptySince) >= m.cfg.IdleTimeout {
			m.closeRoomLocked(id, room)
		}
	}
}

// CloseAll tears down every room, used on shutdown.
func (m *RoomManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, room := range m.rooms {
		m.closeRoomLocked(id, room)
	}
}

func (m *RoomManager) closeRoomLocked(id domain.RoomID, room *managedRoom) {
	room.cancel()
	if err := room.router.Close(); err != nil {
		m.logger.Warnw("close router", "room_id", id, "error", err)
	}
	delete(m.rooms, id)
	m.logger.Infow("room closed", "room_id", id)
	if m.hooks.OnRoomClosed != nil {
		m.hooks.OnRoomClosed(id)
	}
}
