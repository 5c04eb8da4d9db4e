package http

import (
	"net/http"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/services"
	"atrium/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the read-only ops API: room inventory, room
// snapshots and health probes. All room mutation goes through the
// signaling socket, never through HTTP.
type RoomHandler struct {
	manager   *services.RoomManager
	health    *monitoring.HealthChecker
	startTime time.Time
}

func NewRoomHandler(manager *services.RoomManager, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		manager:   manager,
		health:    health,
		startTime: time.Now(),
	}
}

// SetupRoutes registers the ops endpoints. Middleware applies to the
// /api/v1 group only; health probes stay open for orchestrators.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, mw ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(mw...)
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/peers", h.ListRoomPeers)
	}

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	type roomSummary struct {
		ID    domain.RoomID `json:"id"`
		Peers int           `json:"peers"`
	}

	ids := h.manager.RoomIDs()
	rooms := make([]roomSummary, 0, len(ids))
	for _, id := range ids {
		service, ok := h.manager.Get(id)
		if !ok {
			continue
		}
		rooms = append(rooms, roomSummary{
			ID:    id,
			Peers: service.PeerCount(c.Request.Context()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	service, ok := h.manager.Get(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	snapshot, err := service.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": gin.H{
			"id":            roomID,
			"peers":         len(snapshot.Peers),
			"activeSpeaker": snapshot.ActiveSpeaker,
		},
	})
}

func (h *RoomHandler) ListRoomPeers(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	service, ok := h.manager.Get(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	snapshot, err := service.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peers": snapshot.Peers,
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *RoomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
