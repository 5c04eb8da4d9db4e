package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"
	"atrium/internal/core/services"
	"atrium/internal/infrastructure/monitoring"
	apperrors "atrium/pkg/errors"
	"atrium/pkg/logger"
	"atrium/pkg/tracing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the signaling server knobs; values come from the
// signal, auth and rate_limiting config sections.
type Config struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	PositionInterval time.Duration

	AuthEnabled    bool
	JWTSecret      string
	AllowedOrigins []string

	RateLimitEnabled     bool
	MessagesPerSecond    float64
	Burst                int
	ConnectionsPerMinute int
	MaxMessageSizeBytes  int64
}

// Request is one signaling RPC envelope. The id correlates the reply;
// requests with id 0 are fire-and-forget notifications.
type Request struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID    int64       `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-initiated message, currently only the
// periodic position broadcast.
type Notification struct {
	Method string      `json:"method"`
	Data   interface{} `json:"data,omitempty"`
}

// Request payloads. Identity fields like mediaPeerId are typed here,
// never buried in free-form appData blobs.

type createTransportData struct {
	Direction domain.Direction `json:"direction"`
}

type connectTransportData struct {
	TransportID domain.TransportID `json:"transportId"`
	domain.ConnectParams
}

type closeTransportData struct {
	TransportID domain.TransportID `json:"transportId"`
}

type sendTrackData struct {
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	MediaTag      domain.MediaTag      `json:"mediaTag"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

type recvTrackData struct {
	MediaPeerID     domain.PeerID          `json:"mediaPeerId"`
	MediaTag        domain.MediaTag        `json:"mediaTag"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type producerData struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type consumerData struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type consumerLayersData struct {
	ConsumerID   domain.ConsumerID `json:"consumerId"`
	SpatialLayer int               `json:"spatialLayer"`
}

type positionData struct {
	domain.Position
}

// peerConn serializes writes to one websocket connection; the reply
// path and the position broadcaster share it.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (pc *peerConn) writeJSON(timeout time.Duration, v interface{}) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(timeout))
	return pc.conn.WriteJSON(v)
}

func (pc *peerConn) ping(timeout time.Duration) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(timeout))
	return pc.conn.WriteMessage(websocket.PingMessage, nil)
}

type WebSocketServer struct {
	manager *services.RoomManager
	cfg     Config
	metrics *monitoring.PrometheusCollector

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.PeerID]*peerConn

	connLimiter *rate.Limiter

	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger

	upgrader websocket.Upgrader
}

func NewWebSocketServer(manager *services.RoomManager, cfg Config, metrics *monitoring.PrometheusCollector, log *zap.Logger) *WebSocketServer {
	s := &WebSocketServer{
		manager:   manager,
		cfg:       cfg,
		metrics:   metrics,
		rooms:     make(map[domain.RoomID]map[domain.PeerID]*peerConn),
		logger:    log.Sugar(),
		ctxLogger: logger.NewContextLogger(log),
	}
	if cfg.RateLimitEnabled && cfg.ConnectionsPerMinute > 0 {
		s.connLimiter = rate.NewLimiter(rate.Limit(float64(cfg.ConnectionsPerMinute)/60), cfg.ConnectionsPerMinute)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := domain.RoomID(r.URL.Query().Get("room_id"))
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if roomID == "" || peerID == "" {
		http.Error(w, "room_id and peer_id query parameters are required", http.StatusBadRequest)
		return
	}

	if s.cfg.AuthEnabled {
		if err := s.validateToken(r); err != nil {
			s.logger.Warnw("rejected unauthenticated connection", "peer_id", peerID, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if s.connLimiter != nil && !s.connLimiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := context.WithValue(r.Context(), logger.RoomIDKey, string(roomID))
	ctx = context.WithValue(ctx, logger.PeerIDKey, string(peerID))
	log := s.ctxLogger.WithContext(ctx).Sugar()

	service, err := s.manager.GetOrCreate(ctx, roomID)
	if err != nil {
		log.Errorw("failed to open room", "error", err)
		return
	}

	pc := &peerConn{conn: conn}
	s.register(roomID, peerID, pc)
	log.Infow("peer connected")

	if s.cfg.RateLimitEnabled && s.cfg.MaxMessageSizeBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSizeBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var msgLimiter *rate.Limiter
	if s.cfg.RateLimitEnabled && s.cfg.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	requestChan := make(chan Request, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			requestChan <- req
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	connCtx := context.Background()

loop:
	for {
		select {
		case req := <-requestChan:
			if msgLimiter != nil && !msgLimiter.Allow() {
				s.replyError(pc, req, apperrors.NewRateLimitError())
				continue
			}
			s.dispatch(connCtx, log, service, roomID, peerID, pc, req)
			if req.Method == "leave" {
				break loop
			}

		case <-pingTicker.C:
			if err := pc.ping(s.cfg.WriteTimeout); err != nil {
				log.Infow("ping failed", "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Infow("read failed", "error", err)
			}
			break loop
		}
	}

	s.unregister(roomID, peerID)

	// The connection is the session: a dropped socket leaves the room.
	if err := service.Leave(connCtx, peerID); err != nil {
		log.Warnw("leave on disconnect", "error", err)
	}
	s.metrics.RecordPeerLeft(roomID)
	log.Infow("peer disconnected")
}

// dispatch runs one request through the room service and writes the
// correlated reply. Handler failures never kill the connection; the
// error envelope carries the mapped code instead.
func (s *WebSocketServer) dispatch(ctx context.Context, log *zap.SugaredLogger, service ports.RoomService, roomID domain.RoomID, peerID domain.PeerID, pc *peerConn, req Request) {
	spanCtx, span := tracing.TraceSignalRequest(ctx, req.Method, string(roomID), string(peerID))
	defer span.End()

	start := time.Now()
	data, err := s.handle(spanCtx, service, roomID, peerID, req)
	s.metrics.RecordHandlerDuration(req.Method, time.Since(start))

	if err != nil {
		tracing.RecordError(spanCtx, err)
		appErr := apperrors.FromDomain(err)
		s.metrics.RecordHandlerError(req.Method, string(appErr.Code))
		log.Infow("request failed", "method", req.Method, "code", appErr.Code, "error", err)
		s.replyError(pc, req, appErr)
		return
	}

	if req.ID == 0 {
		return
	}
	if err := pc.writeJSON(s.cfg.WriteTimeout, Response{ID: req.ID, OK: true, Data: data}); err != nil {
		log.Warnw("write response", "method", req.Method, "error", err)
	}
}

func (s *WebSocketServer) handle(ctx context.Context, service ports.RoomService, roomID domain.RoomID, peerID domain.PeerID, req Request) (interface{}, error) {
	switch req.Method {
	case "join":
		caps, err := service.Join(ctx, peerID)
		if err != nil {
			return nil, err
		}
		s.metrics.RecordPeerJoined(roomID)
		return map[string]interface{}{"routerRtpCapabilities": caps}, nil

	case "sync":
		snapshot, err := service.Sync(ctx, peerID)
		if err != nil {
			return nil, err
		}
		s.metrics.RecordSync(roomID)
		return snapshot, nil

	case "leave":
		if err := service.Leave(ctx, peerID); err != nil {
			return nil, err
		}
		return map[string]bool{"left": true}, nil

	case "create-transport":
		var data createTransportData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		info, err := service.CreateTransport(ctx, peerID, data.Direction)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"transportOptions": info}, nil

	case "connect-transport":
		var data connectTransportData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.ConnectTransport(ctx, peerID, data.TransportID, data.ConnectParams); err != nil {
			return nil, err
		}
		return map[string]bool{"connected": true}, nil

	case "close-transport":
		var data closeTransportData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.CloseTransport(ctx, peerID, data.TransportID); err != nil {
			return nil, err
		}
		return map[string]bool{"closed": true}, nil

	case "send-track":
		var data sendTrackData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		producerID, err := service.SendTrack(ctx, peerID, ports.SendTrackParams{
			TransportID:   data.TransportID,
			Kind:          data.Kind,
			MediaTag:      data.MediaTag,
			RTPParameters: data.RTPParameters,
			Paused:        data.Paused,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": producerID}, nil

	case "close-producer":
		var data producerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.CloseProducer(ctx, peerID, data.ProducerID); err != nil {
			return nil, err
		}
		return map[string]bool{"closed": true}, nil

	case "pause-producer":
		var data producerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.PauseProducer(ctx, peerID, data.ProducerID); err != nil {
			return nil, err
		}
		return map[string]bool{"paused": true}, nil

	case "resume-producer":
		var data producerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.ResumeProducer(ctx, peerID, data.ProducerID); err != nil {
			return nil, err
		}
		return map[string]bool{"resumed": true}, nil

	case "recv-track":
		var data recvTrackData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		info, err := service.RecvTrack(ctx, peerID, ports.RecvTrackParams{
			MediaPeerID:     data.MediaPeerID,
			MediaTag:        data.MediaTag,
			RTPCapabilities: data.RTPCapabilities,
		})
		if err != nil {
			return nil, err
		}
		return info, nil

	case "close-consumer":
		var data consumerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.CloseConsumer(ctx, peerID, data.ConsumerID); err != nil {
			return nil, err
		}
		return map[string]bool{"closed": true}, nil

	case "pause-consumer":
		var data consumerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.PauseConsumer(ctx, peerID, data.ConsumerID); err != nil {
			return nil, err
		}
		return map[string]bool{"paused": true}, nil

	case "resume-consumer":
		var data consumerData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.ResumeConsumer(ctx, peerID, data.ConsumerID); err != nil {
			return nil, err
		}
		return map[string]bool{"resumed": true}, nil

	case "consumer-set-layers":
		var data consumerLayersData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.SetConsumerLayers(ctx, peerID, data.ConsumerID, data.SpatialLayer); err != nil {
			return nil, err
		}
		return map[string]bool{"layersSet": true}, nil

	case "position":
		var data positionData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := service.UpdatePosition(ctx, peerID, data.Position); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.NewInvalidInputError("request data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("malformed request data: %v", err))
	}
	return nil
}

func (s *WebSocketServer) replyError(pc *peerConn, req Request, appErr *apperrors.AppError) {
	if req.ID == 0 {
		return
	}
	_ = pc.writeJSON(s.cfg.WriteTimeout, Response{
		ID: req.ID,
		Error: &ErrorBody{
			Code:    string(appErr.Code),
			Message: appErr.Message,
		},
	})
}

// Run drives the periodic position broadcast until ctx is cancelled.
// Positions ride a separate lightweight notification instead of the
// sync snapshot so avatar movement stays smooth at a faster cadence.
func (s *WebSocketServer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastPositions(ctx)
		}
	}
}

func (s *WebSocketServer) broadcastPositions(ctx context.Context) {
	s.mu.RLock()
	roomIDs := make([]domain.RoomID, 0, len(s.rooms))
	for roomID := range s.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	s.mu.RUnlock()

	for _, roomID := range roomIDs {
		service, ok := s.manager.Get(roomID)
		if !ok {
			continue
		}
		positions, err := service.Positions(ctx)
		if err != nil || len(positions) == 0 {
			continue
		}
		note := Notification{
			Method: "positions",
			Data:   map[string]interface{}{"positions": positions},
		}

		s.mu.RLock()
		conns := make([]*peerConn, 0, len(s.rooms[roomID]))
		for _, pc := range s.rooms[roomID] {
			conns = append(conns, pc)
		}
		s.mu.RUnlock()

		for _, pc := range conns {
			if err := pc.writeJSON(s.cfg.WriteTimeout, note); err != nil {
				s.logger.Debugw("position broadcast write", "room_id", roomID, "error", err)
			}
		}
	}
}

func (s *WebSocketServer) register(roomID domain.RoomID, peerID domain.PeerID, pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.rooms[roomID]
	if !ok {
		peers = make(map[domain.PeerID]*peerConn)
		s.rooms[roomID] = peers
	}
	// A reconnecting peer displaces its old socket.
	if old, exists := peers[peerID]; exists {
		_ = old.conn.Close()
	}
	peers[peerID] = pc
}

func (s *WebSocketServer) unregister(roomID domain.RoomID, peerID domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(s.rooms, roomID)
	}
}

// ConnectedPeers reports the sockets currently registered for a room,
// used by health checks and the ops API.
func (s *WebSocketServer) ConnectedPeers(roomID domain.RoomID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

func (s *WebSocketServer) validateToken(r *http.Request) error {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			tokenString = auth[7:]
		}
	}
	if tokenString == "" {
		return fmt.Errorf("missing token")
	}

	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}
