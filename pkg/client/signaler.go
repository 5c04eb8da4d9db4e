package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned for calls in flight when the
// signaling socket goes away.
var ErrConnectionClosed = errors.New("signaling connection closed")

// SignalError is the decoded error body of a failed signaling call.
type SignalError struct {
	Code    string
	Message string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err is a SignalError carrying the given wire
// code.
func HasCode(err error, code string) bool {
	var sigErr *SignalError
	return errors.As(err, &sigErr) && sigErr.Code == code
}

// Notification is a server push, such as the periodic position table.
type Notification struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Signaler is the request/response wire surface the sync loop runs on.
type Signaler interface {
	Call(ctx context.Context, method string, data, out interface{}) error
	Notify(method string, data interface{}) error
	Notifications() <-chan Notification
	Close() error
}

type wsRequest struct {
	ID     int64       `json:"id,omitempty"`
	Method string      `json:"method"`
	Data   interface{} `json:"data,omitempty"`
}

// wsEnvelope covers both correlated responses and notifications; the
// method field is only set on notifications.
type wsEnvelope struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSSignaler multiplexes RPC calls over one websocket, matching
// replies to callers by correlation id.
type WSSignaler struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[int64]chan wsEnvelope
	nextID  int64

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// Dial connects to the signaling endpoint, identifying the session by
// room and peer id in the upgrade query.
func Dial(ctx context.Context, endpoint, roomID, peerID string, logger *zap.SugaredLogger) (*WSSignaler, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse signaling endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room_id", roomID)
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling endpoint: %w", err)
	}

	s := &WSSignaler{
		conn:          conn,
		logger:        logger,
		writeTimeout:  10 * time.Second,
		pending:       make(map[int64]chan wsEnvelope),
		notifications: make(chan Notification, 16),
		done:          make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *WSSignaler) readLoop() {
	defer s.failPending()
	for {
		var env wsEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warnw("signaling read failed", "error", err)
			}
			s.closeOnce.Do(func() {
				close(s.done)
				_ = s.conn.Close()
			})
			return
		}

		if env.Method != "" && env.ID == 0 {
			select {
			case s.notifications <- Notification{Method: env.Method, Data: env.Data}:
			default:
				// slow consumer, drop rather than stall the reader
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		delete(s.pending, env.ID)
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (s *WSSignaler) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
}

// Call sends one request and decodes the correlated reply into out.
// A reply with ok=false surfaces as *SignalError.
func (s *WSSignaler) Call(ctx context.Context, method string, data, out interface{}) error {
	id := atomic.AddInt64(&s.nextID, 1)
	ch := make(chan wsEnvelope, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(wsRequest{ID: id, Method: method, Data: data}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	case env, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if !env.OK {
			if env.Error == nil {
				return &SignalError{Code: "INTERNAL_ERROR", Message: "malformed error reply"}
			}
			return &SignalError{Code: env.Error.Code, Message: env.Error.Message}
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget message (correlation id 0).
func (s *WSSignaler) Notify(method string, data interface{}) error {
	return s.write(wsRequest{Method: method, Data: data})
}

func (s *WSSignaler) write(req wsRequest) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(req)
}

func (s *WSSignaler) Notifications() <-chan Notification {
	return s.notifications
}

func (s *WSSignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	return nil
}
