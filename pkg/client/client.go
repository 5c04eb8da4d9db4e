package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"atrium/internal/core/domain"
	apperrors "atrium/pkg/errors"
	"atrium/pkg/retry"
	"atrium/pkg/spatial"

	"go.uber.org/zap"
)

// ErrSubscriptionFailed is returned when the recv transport does not
// reach connected state within the configured timeout.
var ErrSubscriptionFailed = errors.New("subscription failed: transport not connected in time")

// State is the sync loop's lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "disconnected"
	}
}

// Transport is the local half of a server recv transport. Connect
// consumes the server's transport options and hands back the
// parameters for connect-transport; Connected is closed once media can
// flow.
type Transport interface {
	Connect(ctx context.Context, opts *domain.TransportInfo) (domain.ConnectParams, error)
	Connected() <-chan struct{}
	Close() error
}

// TransportFactory builds a fresh recv transport on first subscribe.
type TransportFactory func() Transport

// AudioSink receives per-peer playback volume from the proximity gate.
type AudioSink interface {
	SetVolume(peerID domain.PeerID, volume float64)
}

// Config tunes the sync loop. Distances are squared scene units.
type Config struct {
	PeerID            domain.PeerID
	PollInterval      time.Duration
	SubscribeDistance float64
	AudioDistance     float64
	AudioRolloff      float64
	FrameInterval     int
	ConnectTimeout    time.Duration
	Rejoin            retry.Config
}

func DefaultConfig(peerID domain.PeerID) Config {
	return Config{
		PeerID:            peerID,
		PollInterval:      time.Second,
		SubscribeDistance: 500,
		AudioDistance:     2500,
		AudioRolloff:      50,
		FrameInterval:     50,
		ConnectTimeout:    5 * time.Second,
		Rejoin:            retry.DefaultConfig(),
	}
}

// Request/response payload shapes mirroring the signaling wire format.

type joinReply struct {
	RouterRTPCapabilities domain.RTPCapabilities `json:"routerRtpCapabilities"`
}

type createTransportRequest struct {
	Direction domain.Direction `json:"direction"`
}

type createTransportReply struct {
	TransportOptions domain.TransportInfo `json:"transportOptions"`
}

type connectTransportRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	domain.ConnectParams
}

type recvTrackRequest struct {
	MediaPeerID     domain.PeerID          `json:"mediaPeerId"`
	MediaTag        domain.MediaTag        `json:"mediaTag"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type consumerRef struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type positionsPayload struct {
	Positions map[domain.PeerID]domain.Position `json:"positions"`
}

type subKey struct {
	peerID domain.PeerID
	tag    domain.MediaTag
}

type subscription struct {
	consumerID domain.ConsumerID
	kind       domain.MediaKind
	paused     bool
}

// Client drives one peer's session: join, poll, reconcile
// subscriptions against the proximity gate, and rejoin with backoff
// after eviction.
type Client struct {
	signaler     Signaler
	newTransport TransportFactory
	audio        AudioSink
	cfg          Config
	logger       *zap.SugaredLogger

	mu              sync.Mutex
	state           State
	caps            domain.RTPCapabilities
	snapshot        *domain.RoomSnapshot
	position        domain.Position
	subs            map[subKey]*subscription
	recvTransport   Transport
	recvTransportID domain.TransportID
	frames          int

	onPositions func(map[domain.PeerID]domain.Position)
}

func New(signaler Signaler, newTransport TransportFactory, audio AudioSink, cfg Config, logger *zap.SugaredLogger) *Client {
	return &Client{
		signaler:     signaler,
		newTransport: newTransport,
		audio:        audio,
		cfg:          cfg,
		logger:       logger,
		subs:         make(map[subKey]*subscription),
	}
}

// OnPositions registers the avatar-rendering callback for the fast
// position broadcast. Must be called before Run.
func (c *Client) OnPositions(fn func(map[domain.PeerID]domain.Position)) {
	c.onPositions = fn
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the last sync result; nil before the first poll.
func (c *Client) Snapshot() *domain.RoomSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscriptions lists the currently subscribed (peer, mediaTag) pairs.
func (c *Client) Subscriptions() map[domain.PeerID][]domain.MediaTag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.PeerID][]domain.MediaTag)
	for key := range c.subs {
		out[key.peerID] = append(out[key.peerID], key.tag)
	}
	return out
}

// Run joins the room and polls until ctx is cancelled, then leaves.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.Leave(leaveCtx)
	}()

	// Self-rescheduling: the next poll is armed only after the current
	// one finishes, so a slow poll backs off the cadence naturally.
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-c.signaler.Notifications():
			c.handleNotification(n)

		case <-timer.C:
			if err := c.Poll(ctx); err != nil {
				if HasCode(err, string(apperrors.ErrCodeNotConnected)) {
					c.logger.Infow("evicted, rejoining", "peer_id", c.cfg.PeerID)
					if err := c.rejoin(ctx); err != nil {
						return fmt.Errorf("rejoin: %w", err)
					}
				} else if errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
					return err
				} else {
					c.logger.Warnw("sync failed", "error", err)
				}
			}
			timer.Reset(c.cfg.PollInterval)
		}
	}
}

// Join performs join-as-new-peer and stores the router capabilities
// echoed back for recv-track requests.
func (c *Client) Join(ctx context.Context) error {
	c.setState(StateJoining)

	var reply joinReply
	if err := c.signaler.Call(ctx, "join", nil, &reply); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("join: %w", err)
	}

	c.mu.Lock()
	c.caps = reply.RouterRTPCapabilities
	c.state = StateJoined
	c.mu.Unlock()
	return nil
}

// rejoin drops all local session state and joins again with backoff.
// Server-side cleanup already happened when the peer was evicted.
func (c *Client) rejoin(ctx context.Context) error {
	c.resetSession()
	return retry.Do(ctx, c.cfg.Rejoin, func() error {
		err := c.Join(ctx)
		if errors.Is(err, ErrConnectionClosed) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) resetSession() {
	c.mu.Lock()
	transport := c.recvTransport
	c.recvTransport = nil
	c.recvTransportID = ""
	c.subs = make(map[subKey]*subscription)
	c.snapshot = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
}

// Poll runs one sync cycle: fetch the room snapshot, replace the local
// copy wholesale and reconcile subscriptions against it.
func (c *Client) Poll(ctx context.Context) error {
	var snapshot domain.RoomSnapshot
	if err := c.signaler.Call(ctx, "sync", nil, &snapshot); err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = &snapshot
	c.mu.Unlock()

	c.reconcile(ctx, &snapshot)
	return nil
}

// reconcile brings the subscription set in line with the fresh
// snapshot: subscribe tracks of in-range peers, drop consumers whose
// peer or mediaTag vanished. Out-of-range drift for existing
// subscriptions is handled by FrameTick pause/resume, not teardown.
func (c *Client) reconcile(ctx context.Context, snapshot *domain.RoomSnapshot) {
	c.mu.Lock()
	self := c.position
	current := make(map[subKey]*subscription, len(c.subs))
	for k, v := range c.subs {
		current[k] = v
	}
	c.mu.Unlock()

	positions := make(map[domain.PeerID]domain.Position, len(snapshot.Peers))
	for id, peer := range snapshot.Peers {
		if id == c.cfg.PeerID {
			continue
		}
		positions[id] = peer.Position
	}
	closest := spatial.ClosestPeers(self, positions, c.cfg.SubscribeDistance)

	for peerID := range closest {
		for tag := range snapshot.Peers[peerID].Media {
			key := subKey{peerID: peerID, tag: tag}
			if _, ok := current[key]; ok {
				continue
			}
			if err := c.subscribeToTrack(ctx, peerID, tag); err != nil {
				c.logger.Warnw("subscribe failed",
					"media_peer_id", peerID, "media_tag", tag, "error", err)
			}
		}
	}

	for key, sub := range current {
		peer, ok := snapshot.Peers[key.peerID]
		if ok {
			if _, advertised := peer.Media[key.tag]; advertised {
				continue
			}
		}
		c.unsubscribe(ctx, key, sub)
	}
}

// subscribeToTrack requests a consumer for (peer, mediaTag). The
// consumer arrives paused; it is resumed only after the recv transport
// reports connected, waiting on a channel with a deadline instead of
// polling the connection state.
func (c *Client) subscribeToTrack(ctx context.Context, peerID domain.PeerID, tag domain.MediaTag) error {
	transport, err := c.ensureRecvTransport(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()

	var info domain.ConsumerInfo
	err = c.signaler.Call(ctx, "recv-track", recvTrackRequest{
		MediaPeerID:     peerID,
		MediaTag:        tag,
		RTPCapabilities: caps,
	}, &info)
	if err != nil {
		return err
	}

	select {
	case <-transport.Connected():
	case <-time.After(c.cfg.ConnectTimeout):
		_ = c.signaler.Call(ctx, "close-consumer", consumerRef{ConsumerID: info.ID}, nil)
		return fmt.Errorf("%w: %s/%s", ErrSubscriptionFailed, peerID, tag)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.signaler.Call(ctx, "resume-consumer", consumerRef{ConsumerID: info.ID}, nil); err != nil {
		return fmt.Errorf("resume consumer %s: %w", info.ID, err)
	}

	c.mu.Lock()
	c.subs[subKey{peerID: peerID, tag: tag}] = &subscription{
		consumerID: info.ID,
		kind:       info.Kind,
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(ctx context.Context, key subKey, sub *subscription) {
	err := c.signaler.Call(ctx, "close-consumer", consumerRef{ConsumerID: sub.consumerID}, nil)
	if err != nil && !HasCode(err, string(apperrors.ErrCodeNotFound)) {
		c.logger.Warnw("close consumer failed", "consumer_id", sub.consumerID, "error", err)
	}
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

// ensureRecvTransport lazily creates the single recv transport on the
// first subscribe and performs the connect-transport handshake.
func (c *Client) ensureRecvTransport(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	if c.recvTransport != nil {
		t := c.recvTransport
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	var reply createTransportReply
	err := c.signaler.Call(ctx, "create-transport",
		createTransportRequest{Direction: domain.DirectionRecv}, &reply)
	if err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}

	transport := c.newTransport()
	params, err := transport.Connect(ctx, &reply.TransportOptions)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("connect local transport: %w", err)
	}

	err = c.signaler.Call(ctx, "connect-transport", connectTransportRequest{
		TransportID:   reply.TransportOptions.ID,
		ConnectParams: params,
	}, nil)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("connect-transport: %w", err)
	}

	c.mu.Lock()
	c.recvTransport = transport
	c.recvTransportID = reply.TransportOptions.ID
	c.mu.Unlock()
	return transport, nil
}

// SetPosition moves the local avatar and pushes it fire-and-forget
// over the position channel.
func (c *Client) SetPosition(pos domain.Position) error {
	c.mu.Lock()
	c.position = pos
	c.mu.Unlock()
	return c.signaler.Notify("position", pos)
}

// FrameTick is called once per render frame. Every FrameInterval
// frames it re-evaluates proximity for existing subscriptions, pausing
// consumers that drifted out of range and resuming those back in, and
// updates audio volume with continuous falloff.
func (c *Client) FrameTick(ctx context.Context) {
	c.mu.Lock()
	c.frames++
	if c.cfg.FrameInterval > 0 && c.frames%c.cfg.FrameInterval != 0 {
		c.mu.Unlock()
		return
	}
	snapshot := c.snapshot
	self := c.position

	type action struct {
		key    subKey
		sub    *subscription
		distSq float64
		pause  bool
		toggle bool
	}
	actions := make([]action, 0, len(c.subs))
	for key, sub := range c.subs {
		if snapshot == nil {
			continue
		}
		peer, ok := snapshot.Peers[key.peerID]
		if !ok {
			continue
		}
		distSq := spatial.DistSquared(self, peer.Position)
		pause := !spatial.InRange(distSq, c.cfg.SubscribeDistance)
		actions = append(actions, action{
			key:    key,
			sub:    sub,
			distSq: distSq,
			pause:  pause,
			toggle: pause != sub.paused,
		})
	}
	c.mu.Unlock()

	for _, a := range actions {
		if c.audio != nil && a.sub.kind == domain.MediaKindAudio {
			c.audio.SetVolume(a.key.peerID, spatial.Volume(a.distSq, c.cfg.AudioDistance, c.cfg.AudioRolloff))
		}
		if !a.toggle {
			continue
		}
		method := "resume-consumer"
		if a.pause {
			method = "pause-consumer"
		}
		if err := c.signaler.Call(ctx, method, consumerRef{ConsumerID: a.sub.consumerID}, nil); err != nil {
			c.logger.Warnw("proximity toggle failed",
				"consumer_id", a.sub.consumerID, "method", method, "error", err)
			continue
		}
		c.mu.Lock()
		if cur, ok := c.subs[a.key]; ok {
			cur.paused = a.pause
		}
		c.mu.Unlock()
	}
}

func (c *Client) handleNotification(n Notification) {
	if n.Method != "positions" || c.onPositions == nil {
		return
	}
	var payload positionsPayload
	if err := json.Unmarshal(n.Data, &payload); err != nil {
		c.logger.Warnw("decode positions broadcast", "error", err)
		return
	}
	c.onPositions(payload.Positions)
}

// Leave tears down the session. Idempotent; safe to call after an
// eviction already cleaned up server-side.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	c.mu.Unlock()

	err := c.signaler.Call(ctx, "leave", nil, nil)
	c.resetSession()
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
