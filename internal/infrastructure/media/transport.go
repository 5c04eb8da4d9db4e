package media

import (
	"context"
	"sync"

	"atrium/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// transport bundles the ORTC triplet for one direction of one peer.
// The ICE/DTLS stack comes up in two phases: the gatherer runs at
// create-transport so the client gets candidates in the response, and
// ice/dtls start at connect-transport once the client's parameters
// arrive.
type transport struct {
	id        domain.TransportID
	peerID    domain.PeerID
	direction domain.Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (r *Router) newTransport(ctx context.Context, id domain.TransportID, peerID domain.PeerID, direction domain.Direction) (*transport, *domain.TransportInfo, error) {
	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: r.engine.config.ICEServers,
	})
	if err != nil {
		return nil, nil, err
	}

	ice := r.engine.api.NewICETransport(gatherer)
	dtls, err := r.engine.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, nil, err
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, nil, err
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, nil, err
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, nil, err
	}

	t := &transport{
		id:        id,
		peerID:    peerID,
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}
	info := &domain.TransportInfo{
		ID:             id,
		ICEParameters:  fromWebRTCICEParameters(iceParams),
		ICECandidates:  fromWebRTCICECandidates(candidates),
		DTLSParameters: fromWebRTCDTLSParameters(dtlsParams),
	}
	return t, info, nil
}

// connect starts ICE and DTLS with the client's parameters. The server
// side is always the controlled ICE agent and the DTLS server.
func (t *transport) connect(params domain.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportNotFound
	}
	if t.connected {
		return nil
	}

	if params.ICEParameters == nil {
		return domain.ErrTransportCreation
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, toWebRTCICEParameters(*params.ICEParameters), &role); err != nil {
		return err
	}

	dtlsParams := toWebRTCDTLSParameters(params.DTLSParameters)
	if dtlsParams.Role == webrtc.DTLSRoleAuto {
		dtlsParams.Role = webrtc.DTLSRoleClient
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return err
	}

	t.connected = true
	return nil
}

func (t *transport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if err := t.dtls.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.ice.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.gatherer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
