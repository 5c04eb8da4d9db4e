package media

import (
	"strings"

	"atrium/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Conversions between the wire-level parameter structs and pion's ORTC
// types. The engine is the only package that sees both sides.

func toWebRTCCodec(codec domain.RTPCodec) webrtc.RTPCodecParameters {
	feedback := make([]webrtc.RTCPFeedback, 0, len(codec.RTCPFeedback))
	for _, fb := range codec.RTCPFeedback {
		parts := strings.SplitN(fb, " ", 2)
		entry := webrtc.RTCPFeedback{Type: parts[0]}
		if len(parts) == 2 {
			entry.Parameter = parts[1]
		}
		feedback = append(feedback, entry)
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     codec.MimeType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			SDPFmtpLine:  codec.SDPFmtpLine,
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(codec.PayloadType),
	}
}

func fromWebRTCCodec(codec webrtc.RTPCodecParameters) domain.RTPCodec {
	feedback := make([]string, 0, len(codec.RTCPFeedback))
	for _, fb := range codec.RTCPFeedback {
		entry := fb.Type
		if fb.Parameter != "" {
			entry += " " + fb.Parameter
		}
		feedback = append(feedback, entry)
	}
	return domain.RTPCodec{
		MimeType:     codec.MimeType,
		PayloadType:  uint8(codec.PayloadType),
		ClockRate:    codec.ClockRate,
		Channels:     codec.Channels,
		SDPFmtpLine:  codec.SDPFmtpLine,
		RTCPFeedback: feedback,
	}
}

func toWebRTCDTLSParameters(params domain.DTLSParameters) webrtc.DTLSParameters {
	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(params.Fingerprints))
	for _, fp := range params.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	role := webrtc.DTLSRoleAuto
	switch params.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fingerprints}
}

func fromWebRTCDTLSParameters(params webrtc.DTLSParameters) domain.DTLSParameters {
	fingerprints := make([]domain.DTLSFingerprint, 0, len(params.Fingerprints))
	for _, fp := range params.Fingerprints {
		fingerprints = append(fingerprints, domain.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	role := "auto"
	switch params.Role {
	case webrtc.DTLSRoleClient:
		role = "client"
	case webrtc.DTLSRoleServer:
		role = "server"
	}
	return domain.DTLSParameters{Role: role, Fingerprints: fingerprints}
}

func toWebRTCICEParameters(params domain.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: params.UsernameFragment,
		Password:         params.Password,
		ICELite:          params.ICELite,
	}
}

func fromWebRTCICEParameters(params webrtc.ICEParameters) domain.ICEParameters {
	return domain.ICEParameters{
		UsernameFragment: params.UsernameFragment,
		Password:         params.Password,
		ICELite:          params.ICELite,
	}
}

func fromWebRTCICECandidates(candidates []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return out
}
