package domain

// ORTC-shaped parameter types exchanged between clients, the session
// coordinator and the media engine adapter. The coordinator treats them
// as opaque payloads; only the engine interprets them.

type RTPCodec struct {
	MimeType     string `json:"mimeType"`
	PayloadType  uint8  `json:"payloadType"`
	ClockRate    uint32 `json:"clockRate"`
	Channels     uint16 `json:"channels,omitempty"`
	SDPFmtpLine  string `json:"sdpFmtpLine,omitempty"`
	RTCPFeedback []string `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTPEncoding struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	MaxBitrate      int    `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

// RTPParameters describe a single produced or consumed stream.
type RTPParameters struct {
	MID              string               `json:"mid,omitempty"`
	Codecs           []RTPCodec           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncoding        `json:"encodings"`
}

// RTPCapabilities describe what a router or client endpoint can handle.
type RTPCapabilities struct {
	Codecs           []RTPCodec           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportInfo is what create-transport hands back to the client so it
// can establish the matching local endpoint.
type TransportInfo struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the client's handshake parameters for
// connect-transport. ICEParameters is optional and only required by
// engines that are not ICE-lite.
type ConnectParams struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
}

// ConsumerInfo is the recv-track response payload.
type ConsumerInfo struct {
	ID             ConsumerID    `json:"id"`
	ProducerID     ProducerID    `json:"producerId"`
	Kind           MediaKind     `json:"kind"`
	RTPParameters  RTPParameters `json:"rtpParameters"`
	Type           string        `json:"type"`
	ProducerPaused bool          `json:"producerPaused"`
}
