package sfu

import "encoding/json"

// Request/response types understood by the SFU worker. Every message on
// the control socket carries a correlation id; replies echo it back.
const (
	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreatePlainTransport     = "createPlainTransport"
	TypeConnectPlainTransport    = "connectPlainTransport"
	TypeCreateProducer           = "createProducer"
	TypeCreateWebRtcTransport    = "createWebRtcTransport"
	TypeConnectWebRtcTransport   = "connectWebRtcTransport"
	TypeCreateConsumer           = "createConsumer"
	TypeResumeConsumer           = "resumeConsumer"
	TypeCloseProducer            = "closeProducer"
	TypeCloseTransport           = "closeTransport"
	TypeCloseTransportsForRoom   = "closeTransportsForRoom"
	TypeGetProducerStats         = "getProducerStats"
	TypeGetAllProducerStats      = "getAllProducerStats"
	TypeGetTransportStats        = "getTransportStats"
)

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RtpCapabilities is the router's capability blob. Opaque to the
// gateway; clients load it into their SFU client library.
type RtpCapabilities = json.RawMessage

// PlainTransport is the SFU-side RTP/UDP ingress endpoint.
type PlainTransport struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// WebRtcTransport carries the parameters a WebRTC client needs to
// complete ICE and DTLS.
type WebRtcTransport struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// ProducerInfo identifies a created producer.
type ProducerInfo struct {
	ID string `json:"id"`
}

// ConsumerInfo carries the parameters the client consumer needs.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// ProducerStats is the slice of per-producer counters the health
// monitor samples.
type ProducerStats struct {
	ProducerID      string `json:"producerId"`
	PacketsReceived int64  `json:"packetsReceived"`
	BytesReceived   int64  `json:"bytesReceived"`
	Bitrate         int64  `json:"bitrate"`
	PacketsLost     int64  `json:"packetsLost"`
	Jitter          int64  `json:"jitter"`
	FractionLost    int64  `json:"fractionLost"`
	Score           int    `json:"score"`
}

// TransportStats reports transport-level byte counters.
type TransportStats struct {
	TransportID      string `json:"transportId"`
	RtpBytesReceived int64  `json:"rtpBytesReceived"`
	RtpBytesSent     int64  `json:"rtpBytesSent"`
}

// RtpParameters for producer creation. The SSRC captured from the
// transcoder's first packet goes into Encodings.
type RtpParameters struct {
	Mid       string         `json:"mid,omitempty"`
	Codecs    []RtpCodec     `json:"codecs"`
	Encodings []RtpEncoding  `json:"encodings"`
	RtcpFb    map[string]any `json:"rtcp,omitempty"`
}

type RtpCodec struct {
	MimeType    string         `json:"mimeType"`
	ClockRate   int            `json:"clockRate"`
	PayloadType int            `json:"payloadType"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type RtpEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// H264VideoRtpParameters builds the fixed parameter set the transcoder
// produces: H.264 baseline 42e01f, packetization-mode 1, PT 96.
func H264VideoRtpParameters(ssrc uint32) RtpParameters {
	return RtpParameters{
		Mid: "video",
		Codecs: []RtpCodec{{
			MimeType:    "video/H264",
			ClockRate:   90000,
			PayloadType: 96,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		}},
		Encodings: []RtpEncoding{{SSRC: ssrc}},
	}
}
