package protocol

import "time"

// AudioFrame carries PCM audio captured by an edge device for one stream.
type AudioFrame struct {
	StreamID   string `json:"stream_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AudioChunk carries synthesized speech toward a playback device.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// DeviceAcquireRequest asks an edge device to open its capture hardware.
type DeviceAcquireRequest struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// DeviceAcquireReply answers a DeviceAcquireRequest. Error holds the device's
// failure name (for example NotAllowedError) when acquisition failed.
type DeviceAcquireReply struct {
	StreamID   string `json:"stream_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Video      bool   `json:"video,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DeviceControl toggles or releases tracks of an acquired stream.
type DeviceControl struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind,omitempty"` // audio, video
	Enabled  bool   `json:"enabled"`
	Release  bool   `json:"release,omitempty"`
}

// NodeCapability is one thing a node on the bus can do, such as
// media.capture on a kiosk with a microphone.
type NodeCapability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodePresence is published when a node joins and on every heartbeat, so a
// node that joins late still learns what its peers offer.
type NodePresence struct {
	NodeID       string           `json:"node_id"`
	Role         string           `json:"role"`
	Capabilities []NodeCapability `json:"capabilities"`
	Timestamp    time.Time        `json:"timestamp"`
	Leaving      bool             `json:"leaving,omitempty"`
}

// SessionEvent is published whenever the coaching session state changes.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectAudioOutPrefix   = "playback.audio"
	SubjectDeviceAcquire    = "device.acquire"
	SubjectDeviceControl    = "device.control"
	SubjectSessionState     = "coach.session.state"
	SubjectSessionEvent     = "coach.session.event"
	SubjectNodePresence     = "coach.node.presence"
	CapabilityCapture       = "media.capture"
	CapabilityPlayback      = "media.playback"
)

// AudioFrameSubject is the subject frames for streamID are published on.
func AudioFrameSubject(streamID string) string {
	return SubjectAudioFramePrefix + "." + streamID
}

// AudioOutSubject is the subject synthesized audio for target is published on.
func AudioOutSubject(target string) string {
	return SubjectAudioOutPrefix + "." + target
}
