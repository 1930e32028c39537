package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Default format metadata applied when a packet omits the field.
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
	DefaultAudioFormat   = "pcm"
	DefaultVideoFormat   = "jpeg"
	DefaultVideoQuality  = 80
)

// DecodeError reports a payload that parsed as JSON but carried a missing
// or invalid field. It is distinct from a JSON syntax error so callers can
// tell malformed transport data from a schema violation.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

// ErrMissingDeviceID is returned when neither the payload nor the caller
// supplies a device identity.
var ErrMissingDeviceID = errors.New("missing device id")

// packetWire is the JSON schema shared by audio and video stream packets.
// Pointer fields distinguish "absent" from zero values so every default is
// applied explicitly.
type packetWire struct {
	TimestampUS   *int64  `json:"timestamp_us"`
	SequenceNum   *uint64 `json:"sequence_num"`
	StreamType    string  `json:"stream_type"`
	DeviceID      string  `json:"device_id"`
	Data          string  `json:"data"`
	Checksum      string  `json:"checksum"`
	SampleRate    *int    `json:"sample_rate"`
	Channels      *int    `json:"channels"`
	BitsPerSample *int    `json:"bits_per_sample"`
	Width         *int    `json:"width"`
	Height        *int    `json:"height"`
	Quality       *int    `json:"quality"`
	Format        string  `json:"format"`
}

func decodeWire(payload []byte, deviceID string, kind StreamKind) (*packetWire, StreamPacket, error) {
	var w packetWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, StreamPacket{}, fmt.Errorf("packet payload is not valid JSON: %w", err)
	}

	if w.DeviceID == "" {
		w.DeviceID = deviceID
	}
	if w.DeviceID == "" {
		return nil, StreamPacket{}, ErrMissingDeviceID
	}
	if w.TimestampUS == nil {
		return nil, StreamPacket{}, &DecodeError{Field: "timestamp_us", Reason: "required field missing"}
	}
	if *w.TimestampUS < 0 {
		return nil, StreamPacket{}, &DecodeError{Field: "timestamp_us", Reason: "must be non-negative"}
	}
	if w.StreamType != "" && StreamKind(w.StreamType) != kind {
		return nil, StreamPacket{}, &DecodeError{
			Field:  "stream_type",
			Reason: fmt.Sprintf("got %q on a %s topic", w.StreamType, kind),
		}
	}

	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, StreamPacket{}, &DecodeError{Field: "data", Reason: "invalid base64"}
	}

	var seq uint64
	if w.SequenceNum != nil {
		seq = *w.SequenceNum
	}

	base := StreamPacket{
		TimestampUS: *w.TimestampUS,
		SequenceNum: seq,
		Kind:        kind,
		DeviceID:    w.DeviceID,
		Payload:     data,
		Checksum:    w.Checksum,
	}
	return &w, base, nil
}

// DecodeAudioPacket parses an audio stream payload. deviceID is the identity
// extracted from the topic and is used when the payload omits device_id.
func DecodeAudioPacket(payload []byte, deviceID string) (*AudioPacket, error) {
	w, base, err := decodeWire(payload, deviceID, StreamAudio)
	if err != nil {
		return nil, err
	}

	pkt := &AudioPacket{
		StreamPacket:  base,
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
		Format:        DefaultAudioFormat,
	}
	if w.SampleRate != nil {
		if *w.SampleRate <= 0 {
			return nil, &DecodeError{Field: "sample_rate", Reason: "must be positive"}
		}
		pkt.SampleRate = *w.SampleRate
	}
	if w.Channels != nil {
		if *w.Channels <= 0 {
			return nil, &DecodeError{Field: "channels", Reason: "must be positive"}
		}
		pkt.Channels = *w.Channels
	}
	if w.BitsPerSample != nil {
		if *w.BitsPerSample <= 0 {
			return nil, &DecodeError{Field: "bits_per_sample", Reason: "must be positive"}
		}
		pkt.BitsPerSample = *w.BitsPerSample
	}
	if w.Format != "" {
		pkt.Format = w.Format
	}
	return pkt, nil
}

// DecodeVideoPacket parses a video stream payload.
func DecodeVideoPacket(payload []byte, deviceID string) (*VideoPacket, error) {
	w, base, err := decodeWire(payload, deviceID, StreamVideo)
	if err != nil {
		return nil, err
	}

	pkt := &VideoPacket{
		StreamPacket: base,
		Format:       DefaultVideoFormat,
		Quality:      DefaultVideoQuality,
	}
	if w.Width != nil {
		if *w.Width < 0 {
			return nil, &DecodeError{Field: "width", Reason: "must be non-negative"}
		}
		pkt.Width = *w.Width
	}
	if w.Height != nil {
		if *w.Height < 0 {
			return nil, &DecodeError{Field: "height", Reason: "must be non-negative"}
		}
		pkt.Height = *w.Height
	}
	if w.Quality != nil {
		if *w.Quality < 0 || *w.Quality > 100 {
			return nil, &DecodeError{Field: "quality", Reason: "must be in 0..100"}
		}
		pkt.Quality = *w.Quality
	}
	if w.Format != "" {
		pkt.Format = w.Format
	}
	return pkt, nil
}

// DecodeCallEvent parses an interphone signaling payload.
func DecodeCallEvent(payload []byte, deviceID string) (*CallEvent, error) {
	var ev CallEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("call event payload is not valid JSON: %w", err)
	}
	if ev.DeviceID == "" {
		ev.DeviceID = deviceID
	}
	if ev.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	switch ev.Type {
	case CallIncoming, CallAnswered, CallEnded, CallTimeout:
	case "":
		return nil, &DecodeError{Field: "event_type", Reason: "required field missing"}
	default:
		return nil, &DecodeError{Field: "event_type", Reason: fmt.Sprintf("unknown event %q", ev.Type)}
	}
	return &ev, nil
}

// DecodeDeviceInfo parses a discovery payload.
func DecodeDeviceInfo(payload []byte, deviceID string) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("discovery payload is not valid JSON: %w", err)
	}
	if info.ID == "" {
		info.ID = deviceID
	}
	if info.ID == "" {
		return nil, ErrMissingDeviceID
	}
	return &info, nil
}
