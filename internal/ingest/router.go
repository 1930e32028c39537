package ingest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/internal/session"
	"github.com/breeze-home/sync-server/pkg/types"
)

// HandlerFunc is a custom topic handler. Handlers receive the raw payload;
// decoding is up to them.
type HandlerFunc func(topic string, payload []byte)

type patternHandler struct {
	pattern string
	fn      HandlerFunc
}

// Router classifies inbound transport messages by topic, decodes their
// payloads and dispatches them to the session registry. Custom handlers
// registered with a topic pattern take precedence over default routing.
type Router struct {
	registry *session.Registry
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	handlers []patternHandler
}

// NewRouter creates a router feeding the given registry.
func NewRouter(registry *session.Registry, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
	}
}

// RegisterHandler installs a custom handler for a topic pattern. A `+`
// segment matches exactly one non-empty path segment; everything else is
// matched literally.
func (r *Router) RegisterHandler(pattern string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, patternHandler{pattern: pattern, fn: fn})
}

// MatchTopic reports whether a topic matches a pattern. A single `+` token
// matches exactly one non-empty segment; segment counts must agree.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i, seg := range pp {
		if seg == "+" {
			if tp[i] == "" {
				return false
			}
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return true
}

// HandleMessage routes one transport message. Malformed payloads and
// messages without a resolvable device id are logged and dropped, never
// retried.
func (r *Router) HandleMessage(topic string, payload []byte) {
	if r.metrics != nil {
		r.metrics.MessagesReceived.Add(1)
	}

	// Custom handlers win over default routing.
	r.mu.RLock()
	var matched []HandlerFunc
	for _, h := range r.handlers {
		if MatchTopic(h.pattern, topic) {
			matched = append(matched, h.fn)
		}
	}
	r.mu.RUnlock()
	if len(matched) > 0 {
		for _, fn := range matched {
			fn(topic, payload)
		}
		return
	}

	deviceID := DeviceIDFromTopic(topic)
	if deviceID == "" {
		r.drop(topic, "no device id in topic")
		return
	}

	segments := strings.Split(topic, "/")
	last := segments[len(segments)-1]
	var penultimate string
	if len(segments) >= 2 {
		penultimate = segments[len(segments)-2]
	}

	switch {
	case penultimate == "streams" && last == "audio":
		pkt, err := types.DecodeAudioPacket(payload, deviceID)
		if err != nil {
			r.drop(topic, err.Error())
			return
		}
		r.registry.HandleAudio(pkt)

	case penultimate == "streams" && last == "video":
		pkt, err := types.DecodeVideoPacket(payload, deviceID)
		if err != nil {
			r.drop(topic, err.Error())
			return
		}
		r.registry.HandleVideo(pkt)

	case penultimate == "interphone" && (last == "incoming" || last == "control"):
		ev, err := types.DecodeCallEvent(payload, deviceID)
		if err != nil {
			r.drop(topic, err.Error())
			return
		}
		r.registry.HandleCallEvent(ev)

	case last == "discovery":
		info, err := types.DecodeDeviceInfo(payload, deviceID)
		if err != nil {
			r.drop(topic, err.Error())
			return
		}
		r.registry.RegisterDevice(info)

	case last == "status" || last == "state":
		r.handleStatus(deviceID, payload)

	default:
		r.classifyUnknown(topic, deviceID, payload)
	}
}

// handleStatus records the on/off state carried by status and state
// payloads. These topics are registry bookkeeping only.
func (r *Router) handleStatus(deviceID string, payload []byte) {
	fields := decodeLoose(payload)
	if state, ok := fields["state"].(string); ok {
		r.registry.UpdateDeviceState(deviceID, state)
	}
}

// classifyUnknown handles an unrecognized trailing segment: payloads that
// carry identity fields are treated as discovery, everything else as a
// status update.
func (r *Router) classifyUnknown(topic, deviceID string, payload []byte) {
	fields := decodeLoose(payload)

	_, hasID := fields["id"]
	_, hasName := fields["name"]
	_, hasType := fields["type"]
	if hasID && (hasName || hasType) {
		info, err := types.DecodeDeviceInfo(payload, deviceID)
		if err != nil {
			r.drop(topic, err.Error())
			return
		}
		logger.Debug("Router", "Heuristic discovery for device %s on %s", deviceID, topic)
		r.registry.RegisterDevice(info)
		return
	}

	if r.metrics != nil {
		r.metrics.UnroutedMessages.Add(1)
	}
	r.handleStatus(deviceID, payload)
}

func (r *Router) drop(topic, reason string) {
	if r.metrics != nil {
		r.metrics.DecodeErrors.Add(1)
	}
	logger.Warn("Router", "Dropping message on %s: %s", topic, reason)
}

// DeviceIDFromTopic extracts the device identity: the segment following
// "devices" in the topic path, e.g. breeze/devices/cam1/streams/audio.
func DeviceIDFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i, seg := range segments {
		if seg == "devices" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return ""
}

// decodeLoose parses a payload as a JSON object, falling back to a
// raw-text wrapper for plain-text messages. The literal strings "on" and
// "off" (any case) are additionally surfaced as a state field.
func decodeLoose(payload []byte) map[string]interface{} {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err == nil {
		return fields
	}

	text := strings.TrimSpace(string(payload))
	fields = map[string]interface{}{"raw_message": text}
	if lower := strings.ToLower(text); lower == "on" || lower == "off" {
		fields["state"] = lower
	}
	return fields
}
