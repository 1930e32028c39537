package session

import (
	"sync"
	"time"

	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/internal/streamsync"
	"github.com/breeze-home/sync-server/pkg/types"
)

// CallState tracks the interphone lifecycle of one device session.
type CallState int

const (
	StateIdle CallState = iota
	StateIncoming
	StateActive
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Publisher sends control events upstream. Publishing is fire-and-forget:
// a failure is reported to the caller and never blocks ingestion.
type Publisher interface {
	PublishCallEvent(ev types.CallEvent) error
}

// PublisherFunc adapts a plain function to the Publisher interface.
type PublisherFunc func(ev types.CallEvent) error

// PublishCallEvent implements Publisher.
func (f PublisherFunc) PublishCallEvent(ev types.CallEvent) error { return f(ev) }

// FrameSink consumes every synced or orphaned frame a session resolves.
type FrameSink func(types.SyncedFrame)

// StatusSink is notified when a device becomes active or inactive.
type StatusSink func(deviceID string, active bool, info *types.DeviceInfo)

// Session owns one device's synchronizer for the duration of a call.
type Session struct {
	DeviceID  string
	State     CallState
	StartedAt time.Time
	sync      *streamsync.Synchronizer
}

// Registry owns the lifecycle of per-device synchronizers and the device
// metadata consumed by the UI layer. The registry mutex guards only the
// maps; each synchronizer guards its own buffers.
type Registry struct {
	cfg        streamsync.Config
	publisher  Publisher
	frameSink  FrameSink
	statusSink StatusSink
	metrics    *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	devices  map[string]types.DeviceInfo
}

// NewRegistry creates a registry. frameSink and statusSink may be nil;
// publisher must not be.
func NewRegistry(cfg streamsync.Config, publisher Publisher, frameSink FrameSink, statusSink StatusSink, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:        cfg,
		publisher:  publisher,
		frameSink:  frameSink,
		statusSink: statusSink,
		metrics:    m,
		sessions:   make(map[string]*Session),
		devices:    make(map[string]types.DeviceInfo),
	}
}

// ensureSession returns the device's session, creating it (and starting its
// synchronizer run loop) on first use.
func (r *Registry) ensureSession(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureSessionLocked(deviceID)
}

func (r *Registry) ensureSessionLocked(deviceID string) *Session {
	if sess, ok := r.sessions[deviceID]; ok {
		return sess
	}

	sess := &Session{
		DeviceID:  deviceID,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	sess.sync = streamsync.New(deviceID, r.cfg, func(frame types.SyncedFrame) {
		r.onFrame(sess, frame)
	})
	sess.sync.Start()
	r.sessions[deviceID] = sess

	if r.metrics != nil {
		r.metrics.ActiveSessions.Store(uint64(len(r.sessions)))
	}
	logger.Info("Session", "Created session for device %s", deviceID)
	return sess
}

func (r *Registry) onFrame(sess *Session, frame types.SyncedFrame) {
	if r.metrics != nil {
		if frame.Complete {
			r.metrics.PacketsSynced.Add(2)
		} else {
			r.metrics.PacketsDropped.Add(1)
		}
		stats := sess.sync.Stats()
		r.metrics.SetAvgJitterMS(stats.AvgJitterMS)
		r.metrics.SetCurrentLatencyMS(stats.CurrentLatencyMS)
	}
	if r.frameSink != nil {
		r.frameSink(frame)
	}
}

// HandleAudio routes a decoded audio packet to its device's synchronizer,
// creating the session lazily for devices that stream before any call event.
func (r *Registry) HandleAudio(pkt *types.AudioPacket) {
	if r.metrics != nil {
		r.metrics.PacketsReceived.Add(1)
	}
	r.ensureSession(pkt.DeviceID).sync.AddAudio(pkt, time.Now())
}

// HandleVideo routes a decoded video packet to its device's synchronizer.
func (r *Registry) HandleVideo(pkt *types.VideoPacket) {
	if r.metrics != nil {
		r.metrics.PacketsReceived.Add(1)
	}
	r.ensureSession(pkt.DeviceID).sync.AddVideo(pkt, time.Now())
}

// HandleCallEvent processes a signaling event observed on the interphone
// topics. A remote CALL_ENDED runs the same disposal path as a local hangup.
func (r *Registry) HandleCallEvent(ev *types.CallEvent) {
	switch ev.Type {
	case types.CallIncoming:
		r.mu.Lock()
		sess := r.ensureSessionLocked(ev.DeviceID)
		sess.State = StateIncoming
		info := r.deviceInfoLocked(ev.DeviceID)
		r.mu.Unlock()

		logger.Info("Session", "Incoming call from device %s", ev.DeviceID)
		r.notifyStatus(ev.DeviceID, true, info)

	case types.CallAnswered:
		r.mu.Lock()
		if sess, ok := r.sessions[ev.DeviceID]; ok {
			sess.State = StateActive
		}
		r.mu.Unlock()

	case types.CallEnded, types.CallTimeout:
		r.EndCall(ev.DeviceID)

	default:
		logger.Warn("Session", "Unhandled call event %s for device %s", ev.Type, ev.DeviceID)
	}
}

// AnswerCall publishes CALL_ANSWERED upstream and marks the session active.
func (r *Registry) AnswerCall(deviceID string) error {
	err := r.publish(deviceID, types.CallAnswered)

	r.mu.Lock()
	if sess, ok := r.sessions[deviceID]; ok {
		sess.State = StateActive
	}
	r.mu.Unlock()
	return err
}

// RejectCall publishes CALL_ENDED upstream, then tears the session down.
func (r *Registry) RejectCall(deviceID string) error {
	err := r.publish(deviceID, types.CallEnded)
	r.EndCall(deviceID)
	return err
}

// EndCall removes the device from the active set and disposes its
// synchronizer synchronously: timers cancelled, buffers released, map entry
// deleted. Safe to call for unknown devices and safe to call twice.
func (r *Registry) EndCall(deviceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	if ok {
		sess.State = StateEnded
		delete(r.sessions, deviceID)
		if r.metrics != nil {
			r.metrics.ActiveSessions.Store(uint64(len(r.sessions)))
		}
	}
	info := r.deviceInfoLocked(deviceID)
	r.mu.Unlock()

	if !ok {
		return
	}

	sess.sync.Close()
	logger.Info("Session", "Ended call and disposed session for device %s", deviceID)
	r.notifyStatus(deviceID, false, info)
}

func (r *Registry) publish(deviceID string, eventType types.CallEventType) error {
	err := r.publisher.PublishCallEvent(types.CallEvent{
		DeviceID:  deviceID,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.PublishErrors.Add(1)
		}
		logger.Warn("Session", "Failed to publish %s for device %s: %v", eventType, deviceID, err)
	}
	return err
}

func (r *Registry) notifyStatus(deviceID string, active bool, info *types.DeviceInfo) {
	if r.statusSink != nil {
		r.statusSink(deviceID, active, info)
	}
}

// RegisterDevice stores device metadata announced on the discovery topic.
func (r *Registry) RegisterDevice(info *types.DeviceInfo) {
	r.mu.Lock()
	r.devices[info.ID] = *info
	r.mu.Unlock()
	logger.Debug("Session", "Registered device %s (%s)", info.ID, info.Name)
}

// UnregisterDevice removes device metadata and disposes any live session.
func (r *Registry) UnregisterDevice(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
	r.EndCall(deviceID)
}

// UpdateDeviceState records the on/off state a device reports on its state
// topic. Unknown devices are ignored.
func (r *Registry) UpdateDeviceState(deviceID, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[deviceID]
	if !ok {
		return
	}
	info.State = state
	r.devices[deviceID] = info
}

// Device returns the stored metadata for one device, if known.
func (r *Registry) Device(deviceID string) (types.DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[deviceID]
	return info, ok
}

// Devices returns a snapshot of all registered device metadata.
func (r *Registry) Devices() []types.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DeviceInfo, 0, len(r.devices))
	for _, info := range r.devices {
		out = append(out, info)
	}
	return out
}

// IsActive reports whether a device currently has a live session.
func (r *Registry) IsActive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[deviceID]
	return ok
}

// SessionStats returns the synchronizer counters for a live session.
func (r *Registry) SessionStats(deviceID string) (streamsync.Stats, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	if !ok {
		return streamsync.Stats{}, false
	}
	return sess.sync.Stats(), true
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) deviceInfoLocked(deviceID string) *types.DeviceInfo {
	if info, ok := r.devices[deviceID]; ok {
		return &info
	}
	return nil
}

// Close disposes every live session. Called on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Store(0)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.sync.Close()
	}
	logger.Info("Session", "Disposed %d session(s)", len(sessions))
}
