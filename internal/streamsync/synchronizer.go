package streamsync

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/pkg/types"
)

// Config controls the pairing tolerance and buffer lifetime of a Synchronizer.
type Config struct {
	MaxJitter     time.Duration // Pairing tolerance between audio and video timestamps
	BufferTimeout time.Duration // Eviction deadline measured from local receipt time
	TargetLatency time.Duration // Informational target end-to-end latency
	DropThreshold float64       // Informational acceptable drop ratio
}

// DefaultConfig returns the tolerances used when a device has no explicit
// configuration.
func DefaultConfig() Config {
	return Config{
		MaxJitter:     50 * time.Millisecond,
		BufferTimeout: 500 * time.Millisecond,
		TargetLatency: 100 * time.Millisecond,
		DropThreshold: 0.05,
	}
}

// Stats is an immutable snapshot of a Synchronizer's counters.
type Stats struct {
	PacketsReceived  uint64
	PacketsSynced    uint64
	PacketsDropped   uint64
	AvgJitterMS      float64 // EMA over matched pair timestamp differences
	CurrentLatencyMS float64 // Mean buffered age over the last second, 0 if idle
}

// EmitFunc receives every frame a Synchronizer resolves, complete or not.
// It is invoked outside the buffer lock and must not block.
type EmitFunc func(types.SyncedFrame)

type bufferedAudio struct {
	pkt        *types.AudioPacket
	receivedAt time.Time
}

type bufferedVideo struct {
	pkt        *types.VideoPacket
	receivedAt time.Time
}

// Synchronizer pairs audio and video packets of one device. Each buffer is
// kept sorted ascending by producer timestamp; a packet lives in at most one
// buffer and leaves it exactly once, either matched or evicted.
type Synchronizer struct {
	deviceID string
	cfg      Config
	emit     EmitFunc

	mu    sync.Mutex
	audio []bufferedAudio
	video []bufferedVideo

	packetsReceived uint64
	packetsSynced   uint64
	packetsDropped  uint64
	avgJitterMS     float64
	latencyMS       float64

	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Synchronizer for one device. emit may be nil when the caller
// only consumes the return values of AddAudio/AddVideo/TryEvictOrphans.
func New(deviceID string, cfg Config, emit EmitFunc) *Synchronizer {
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultConfig().MaxJitter
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = DefaultConfig().BufferTimeout
	}
	return &Synchronizer{
		deviceID: deviceID,
		cfg:      cfg,
		emit:     emit,
		stop:     make(chan struct{}),
	}
}

// AddAudio buffers an audio packet and attempts exactly one match. The
// matched frame, if any, is emitted and returned.
func (s *Synchronizer) AddAudio(pkt *types.AudioPacket, now time.Time) *types.SyncedFrame {
	s.mu.Lock()
	s.packetsReceived++
	idx := sort.Search(len(s.audio), func(i int) bool {
		return s.audio[i].pkt.TimestampUS > pkt.TimestampUS
	})
	s.audio = append(s.audio, bufferedAudio{})
	copy(s.audio[idx+1:], s.audio[idx:])
	s.audio[idx] = bufferedAudio{pkt: pkt, receivedAt: now}
	frame := s.tryMatchLocked()
	s.mu.Unlock()

	s.deliver(frame)
	return frame
}

// AddVideo buffers a video packet and attempts exactly one match.
func (s *Synchronizer) AddVideo(pkt *types.VideoPacket, now time.Time) *types.SyncedFrame {
	s.mu.Lock()
	s.packetsReceived++
	idx := sort.Search(len(s.video), func(i int) bool {
		return s.video[i].pkt.TimestampUS > pkt.TimestampUS
	})
	s.video = append(s.video, bufferedVideo{})
	copy(s.video[idx+1:], s.video[idx:])
	s.video[idx] = bufferedVideo{pkt: pkt, receivedAt: now}
	frame := s.tryMatchLocked()
	s.mu.Unlock()

	s.deliver(frame)
	return frame
}

// tryMatchLocked resolves at most one audio/video pair. Both buffers are
// sorted, so a two-pointer merge finds the earliest audio entry that has a
// compatible video entry, paired with the first such video. Later arrivals
// and the eviction sweep drain any remaining backlog.
func (s *Synchronizer) tryMatchLocked() *types.SyncedFrame {
	maxJitterUS := s.cfg.MaxJitter.Microseconds()
	i, j := 0, 0
	for i < len(s.audio) && j < len(s.video) {
		a, v := s.audio[i], s.video[j]
		diffUS := a.pkt.TimestampUS - v.pkt.TimestampUS
		if diffUS < 0 {
			diffUS = -diffUS
		}
		if diffUS <= maxJitterUS {
			frame := &types.SyncedFrame{
				DeviceID:  s.deviceID,
				Audio:     a.pkt,
				Video:     v.pkt,
				Timestamp: minInt64(a.pkt.TimestampUS, v.pkt.TimestampUS) / 1000,
				Complete:  true,
			}
			s.audio = append(s.audio[:i], s.audio[i+1:]...)
			s.video = append(s.video[:j], s.video[j+1:]...)
			s.packetsSynced += 2
			diffMS := float64(diffUS) / 1000.0
			s.avgJitterMS = s.avgJitterMS*0.9 + diffMS*0.1
			return frame
		}
		if a.pkt.TimestampUS < v.pkt.TimestampUS {
			i++
		} else {
			j++
		}
	}
	return nil
}

// TryEvictOrphans emits every buffered packet older than BufferTimeout
// (measured from receipt, not the producer clock) as an incomplete frame
// and removes it. Runs on a fixed cadence independent of packet arrival.
func (s *Synchronizer) TryEvictOrphans(now time.Time) []types.SyncedFrame {
	var evicted []types.SyncedFrame

	s.mu.Lock()
	keptAudio := s.audio[:0]
	for _, a := range s.audio {
		if now.Sub(a.receivedAt) > s.cfg.BufferTimeout {
			evicted = append(evicted, types.SyncedFrame{
				DeviceID:  s.deviceID,
				Audio:     a.pkt,
				Timestamp: a.pkt.TimestampMS(),
				Complete:  false,
			})
			s.packetsDropped++
			continue
		}
		keptAudio = append(keptAudio, a)
	}
	s.audio = keptAudio

	keptVideo := s.video[:0]
	for _, v := range s.video {
		if now.Sub(v.receivedAt) > s.cfg.BufferTimeout {
			evicted = append(evicted, types.SyncedFrame{
				DeviceID:  s.deviceID,
				Video:     v.pkt,
				Timestamp: v.pkt.TimestampMS(),
				Complete:  false,
			})
			s.packetsDropped++
			continue
		}
		keptVideo = append(keptVideo, v)
	}
	s.video = keptVideo
	s.mu.Unlock()

	for i := range evicted {
		s.deliver(&evicted[i])
	}
	return evicted
}

// RefreshLatency recomputes the current-latency gauge: the mean buffered age
// of entries received within the last second, 0 when there are none.
func (s *Synchronizer) RefreshLatency(now time.Time) {
	const window = time.Second

	s.mu.Lock()
	defer s.mu.Unlock()

	var total time.Duration
	var count int
	for _, a := range s.audio {
		if age := now.Sub(a.receivedAt); age <= window {
			total += age
			count++
		}
	}
	for _, v := range s.video {
		if age := now.Sub(v.receivedAt); age <= window {
			total += age
			count++
		}
	}
	if count == 0 {
		s.latencyMS = 0
		return
	}
	s.latencyMS = float64(total.Milliseconds()) / float64(count)
}

// Stats returns an immutable snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		PacketsReceived:  s.packetsReceived,
		PacketsSynced:    s.packetsSynced,
		PacketsDropped:   s.packetsDropped,
		AvgJitterMS:      s.avgJitterMS,
		CurrentLatencyMS: s.latencyMS,
	}
}

// Reset clears both buffers and zeroes all counters. Used when a call
// session restarts.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = nil
	s.video = nil
	s.packetsReceived = 0
	s.packetsSynced = 0
	s.packetsDropped = 0
	s.avgJitterMS = 0
	s.latencyMS = 0
}

// BufferedCounts reports the current buffer depths.
func (s *Synchronizer) BufferedCounts() (audio, video int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio), len(s.video)
}

func (s *Synchronizer) deliver(frame *types.SyncedFrame) {
	if frame == nil || s.emit == nil {
		return
	}
	s.emit(*frame)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Start launches the periodic eviction sweep (100ms) and latency refresh
// (1s). Both stop when Close is called.
func (s *Synchronizer) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Synchronizer) run() {
	defer s.wg.Done()

	evictTicker := time.NewTicker(100 * time.Millisecond)
	defer evictTicker.Stop()
	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-evictTicker.C:
			if evicted := s.TryEvictOrphans(time.Now()); len(evicted) > 0 {
				logger.Debug("Synchronizer", "Device %s: evicted %d orphan packet(s)", s.deviceID, len(evicted))
			}
		case <-statsTicker.C:
			s.RefreshLatency(time.Now())
		}
	}
}

// Close cancels the timers and releases both buffers. Safe to call more
// than once; returns only after the run loop has exited.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.audio = nil
	s.video = nil
	s.mu.Unlock()

	s.wg.Wait()
}
