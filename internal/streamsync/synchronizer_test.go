package streamsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-home/sync-server/pkg/types"
)

func testConfig() Config {
	return Config{
		MaxJitter:     50 * time.Millisecond,
		BufferTimeout: 500 * time.Millisecond,
	}
}

func audioPacket(deviceID string, tsUS int64) *types.AudioPacket {
	return &types.AudioPacket{
		StreamPacket: types.StreamPacket{
			TimestampUS: tsUS,
			Kind:        types.StreamAudio,
			DeviceID:    deviceID,
			Payload:     []byte{0x01},
		},
		SampleRate:    types.DefaultSampleRate,
		Channels:      1,
		BitsPerSample: 16,
		Format:        "pcm",
	}
}

func videoPacket(deviceID string, tsUS int64) *types.VideoPacket {
	return &types.VideoPacket{
		StreamPacket: types.StreamPacket{
			TimestampUS: tsUS,
			Kind:        types.StreamVideo,
			DeviceID:    deviceID,
			Payload:     []byte{0x02},
		},
		Width:  640,
		Height: 480,
		Format: "jpeg",
	}
}

func TestMatchWithinJitterTolerance(t *testing.T) {
	var emitted []types.SyncedFrame
	s := New("cam1", testConfig(), func(f types.SyncedFrame) { emitted = append(emitted, f) })
	now := time.Now()

	frame := s.AddAudio(audioPacket("cam1", 500000), now)
	require.Nil(t, frame, "lone audio packet must not produce a frame")

	frame = s.AddVideo(videoPacket("cam1", 530000), now)
	require.NotNil(t, frame, "30ms diff is within the 50ms tolerance")
	assert.True(t, frame.Complete)
	assert.Equal(t, int64(500), frame.Timestamp, "frame timestamp is min(audio, video) in ms")
	require.NotNil(t, frame.Audio)
	require.NotNil(t, frame.Video)
	assert.Equal(t, int64(500000), frame.Audio.TimestampUS)
	assert.Equal(t, int64(530000), frame.Video.TimestampUS)

	audioLeft, videoLeft := s.BufferedCounts()
	assert.Zero(t, audioLeft, "matched audio must leave the buffer")
	assert.Zero(t, videoLeft, "matched video must leave the buffer")

	require.Len(t, emitted, 1, "exactly one emission, no duplicates")

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, uint64(2), stats.PacketsSynced)
	assert.Equal(t, uint64(0), stats.PacketsDropped)
}

func TestOrphanEvictionAfterTimeout(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	require.Nil(t, s.AddVideo(videoPacket("cam1", 0), now))

	// Before the deadline nothing is evicted.
	evicted := s.TryEvictOrphans(now.Add(400 * time.Millisecond))
	assert.Empty(t, evicted)

	evicted = s.TryEvictOrphans(now.Add(600 * time.Millisecond))
	require.Len(t, evicted, 1)
	assert.False(t, evicted[0].Complete)
	assert.Nil(t, evicted[0].Audio)
	require.NotNil(t, evicted[0].Video)
	assert.Equal(t, int64(0), evicted[0].Video.TimestampUS)

	audioLeft, videoLeft := s.BufferedCounts()
	assert.Zero(t, audioLeft)
	assert.Zero(t, videoLeft)
	assert.Equal(t, uint64(1), s.Stats().PacketsDropped)

	// Evicted packets are gone for good: a matching audio arriving later
	// finds an empty video buffer.
	frame := s.AddAudio(audioPacket("cam1", 10000), now.Add(700*time.Millisecond))
	assert.Nil(t, frame)
}

func TestUnmatchablePairEvictedIndependently(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	// 100ms apart with a 50ms tolerance: never a match.
	require.Nil(t, s.AddAudio(audioPacket("cam1", 0), now))
	require.Nil(t, s.AddVideo(videoPacket("cam1", 100000), now))

	evicted := s.TryEvictOrphans(now.Add(600 * time.Millisecond))
	require.Len(t, evicted, 2, "both sides age out as separate incomplete frames")
	for _, f := range evicted {
		assert.False(t, f.Complete)
	}
	assert.Equal(t, uint64(2), s.Stats().PacketsDropped)
}

func TestJitterMovingAverageSeededAtZero(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	s.AddAudio(audioPacket("cam1", 500000), now)
	frame := s.AddVideo(videoPacket("cam1", 530000), now)
	require.NotNil(t, frame)

	// First match of diff d: 0*0.9 + d*0.1.
	assert.InDelta(t, 3.0, s.Stats().AvgJitterMS, 1e-9)
}

func TestFirstMatchTieBreak(t *testing.T) {
	var emitted []types.SyncedFrame
	s := New("cam1", testConfig(), func(f types.SyncedFrame) { emitted = append(emitted, f) })
	now := time.Now()

	// Two candidate videos inside the tolerance window; the earlier one must
	// win even though the later one is closer to the audio timestamp.
	s.AddVideo(videoPacket("cam1", 470000), now)
	s.AddVideo(videoPacket("cam1", 495000), now)
	frame := s.AddAudio(audioPacket("cam1", 500000), now)
	require.NotNil(t, frame)
	assert.Equal(t, int64(470000), frame.Video.TimestampUS, "first compatible video wins, not the closest")

	_, videoLeft := s.BufferedCounts()
	assert.Equal(t, 1, videoLeft)
	require.Len(t, emitted, 1, "only one pair resolved per Add call")
}

func TestBacklogDrainsOnSubsequentArrivals(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	s.AddAudio(audioPacket("cam1", 100000), now)
	s.AddAudio(audioPacket("cam1", 200000), now)
	s.AddVideo(videoPacket("cam1", 100000), now) // resolves first pair

	frame := s.AddVideo(videoPacket("cam1", 200000), now)
	require.NotNil(t, frame, "next arrival drains the remaining pair")
	assert.Equal(t, int64(200), frame.Timestamp)

	audioLeft, videoLeft := s.BufferedCounts()
	assert.Zero(t, audioLeft)
	assert.Zero(t, videoLeft)
	assert.Equal(t, uint64(4), s.Stats().PacketsSynced)
}

func TestBuffersStaySortedOnOutOfOrderArrival(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	// Audio arrives out of producer order; the earliest must still pair first.
	s.AddAudio(audioPacket("cam1", 300000), now)
	s.AddAudio(audioPacket("cam1", 100000), now)

	frame := s.AddVideo(videoPacket("cam1", 110000), now)
	require.NotNil(t, frame)
	assert.Equal(t, int64(100000), frame.Audio.TimestampUS)
}

func TestReset(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	now := time.Now()

	s.AddAudio(audioPacket("cam1", 500000), now)
	s.AddVideo(videoPacket("cam1", 530000), now)
	s.AddAudio(audioPacket("cam1", 900000), now)
	s.TryEvictOrphans(now.Add(time.Second))

	s.Reset()

	audioLeft, videoLeft := s.BufferedCounts()
	assert.Zero(t, audioLeft)
	assert.Zero(t, videoLeft)
	assert.Equal(t, Stats{}, s.Stats(), "all counters return to zero")
}

func TestRefreshLatency(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	base := time.Now()

	s.AddAudio(audioPacket("cam1", 0), base)
	s.AddVideo(videoPacket("cam1", 200000), base.Add(100*time.Millisecond))

	s.RefreshLatency(base.Add(300 * time.Millisecond))
	// Ages are 300ms and 200ms, both inside the 1s window.
	assert.InDelta(t, 250.0, s.Stats().CurrentLatencyMS, 1.0)

	// Entries older than the window do not count; with none left recent the
	// gauge reads zero.
	s.RefreshLatency(base.Add(1500 * time.Millisecond))
	assert.Zero(t, s.Stats().CurrentLatencyMS)
}

func TestCloseIsIdempotentAndReleasesBuffers(t *testing.T) {
	s := New("cam1", testConfig(), nil)
	s.Start()
	s.AddAudio(audioPacket("cam1", 0), time.Now())

	s.Close()
	s.Close()

	audioLeft, videoLeft := s.BufferedCounts()
	assert.Zero(t, audioLeft)
	assert.Zero(t, videoLeft)
}
