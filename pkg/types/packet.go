package types

// StreamKind identifies the modality of a stream packet.
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamVideo StreamKind = "video"
)

// StreamPacket is a single timestamped unit of media from one device.
// Fields are set once at decode time and never mutated afterwards.
type StreamPacket struct {
	TimestampUS int64      // Producer clock, microseconds
	SequenceNum uint64     // Producer sequence number
	Kind        StreamKind // audio or video
	DeviceID    string     // Owning device
	Payload     []byte     // Opaque media data
	Checksum    string     // Optional integrity checksum, empty if absent
}

// AudioPacket is a StreamPacket plus audio format metadata.
type AudioPacket struct {
	StreamPacket
	SampleRate    int    // Samples per second (default 16000)
	Channels      int    // Channel count (default 1)
	BitsPerSample int    // Sample width (default 16)
	Format        string // Encoding name, e.g. "pcm" (default "pcm")
}

// VideoPacket is a StreamPacket plus video format metadata.
type VideoPacket struct {
	StreamPacket
	Width   int    // Frame width in pixels
	Height  int    // Frame height in pixels
	Format  string // Encoding name, e.g. "jpeg" (default "jpeg")
	Quality int    // Encoder quality hint (default 80)
}

// SyncedFrame is a correlated audio+video unit ready for playback.
// Complete is true only when both modalities are present; an orphaned
// packet produces an incomplete frame with the other side nil.
type SyncedFrame struct {
	DeviceID  string
	Audio     *AudioPacket
	Video     *VideoPacket
	Timestamp int64 // Frame timestamp in milliseconds
	Complete  bool
}

// TimestampMS returns the packet timestamp converted to milliseconds.
func (p *StreamPacket) TimestampMS() int64 {
	return p.TimestampUS / 1000
}
