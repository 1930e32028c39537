package types

// CallEventType enumerates interphone call events exchanged over the
// control topics.
type CallEventType string

const (
	CallIncoming CallEventType = "INCOMING_CALL"
	CallAnswered CallEventType = "CALL_ANSWERED"
	CallEnded    CallEventType = "CALL_ENDED"
	CallTimeout  CallEventType = "CALL_TIMEOUT"
)

// CallEvent is an interphone signaling event for one device.
type CallEvent struct {
	DeviceID  string            `json:"device_id"`
	Type      CallEventType     `json:"event_type"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DeviceInfo is the metadata a device announces on its discovery topic.
// Matches the payload the breeze firmware publishes.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Firmware string `json:"firmware,omitempty"`
	IP       string `json:"ip,omitempty"`
	MAC      string `json:"mac,omitempty"`
	State    string `json:"state,omitempty"`
}
