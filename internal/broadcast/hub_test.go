package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/pkg/types"
)

type wsEvent struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Active    bool   `json:"active"`
	Timestamp int64  `json:"timestamp"`
	HasAudio  bool   `json:"hasAudio"`
	HasVideo  bool   `json:"hasVideo"`
	Audio     *struct {
		Data          []byte `json:"data"`
		SampleRate    int    `json:"sampleRate"`
		Channels      int    `json:"channels"`
		BitsPerSample int    `json:"bitsPerSample"`
		Format        string `json:"format"`
	} `json:"audio"`
	Video *struct {
		Data   []byte `json:"data"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Format string `json:"format"`
	} `json:"video"`
	Device *types.DeviceInfo `json:"device"`
}

func newTestHub(t *testing.T, queueSize int, statusFn StatusFunc, m *metrics.Metrics) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(queueSize, statusFn, m)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribeAndWait(t *testing.T, h *Hub, conn *websocket.Conn, deviceID string, want int) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "deviceId": deviceID}))
	require.Eventually(t, func() bool {
		return h.RoomSize(deviceID) == want
	}, time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev wsEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestSubscribeDeliversCurrentStatus(t *testing.T) {
	statusFn := func(deviceID string) (bool, *types.DeviceInfo) {
		return true, &types.DeviceInfo{ID: deviceID, Name: "Front Door"}
	}
	h, srv := newTestHub(t, 8, statusFn, nil)
	conn := dialViewer(t, srv)

	subscribeAndWait(t, h, conn, "door7", 1)

	ev := readEvent(t, conn)
	assert.Equal(t, "deviceStatus", ev.Type)
	assert.Equal(t, "door7", ev.DeviceID)
	assert.True(t, ev.Active)
	require.NotNil(t, ev.Device)
	assert.Equal(t, "Front Door", ev.Device.Name)
}

func TestBroadcastFrameProjection(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	conn := dialViewer(t, srv)
	subscribeAndWait(t, h, conn, "cam1", 1)

	h.BroadcastFrame(types.SyncedFrame{
		DeviceID:  "cam1",
		Timestamp: 500,
		Complete:  true,
		Audio: &types.AudioPacket{
			StreamPacket: types.StreamPacket{Payload: []byte("pcm")},
			SampleRate:   16000, Channels: 1, BitsPerSample: 16, Format: "pcm",
		},
		Video: &types.VideoPacket{
			StreamPacket: types.StreamPacket{Payload: []byte("jpg")},
			Width:        640, Height: 480, Format: "jpeg",
		},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, "syncedFrame", ev.Type)
	assert.Equal(t, "cam1", ev.DeviceID)
	assert.Equal(t, int64(500), ev.Timestamp)
	assert.True(t, ev.HasAudio)
	assert.True(t, ev.HasVideo)
	require.NotNil(t, ev.Audio)
	assert.Equal(t, []byte("pcm"), ev.Audio.Data)
	assert.Equal(t, 16000, ev.Audio.SampleRate)
	require.NotNil(t, ev.Video)
	assert.Equal(t, 640, ev.Video.Width)
}

func TestBroadcastFrameOrphanProjection(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	conn := dialViewer(t, srv)
	subscribeAndWait(t, h, conn, "cam1", 1)

	h.BroadcastFrame(types.SyncedFrame{
		DeviceID:  "cam1",
		Timestamp: 9,
		Video: &types.VideoPacket{
			StreamPacket: types.StreamPacket{Payload: []byte("jpg")},
			Width:        320, Height: 240, Format: "jpeg",
		},
	})

	ev := readEvent(t, conn)
	assert.False(t, ev.HasAudio)
	assert.True(t, ev.HasVideo)
	assert.Nil(t, ev.Audio)
}

func TestFramesStayInsideTheRoom(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	inRoom := dialViewer(t, srv)
	outside := dialViewer(t, srv)
	subscribeAndWait(t, h, inRoom, "cam1", 1)
	subscribeAndWait(t, h, outside, "cam2", 1)

	h.BroadcastFrame(types.SyncedFrame{DeviceID: "cam1", Timestamp: 1})

	ev := readEvent(t, inRoom)
	assert.Equal(t, "cam1", ev.DeviceID)

	outside.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := outside.ReadMessage()
	assert.Error(t, err, "viewer of another device sees nothing")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	conn := dialViewer(t, srv)
	subscribeAndWait(t, h, conn, "cam1", 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe", "deviceId": "cam1"}))
	require.Eventually(t, func() bool {
		return h.RoomSize("cam1") == 0
	}, time.Second, 5*time.Millisecond)

	h.BroadcastFrame(types.SyncedFrame{DeviceID: "cam1", Timestamp: 1})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectLeavesRooms(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	conn := dialViewer(t, srv)
	subscribeAndWait(t, h, conn, "cam1", 1)

	conn.Close()
	require.Eventually(t, func() bool {
		return h.RoomSize("cam1") == 0
	}, time.Second, 5*time.Millisecond)

	// Broadcasting into the now-empty room must not panic or block.
	h.BroadcastFrame(types.SyncedFrame{DeviceID: "cam1", Timestamp: 1})
}

func TestSlowViewerSkipsFramesWithoutBlocking(t *testing.T) {
	m := metrics.New()
	h, srv := newTestHub(t, 1, nil, m)
	conn := dialViewer(t, srv)
	subscribeAndWait(t, h, conn, "cam1", 1)

	// The viewer never reads, so its socket buffer fills and the write
	// pump stalls. Excess frames are skipped instead of backing up into
	// the broadcast path.
	payload := make([]byte, 256<<10)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.BroadcastFrame(types.SyncedFrame{
				DeviceID:  "cam1",
				Timestamp: int64(i),
				Video: &types.VideoPacket{
					StreamPacket: types.StreamPacket{Payload: payload},
				},
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow viewer")
	}
	assert.Greater(t, m.FramesSkipped.Load(), uint64(0))
	assert.Equal(t, uint64(50), m.FramesBroadcast.Load())
}

func TestBothSubscribeVerbsAccepted(t *testing.T) {
	h, srv := newTestHub(t, 8, nil, nil)
	conn := dialViewer(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribeToDevice", "deviceId": "cam1"}))
	require.Eventually(t, func() bool {
		return h.RoomSize("cam1") == 1
	}, time.Second, 5*time.Millisecond)
}
