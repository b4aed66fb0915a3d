package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupListener(t *testing.T, s *RelayServer) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = s.Listen(ws, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialChannel(t *testing.T, ts *httptest.Server, channelID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + channelID
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitForSize(t *testing.T, s *RelayServer, channelID string, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		size, ok := s.ChannelSize(channelID)
		if n == 0 {
			return !ok
		}
		return ok && size == n
	}, 2*time.Second, 10*time.Millisecond, "channel %s never reached %d members", channelID, n)
}

func readFrame(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, bb, err := ws.ReadMessage()
	require.NoError(t, err)
	return mt, bb
}

func assertNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestRelayServer_Listen_RelaysFrames(t *testing.T) {
	t.Parallel()
	s := NewRelayServer()
	defer s.Close()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "room1")
	b := dialChannel(t, ts, "room1")
	waitForSize(t, s, "room1", 2)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))
	mt, bb := readFrame(t, b)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(bb))

	payload := []byte{0x00, 0x10, 0xff, 0x7f}
	require.NoError(t, b.WriteMessage(websocket.BinaryMessage, payload))
	mt, bb = readFrame(t, a)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, bb)

	// the sender never gets its own frames back
	assertNoFrame(t, b)
}

func TestRelayServer_Listen_PerSenderOrder(t *testing.T) {
	t.Parallel()
	s := NewRelayServer()
	defer s.Close()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "ordered")
	b := dialChannel(t, ts, "ordered")
	waitForSize(t, s, "ordered", 2)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}))
	}
	for i := 0; i < n; i++ {
		_, bb := readFrame(t, b)
		require.Equal(t, []byte{byte(i)}, bb)
	}
}

func TestRelayServer_Listen_DisconnectCleansUp(t *testing.T) {
	t.Parallel()
	s := NewRelayServer()
	defer s.Close()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "room1")
	b := dialChannel(t, ts, "room1")
	other := dialChannel(t, ts, "room2")
	waitForSize(t, s, "room1", 2)
	waitForSize(t, s, "room2", 1)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = b.Close()
	waitForSize(t, s, "room1", 1)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("ping")))
	assertNoFrame(t, other)

	// an abrupt close without a close frame is a transport error
	_ = a.Close()
	waitForSize(t, s, "room1", 0)
	assert.Equal(t, Info{TotalConnections: 1, TotalChannels: 1}, s.Info())
}

func TestRelayServer_Listen_StuckMemberIsTransportError(t *testing.T) {
	t.Parallel()
	s := NewRelayServer(WithWriteTimeout(300*time.Millisecond), WithSendBuffer(4))
	defer s.Close()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "slow")
	b := dialChannel(t, ts, "slow")
	// stuck never reads, so its socket buffers fill and the writes time out
	_ = dialChannel(t, ts, "slow")
	waitForSize(t, s, "slow", 3)

	payload := make([]byte, 512<<10)
	const n = 64
	for i := 0; i < n; i++ {
		payload[0] = byte(i)
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, payload))
		_, bb := readFrame(t, b)
		require.Equal(t, byte(i), bb[0])
	}

	waitForSize(t, s, "slow", 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.transportErrors))
	assert.Equal(t, Info{TotalConnections: 2, TotalChannels: 1}, s.Info())
}

func TestRelayServer_Listen_ReadLimit(t *testing.T) {
	t.Parallel()
	s := NewRelayServer(WithMaxMessageSize(8))
	defer s.Close()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "small")
	b := dialChannel(t, ts, "small")
	waitForSize(t, s, "small", 2)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("far too large for the limit")))
	waitForSize(t, s, "small", 1)
	assertNoFrame(t, b)
}

func TestRelayServer_Listen_InvalidChannel(t *testing.T) {
	t.Parallel()
	s := NewRelayServer()
	defer s.Close()
	ts := setupListener(t, s)

	ws := dialChannel(t, ts, "bad%20id")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, Info{}, s.Info())
}

func TestRelayServer_Close_DisconnectsMembers(t *testing.T) {
	t.Parallel()
	s := NewRelayServer()
	ts := setupListener(t, s)

	a := dialChannel(t, ts, "room1")
	waitForSize(t, s, "room1", 1)

	s.Close()
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
