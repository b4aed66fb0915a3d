package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theflyingcodr/relay"
	"github.com/theflyingcodr/relay/client"
	"github.com/theflyingcodr/relay/server"
)

func setupServer(t *testing.T, origins ...string) (*httptest.Server, *server.RelayServer, *Handlers) {
	t.Helper()
	s := server.NewRelayServer()
	h := NewHandlers(s, origins)
	e := echo.New()
	e.HideBanner = true
	h.Register(e)
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return ts, s, h
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestGatekeeper_RejectsInvalidPaths(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		path string
	}{
		"empty channel id": {
			path: "/ws/",
		}, "wrong prefix": {
			path: "/not-ws/foo",
		}, "nested channel": {
			path: "/ws/a/b",
		}, "encoded space": {
			path: "/ws/a%20b",
		}, "root": {
			path: "/",
		},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ts, s, h := setupServer(t)
			ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+test.path, nil)
			require.Error(t, err)
			assert.Nil(t, ws)
			require.NotNil(t, resp)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, resp.Header.Get("Sec-Websocket-Accept"))
			assert.Equal(t, server.Info{}, s.Info())
			assert.Equal(t, float64(1), testutil.ToFloat64(h.rejected))
		})
	}
}

func TestGatekeeper_PassesPlainRequests(t *testing.T) {
	t.Parallel()
	ts, _, h := setupServer(t)
	resp, err := http.Get(ts.URL + "/not-ws/foo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.rejected))
}

func TestWs_NonUpgradeRequest(t *testing.T) {
	t.Parallel()
	ts, s, _ := setupServer(t)
	resp, err := http.Get(ts.URL + "/ws/room1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, server.Info{}, s.Info())
}

func TestStaticRoutes(t *testing.T) {
	t.Parallel()
	ts, _, _ := setupServer(t)
	tests := map[string]struct {
		path        string
		contentType string
		contains    string
	}{
		"health": {
			path:        "/",
			contentType: "text/plain",
			contains:    HealthMessage,
		}, "client page": {
			path:        "/client",
			contentType: "text/html",
			contains:    "<form",
		}, "room page": {
			path:        "/room",
			contentType: "text/html",
			contains:    "new WebSocket",
		}, "metrics": {
			path:        "/metrics",
			contentType: "text/plain",
			contains:    "relay_connections",
		},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Get(ts.URL + test.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			bb, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), test.contentType)
			assert.Contains(t, string(bb), test.contains)
		})
	}
}

func TestRelayEndToEnd(t *testing.T) {
	t.Parallel()
	ts, s, _ := setupServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := client.Dial(ctx, wsURL(ts), "room1")
	require.NoError(t, err)
	b, err := client.Dial(ctx, wsURL(ts), "room1")
	require.NoError(t, err)
	c, err := client.Dial(ctx, wsURL(ts), "room2")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool {
		n, _ := s.ChannelSize("room1")
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send(ctx, relay.NewTextFrame("hello")))
	select {
	case f := <-b.Frames():
		assert.Equal(t, relay.NewTextFrame("hello"), f)
	case <-ctx.Done():
		t.Fatal("b never received hello")
	}

	require.NoError(t, b.Send(ctx, relay.NewBinaryFrame([]byte{1, 2, 3})))
	select {
	case f := <-a.Frames():
		assert.Equal(t, relay.NewBinaryFrame([]byte{1, 2, 3}), f)
	case <-ctx.Done():
		t.Fatal("a never received binary frame")
	}

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		n, _ := s.ChannelSize("room1")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send(ctx, relay.NewTextFrame("ping")))
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_, ok := s.ChannelSize("room1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case f := <-c.Frames():
		t.Fatalf("room2 received a frame from room1: %v", f)
	default:
	}

	resp, err := http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info server.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, server.Info{TotalConnections: 1, TotalChannels: 1}, info)
}

func TestOrigins(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		allowed []string
		origin  string
		ok      bool
	}{
		"no config should allow anything": {
			origin: "http://evil.com",
			ok:     true,
		}, "wildcard should allow anything": {
			allowed: []string{"http://a.com", "*"},
			origin:  "http://evil.com",
			ok:      true,
		}, "listed origin should be allowed": {
			allowed: []string{"http://a.com"},
			origin:  "HTTP://A.com",
			ok:      true,
		}, "unlisted origin should be blocked": {
			allowed: []string{"http://a.com"},
			origin:  "http://b.com",
		}, "missing origin should be blocked when configured": {
			allowed: []string{"http://a.com"},
		}, "invalid config entries should be ignored": {
			allowed: []string{"not a url", "http://a.com"},
			origin:  "http://a.com",
			ok:      true,
		},
	}
	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws/room", nil)
			if test.origin != "" {
				r.Header.Set("Origin", test.origin)
			}
			assert.Equal(t, test.ok, newOrigins(test.allowed).check(r))
		})
	}
}

func TestDisallowedOriginIsRefused(t *testing.T) {
	t.Parallel()
	ts, s, _ := setupServer(t, "http://allowed.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Dial(ctx, wsURL(ts), "room1", client.WithHeaders(http.Header{"Origin": []string{"http://evil.com"}}))
	assert.ErrorIs(t, err, client.ErrRejected)

	c, err := client.Dial(ctx, wsURL(ts), "room1", client.WithHeaders(http.Header{"Origin": []string{"http://allowed.com"}}))
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool {
		n, _ := s.ChannelSize("room1")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
