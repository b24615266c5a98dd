package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testServer(t *testing.T, hub *Hub) *httptest.Server {
	server := httptest.NewServer(NewServerWithDefaults(hub).Handler())
	t.Cleanup(server.Close)
	return server
}

func wsUrl(server *httptest.Server, path string, query string) string {
	u := fmt.Sprintf("ws%s%s", strings.TrimPrefix(server.URL, "http"), path)
	if query != "" {
		u = u + "?" + query
	}
	return u
}

func dialTest(t *testing.T, u string, header http.Header) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

// reads until a frame with the key arrives
func readFrameWith(t *testing.T, ws *websocket.Conn, key string) map[string]json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		frame := map[string]json.RawMessage{}
		if err := json.Unmarshal(message, &frame); err != nil {
			t.Fatal(err)
		}
		if _, ok := frame[key]; ok {
			return frame
		}
	}
}

func writeTestFrame(t *testing.T, ws *websocket.Conn, frame any) {
	message, err := json.Marshal(frame)
	assert.Equal(t, err, nil)
	err = ws.WriteMessage(websocket.TextMessage, message)
	assert.Equal(t, err, nil)
}

func TestServerRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deltaCache := NewMemoryDeltaCache()
	hub := NewHub(ctx, testHubSettings(), HubOptions{
		DeltaCache: deltaCache,
	})
	defer hub.Close()
	server := testServer(t, hub)

	provider := dialTest(t, wsUrl(server, StreamPath, "subscribe=none"), nil)
	hello := decodeFrame[HelloFrame](readFrameWith(t, provider, "roles"))
	assert.Equal(t, hello.Self, DefaultSelfContext)

	writeTestFrame(t, provider, testDelta(SelfContextAlias, "test.1", "navigation.speedOverGround", 1.5))
	waitFor(t, func() bool {
		return deltaCache.Len() == 1
	})

	consumer := dialTest(t, wsUrl(server, StreamPath, "subscribe=all"), nil)
	readFrameWith(t, consumer, "roles")
	// cached values arrive before live ones
	cached := decodeFrame[Delta](readFrameWith(t, consumer, "updates"))
	assert.Equal(t, cached.Context, DefaultSelfContext)
	assert.Equal(t, cached.Updates[0].SourceRef, "test.1")
	assert.Equal(t, cached.Updates[0].Values[0].Value, 1.5)

	writeTestFrame(t, provider, testDelta(SelfContextAlias, "test.1", "navigation.speedOverGround", 2.5))
	live := decodeFrame[Delta](readFrameWith(t, consumer, "updates"))
	assert.Equal(t, live.Updates[0].Values[0].Value, 2.5)

	assert.Equal(t, hub.Sessions().Count(), 2)
	consumer.Close()
	waitFor(t, func() bool {
		return hub.Sessions().Count() == 1
	})
}

func TestServerUnauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testTokenSecuritySettings()
	settings.AllowReadonly = false
	security, err := NewTokenSecurity(settings)
	assert.Equal(t, err, nil)

	hub := NewHub(ctx, testHubSettings(), HubOptions{
		Security: security,
	})
	defer hub.Close()
	server := testServer(t, hub)

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(server, StreamPath, ""), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	_, response, err = websocket.DefaultDialer.Dial(wsUrl(server, StreamPath, "token=garbage"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	result, err := security.Login("crew", "aye")
	assert.Equal(t, err, nil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+result.Token)
	ws := dialTest(t, wsUrl(server, StreamPath, ""), header)
	readFrameWith(t, ws, "roles")
}

func TestServerBadOptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()
	server := testServer(t, hub)

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(server, StreamPath, "subscribe=some"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)

	_, response, err = websocket.DefaultDialer.Dial(wsUrl(server, PlaybackPath, ""), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)
}

func TestServerDiscoveryAndHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	server := testServer(t, hub)

	response, err := http.Get(server.URL + DiscoveryPath)
	assert.Equal(t, err, nil)
	document := &discoveryDocument{}
	err = json.NewDecoder(response.Body).Decode(document)
	response.Body.Close()
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Server.Id, "deltahub")
	assert.Equal(t, document.Endpoints["v1"].SignalkWs, wsUrl(server, StreamPath, ""))
	assert.Equal(t, document.Endpoints["v1"].PlaybackWs, wsUrl(server, PlaybackPath, ""))

	response, err = http.Get(server.URL + DiscoveryPath + "/other")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusNotFound)

	response, err = http.Get(server.URL + HealthPath)
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)

	hub.Close()
	response, err = http.Get(server.URL + HealthPath)
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusServiceUnavailable)
}

func TestServerHealthSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()
	server := testServer(t, hub)

	options := sessionOptions(SubscriptionModeAll)
	options.SendMeta = true
	a, _ := connectTestSession(t, hub, nil, options)
	b, _ := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	response, err := http.Get(server.URL + HealthPath)
	assert.Equal(t, err, nil)
	document := &HealthDocument{}
	err = json.NewDecoder(response.Body).Decode(document)
	response.Body.Close()
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Sessions, 2)
	// connection order
	assert.Equal(t, document.SessionIds, []Id{a.Id(), b.Id()})

	response, err = http.Get(fmt.Sprintf("%s%s?session=%s", server.URL, HealthPath, a.Id()))
	assert.Equal(t, err, nil)
	healthSession := &HealthSession{}
	err = json.NewDecoder(response.Body).Decode(healthSession)
	response.Body.Close()
	assert.Equal(t, err, nil)
	assert.Equal(t, healthSession.Id, a.Id())
	assert.Equal(t, healthSession.Mode, SessionModeRealtime)
	assert.Equal(t, healthSession.Subscribe, SubscriptionModeAll)
	assert.Equal(t, healthSession.SendMeta, true)

	response, err = http.Get(fmt.Sprintf("%s%s?session=%s", server.URL, HealthPath, NewId()))
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusNotFound)

	response, err = http.Get(server.URL + HealthPath + "?session=nope")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)

	b.End(websocket.CloseNormalClosure, "", nil)
	assert.Equal(t, hub.Sessions().Sessions(), []*Session{a})
}

func TestParseSessionOptions(t *testing.T) {
	options, err := ParseSessionOptions(SessionModeRealtime, url.Values{})
	assert.Equal(t, err, nil)
	assert.Equal(t, options.Subscribe, SubscriptionModeSelf)
	assert.Equal(t, options.SendCachedValues, true)
	assert.Equal(t, options.SendMeta, false)

	options, err = ParseSessionOptions(SessionModeRealtime, url.Values{
		"subscribe":        {"none"},
		"sendMeta":         {"all"},
		"sendCachedValues": {"false"},
		"serverevents":     {"all"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, options.Subscribe, SubscriptionModeNone)
	assert.Equal(t, options.SendMeta, true)
	assert.Equal(t, options.SendCachedValues, false)
	assert.Equal(t, options.ServerEvents, true)

	_, err = ParseSessionOptions(SessionModeRealtime, url.Values{"sendCachedValues": {"maybe"}})
	assert.NotEqual(t, err, nil)

	options, err = ParseSessionOptions(SessionModePlayback, url.Values{
		"startTime":    {"2024-05-01T10:00:00Z"},
		"playbackRate": {"4"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, options.Mode, SessionModePlayback)
	assert.Equal(t, options.StartTime.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)), true)
	assert.Equal(t, options.PlaybackRate, float64(4))

	_, err = ParseSessionOptions(SessionModePlayback, url.Values{"startTime": {"yesterday"}})
	assert.NotEqual(t, err, nil)

	_, err = ParseSessionOptions(SessionModePlayback, url.Values{
		"startTime":    {"2024-05-01T10:00:00Z"},
		"playbackRate": {"0"},
	})
	assert.NotEqual(t, err, nil)
}

func TestRequestToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/signalk/v1/stream?token=q", nil)
	assert.Equal(t, RequestToken(r), "q")

	r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "c"})
	assert.Equal(t, RequestToken(r), "c")

	r.Header.Set("Authorization", "JWT h")
	assert.Equal(t, RequestToken(r), "h")

	r.Header.Set("Authorization", "Bearer b")
	assert.Equal(t, RequestToken(r), "b")
}
