package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

const testPutPath = "steering.autopilot.target.headingTrue"

func provideTestPath(t *testing.T, hub *Hub, sourceRef string) (*Session, *testTransport) {
	session, transport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))
	session.HandleMessage([]byte(`{"context": "vessels.self", "updates": [{"$source": "` + sourceRef + `", "values": [{"path": "` + testPutPath + `", "value": 1.2}]}]}`))
	assert.Equal(t, hub.Sync(), true)
	return session, transport
}

func putMessage(requestId string, sourceRef string) []byte {
	put := map[string]any{
		"path":  testPutPath,
		"value": 2.5,
	}
	if sourceRef != "" {
		put["source"] = sourceRef
	}
	message, err := json.Marshal(map[string]any{
		"requestId": requestId,
		"context":   "vessels.self",
		"put":       put,
	})
	if err != nil {
		panic(err)
	}
	return message
}

func replyMessage(requestId string, state RequestState, statusCode int) []byte {
	message, err := json.Marshal(map[string]any{
		"requestId":  requestId,
		"state":      state,
		"statusCode": statusCode,
	})
	if err != nil {
		panic(err)
	}
	return message
}

func receivedPuts(transport *testTransport) []*PutCommandFrame {
	puts := []*PutCommandFrame{}
	for _, frame := range transport.framesWith("put") {
		puts = append(puts, decodeFrame[PutCommandFrame](frame))
	}
	return puts
}

func TestPutSingleSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))

	puts := receivedPuts(providerTransport)
	assert.Equal(t, len(puts), 1)
	// the owner sees a routed id
	routedId := puts[0].RequestId
	assert.NotEqual(t, routedId, "")
	assert.NotEqual(t, routedId, "r1")
	assert.Equal(t, puts[0].Context, DefaultSelfContext)
	assert.Equal(t, puts[0].Put.Path, testPutPath)
	assert.Equal(t, puts[0].Put.Source, "autopilot.1")
	assert.Equal(t, puts[0].Put.Value, 2.5)
	assert.Equal(t, hub.PutRouter().PendingCount(), 1)
	assert.Equal(t, len(clientTransport.replies("r1")), 0)

	// an intermediate reply is not forwarded
	provider.HandleMessage(replyMessage(routedId, RequestStatePending, http.StatusAccepted))
	assert.Equal(t, len(clientTransport.replies("r1")), 0)
	client.HandleMessage([]byte(`{"requestId": "r1", "query": true}`))
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].State, RequestStatePending)
	assert.Equal(t, replies[0].StatusCode, http.StatusAccepted)

	provider.HandleMessage(replyMessage(routedId, RequestStateCompleted, http.StatusOK))
	replies = clientTransport.replies("r1")[1:]
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].State, RequestStateCompleted)
	assert.Equal(t, replies[0].StatusCode, http.StatusOK)
	assert.Equal(t, hub.PutRouter().PendingCount(), 0)

	// a second completion is discarded
	provider.HandleMessage(replyMessage(routedId, RequestStateCompleted, http.StatusInternalServerError))
	assert.Equal(t, len(clientTransport.replies("r1")), 2)

	// the completed state is available to query
	client.HandleMessage([]byte(`{"requestId": "r1", "query": true}`))
	replies = clientTransport.replies("r1")
	assert.Equal(t, len(replies), 3)
	assert.Equal(t, replies[2].StatusCode, http.StatusOK)
	assert.Equal(t, hub.PutRouter().CompletedCount(), 1)
}

func TestPutAmbiguousSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	_, aTransport := provideTestPath(t, hub, "autopilot.1")
	_, bTransport := provideTestPath(t, hub, "autopilot.2")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusBadRequest)
	assert.Equal(t, len(receivedPuts(aTransport)), 0)
	assert.Equal(t, len(receivedPuts(bTransport)), 0)

	client.HandleMessage(putMessage("r2", "autopilot.2"))
	assert.Equal(t, len(receivedPuts(aTransport)), 0)
	puts := receivedPuts(bTransport)
	assert.Equal(t, len(puts), 1)
	assert.Equal(t, puts[0].Put.Source, "autopilot.2")
}

func TestPutUnknownSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", "autopilot.9"))
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusNotFound)
}

func TestPutNoProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusMethodNotAllowed)

	// the path is released when the provider disconnects
	provider, _ := provideTestPath(t, hub, "autopilot.1")
	client.HandleMessage(putMessage("r2", ""))
	assert.Equal(t, hub.PutRouter().PendingCount(), 1)
	provider.End(websocket.CloseNormalClosure, "", nil)

	client.HandleMessage(putMessage("r3", ""))
	replies = clientTransport.replies("r3")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusMethodNotAllowed)
}

func TestPutForbidden(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	security, err := NewTokenSecurity(testTokenSecuritySettings())
	assert.Equal(t, err, nil)

	hub := NewHub(ctx, testHubSettings(), HubOptions{
		Security: security,
	})
	defer hub.Close()

	writer := &Principal{
		Identifier:  "autopilot",
		Permissions: PermissionReadWrite,
	}
	reader := &Principal{
		Identifier:  "display",
		Permissions: PermissionReadOnly,
	}

	provider, providerTransport := connectTestSession(t, hub, writer, sessionOptions(SubscriptionModeNone))
	provider.HandleMessage([]byte(`{"updates": [{"$source": "autopilot.1", "values": [{"path": "` + testPutPath + `", "value": 1.2}]}]}`))
	client, clientTransport := connectTestSession(t, hub, reader, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusForbidden)
	assert.Equal(t, len(receivedPuts(providerTransport)), 0)

	// a read only session cannot provide values either
	client.HandleMessage([]byte(`{"requestId": "u1", "updates": [{"$source": "display", "values": [{"path": "a", "value": 1}]}]}`))
	replies = clientTransport.replies("u1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusForbidden)
	assert.Equal(t, hub.PathSources().CanHandlePut("a", ""), false)
}

func TestPutTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testHubSettings()
	settings.Put.Timeout = 50 * time.Millisecond
	hub := NewHub(ctx, settings, HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	waitFor(t, func() bool {
		return 0 < len(clientTransport.replies("r1"))
	})
	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusGatewayTimeout)
	assert.Equal(t, hub.PutRouter().PendingCount(), 0)

	// the late reply is discarded
	puts := receivedPuts(providerTransport)
	assert.Equal(t, len(puts), 1)
	provider.HandleMessage(replyMessage(puts[0].RequestId, RequestStateCompleted, http.StatusOK))
	time.Sleep(2 * settings.Put.Timeout)
	assert.Equal(t, len(clientTransport.replies("r1")), 1)
}

func TestPutReplyFromNonOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	_, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))
	other, _ := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	routedId := receivedPuts(providerTransport)[0].RequestId
	other.HandleMessage(replyMessage(routedId, RequestStateCompleted, http.StatusOK))
	client.HandleMessage(replyMessage(routedId, RequestStateCompleted, http.StatusOK))

	assert.Equal(t, len(clientTransport.replies("r1")), 0)
	assert.Equal(t, hub.PutRouter().PendingCount(), 1)
}

func TestPutDuplicateRequestId(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	_, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	client.HandleMessage(putMessage("r1", ""))

	replies := clientTransport.replies("r1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusBadRequest)
	assert.Equal(t, len(receivedPuts(providerTransport)), 1)
}

func TestDeleteRouted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage([]byte(`{"requestId": "d1", "context": "vessels.self", "delete": {"path": "` + testPutPath + `"}}`))
	deletes := providerTransport.framesWith("delete")
	assert.Equal(t, len(deletes), 1)
	deleteFrame := decodeFrame[DeleteCommandFrame](deletes[0])
	assert.Equal(t, deleteFrame.Delete.Source, "autopilot.1")

	provider.HandleMessage(replyMessage(deleteFrame.RequestId, RequestStateCompleted, http.StatusOK))
	replies := clientTransport.replies("d1")
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].StatusCode, http.StatusOK)
}

func TestPutOriginDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	assert.Equal(t, hub.PutRouter().PendingCount(), 1)
	client.End(websocket.CloseNormalClosure, "", nil)
	assert.Equal(t, hub.PutRouter().PendingCount(), 0)

	provider.HandleMessage(replyMessage(receivedPuts(providerTransport)[0].RequestId, RequestStateCompleted, http.StatusOK))
	assert.Equal(t, len(clientTransport.replies("r1")), 0)

	// an ended origin cannot add requests
	hub.PutRouter().HandlePut(client, "r2", DefaultSelfContext, &PutCommand{
		Path:  testPutPath,
		Value: 1,
	})
	assert.Equal(t, hub.PutRouter().PendingCount(), 0)
	assert.Equal(t, len(receivedPuts(providerTransport)), 1)
}

func TestPutSameRequestIdFromTwoSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	a, aTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))
	b, bTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	a.HandleMessage(putMessage("r1", ""))
	b.HandleMessage(putMessage("r1", ""))
	assert.Equal(t, len(aTransport.replies("r1")), 0)
	assert.Equal(t, len(bTransport.replies("r1")), 0)
	assert.Equal(t, hub.PutRouter().PendingCount(), 2)

	puts := receivedPuts(providerTransport)
	assert.Equal(t, len(puts), 2)
	assert.NotEqual(t, puts[0].RequestId, puts[1].RequestId)

	provider.HandleMessage(replyMessage(puts[1].RequestId, RequestStateCompleted, http.StatusBadGateway))
	assert.Equal(t, len(aTransport.replies("r1")), 0)
	bReplies := bTransport.replies("r1")
	assert.Equal(t, len(bReplies), 1)
	assert.Equal(t, bReplies[0].StatusCode, http.StatusBadGateway)

	provider.HandleMessage(replyMessage(puts[0].RequestId, RequestStateCompleted, http.StatusOK))
	aReplies := aTransport.replies("r1")
	assert.Equal(t, len(aReplies), 1)
	assert.Equal(t, aReplies[0].StatusCode, http.StatusOK)

	// each origin queries its own request
	a.HandleMessage([]byte(`{"requestId": "r1", "query": true}`))
	assert.Equal(t, aTransport.replies("r1")[1].StatusCode, http.StatusOK)
	b.HandleMessage([]byte(`{"requestId": "r1", "query": true}`))
	assert.Equal(t, bTransport.replies("r1")[1].StatusCode, http.StatusBadGateway)
}

func TestPutCompletedExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testHubSettings()
	settings.Put.CompletedTtl = 50 * time.Millisecond
	hub := NewHub(ctx, settings, HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, clientTransport := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	provider.HandleMessage(replyMessage(receivedPuts(providerTransport)[0].RequestId, RequestStateCompleted, http.StatusOK))
	assert.Equal(t, hub.PutRouter().Query(client, "r1").StatusCode, http.StatusOK)

	waitFor(t, func() bool {
		return hub.PutRouter().CompletedCount() == 0
	})
	assert.Equal(t, hub.PutRouter().Query(client, "r1").StatusCode, http.StatusNotFound)

	// an expired id can be used again
	client.HandleMessage(putMessage("r1", ""))
	assert.Equal(t, len(receivedPuts(providerTransport)), 2)
	assert.Equal(t, len(clientTransport.replies("r1")), 1)
	assert.Equal(t, hub.PutRouter().PendingCount(), 1)
}

func TestPutCompletedForgottenWithOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, testHubSettings(), HubOptions{})
	defer hub.Close()

	provider, providerTransport := provideTestPath(t, hub, "autopilot.1")
	client, _ := connectTestSession(t, hub, nil, sessionOptions(SubscriptionModeNone))

	client.HandleMessage(putMessage("r1", ""))
	provider.HandleMessage(replyMessage(receivedPuts(providerTransport)[0].RequestId, RequestStateCompleted, http.StatusOK))
	assert.Equal(t, hub.PutRouter().CompletedCount(), 1)

	client.End(websocket.CloseNormalClosure, "", nil)
	assert.Equal(t, hub.PutRouter().CompletedCount(), 0)
}
