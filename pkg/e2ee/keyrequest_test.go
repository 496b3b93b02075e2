package e2ee

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testRoomID    = id.RoomID("!room:example.org")
	testSenderKey = id.Curve25519("testSenderKey+testSenderKey+testSenderKey+++")
)

func requestContentOf(t *testing.T, sent sentToDevice) *event.RoomKeyRequestEventContent {
	t.Helper()
	require.Equal(t, event.ToDeviceRoomKeyRequest, sent.Type)
	for _, devices := range sent.Messages {
		for _, content := range devices {
			return content.Parsed.(*event.RoomKeyRequestEventContent)
		}
	}
	t.Fatal("no to-device content found")
	return nil
}

func TestRequestRoomKey_Idempotent(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	first, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess1")
	require.NoError(t, err)
	second, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, alice.transport.sentCount(), "duplicate request must not reach the wire")

	request, err := alice.store.GetOutgoingRoomKeyRequestByID(first)
	require.NoError(t, err)
	require.NotNil(t, request)
	assert.Equal(t, RequestSent, request.State)

	content := requestContentOf(t, alice.transport.lastSent(t))
	assert.Equal(t, event.KeyRequestAction(event.KeyRequestActionRequest), content.Action)
	assert.Equal(t, first, content.RequestID)
	assert.Equal(t, id.SessionID("sess1"), content.Body.SessionID)
	assert.Equal(t, testRoomID, content.Body.RoomID)

	// A different session gets its own request.
	third, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess2")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestRequestRoomKey_FailureAndRetry(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	alice.transport.sendErr = errors.New("gateway timeout")
	requestID, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess1")
	require.NoError(t, err, "transport failures surface as request state, not errors")

	request, err := alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	require.NoError(t, err)
	require.NotNil(t, request)
	assert.Equal(t, RequestFailed, request.State)

	// Retrying while the transport is still down keeps it failed.
	require.NoError(t, alice.RetryRoomKeyRequest(ctx, requestID))
	request, _ = alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	assert.Equal(t, RequestFailed, request.State)

	alice.transport.sendErr = nil
	require.NoError(t, alice.RetryRoomKeyRequest(ctx, requestID))
	request, _ = alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	assert.Equal(t, RequestSent, request.State)
	assert.Equal(t, requestID, requestContentOf(t, alice.transport.lastSent(t)).RequestID)
}

func TestCancelRoomKeyRequest_AfterSend(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	requestID, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess1")
	require.NoError(t, err)

	require.NoError(t, alice.CancelRoomKeyRequest(ctx, testRoomID, "sess1"))

	request, err := alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	require.NoError(t, err)
	assert.Nil(t, request)

	require.Equal(t, 2, alice.transport.sentCount())
	cancel := requestContentOf(t, alice.transport.lastSent(t))
	assert.Equal(t, event.KeyRequestAction(event.KeyRequestActionCancel), cancel.Action)
	assert.Equal(t, requestID, cancel.RequestID, "cancellation must carry the original request id")
}

func TestCancelRoomKeyRequest_NeverSent(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	alice.transport.sendErr = errors.New("gateway timeout")
	requestID, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, "sess1")
	require.NoError(t, err)
	alice.transport.sendErr = nil

	require.NoError(t, alice.CancelRoomKeyRequest(ctx, testRoomID, "sess1"))

	request, err := alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	require.NoError(t, err)
	assert.Nil(t, request)
	assert.Equal(t, 0, alice.transport.sentCount(), "a request that never hit the wire is cancelled silently")
}

func TestHandleRoomKey_ResolvesRequest(t *testing.T) {
	ctx := context.Background()
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	outbound, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	sessionID := outbound.ID()

	requestID, err := alice.RequestRoomKey(ctx, testRoomID, testSenderKey, sessionID)
	require.NoError(t, err)

	err = alice.HandleRoomKey(ctx, testSenderKey, "claimedEd25519Key", &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     testRoomID,
		SessionID:  sessionID,
		SessionKey: outbound.Key(),
	})
	require.NoError(t, err)

	session, err := alice.store.GetGroupSession(testRoomID, testSenderKey, sessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, id.Ed25519("claimedEd25519Key"), session.SigningKey)

	request, err := alice.store.GetOutgoingRoomKeyRequestByID(requestID)
	require.NoError(t, err)
	assert.Nil(t, request, "obtaining the key must remove the request")
}
