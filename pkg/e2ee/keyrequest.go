package e2ee

import (
	"context"
	"fmt"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RequestState is the lifecycle state of an outgoing room key request.
type RequestState int

const (
	// RequestUnsent means the request exists locally but hasn't reached
	// the wire yet.
	RequestUnsent RequestState = iota
	// RequestSent means the request was dispatched and awaits a reply.
	RequestSent
	// RequestFailed means dispatching failed; a retry moves it back to
	// RequestUnsent.
	RequestFailed
)

func (rs RequestState) String() string {
	switch rs {
	case RequestUnsent:
		return "unsent"
	case RequestSent:
		return "sent"
	case RequestFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(rs))
	}
}

// RequestRecipient is one device an outgoing key request is addressed to.
// DeviceID may be "*" to address every device of the user.
type RequestRecipient struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// OutgoingRoomKeyRequest tracks one request for a megolm session we're
// missing. There is exactly one per (room, session) pair; the RequestID
// doubles as the wire transaction id.
type OutgoingRoomKeyRequest struct {
	RequestID         string
	CancellationTxnID string
	Recipients        []RequestRecipient
	Body              event.RequestedKeyInfo
	State             RequestState
}

// RequestRoomKey asks our other devices for a megolm session we failed to
// decrypt with. It's idempotent: a second missing-key notification for the
// same (room, session) pair returns the id of the existing request instead
// of creating a duplicate. The transport result is observed as the request's
// state, never returned as an error.
func (m *Machine) RequestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (string, error) {
	m.requestsLock.Lock()
	request, err := m.store.GetOutgoingRoomKeyRequest(roomID, sessionID)
	if err != nil {
		m.requestsLock.Unlock()
		return "", fmt.Errorf("failed to look up existing key request: %w", err)
	}
	if request != nil {
		m.requestsLock.Unlock()
		return request.RequestID, nil
	}
	request = &OutgoingRoomKeyRequest{
		RequestID:  random.String(32),
		Recipients: []RequestRecipient{{UserID: m.userID, DeviceID: "*"}},
		Body: event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		State: RequestUnsent,
	}
	if err = m.store.PutOutgoingRoomKeyRequest(request); err != nil {
		m.requestsLock.Unlock()
		return "", fmt.Errorf("failed to store key request: %w", err)
	}
	m.requestsLock.Unlock()

	m.dispatchKeyRequest(ctx, request)
	return request.RequestID, nil
}

// RetryRoomKeyRequest re-dispatches a request whose previous send failed.
func (m *Machine) RetryRoomKeyRequest(ctx context.Context, requestID string) error {
	m.requestsLock.Lock()
	request, err := m.store.GetOutgoingRoomKeyRequestByID(requestID)
	if err != nil || request == nil {
		m.requestsLock.Unlock()
		return err
	}
	if request.State != RequestFailed {
		m.requestsLock.Unlock()
		return nil
	}
	request.State = RequestUnsent
	err = m.store.PutOutgoingRoomKeyRequest(request)
	m.requestsLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to store key request: %w", err)
	}

	m.dispatchKeyRequest(ctx, request)
	return nil
}

// CancelRoomKeyRequest withdraws a pending request. A request that already
// reached the wire gets a request_cancellation carrying the original request
// id so recipients can correlate; one that never made it is just dropped.
func (m *Machine) CancelRoomKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	m.requestsLock.Lock()
	request, err := m.store.GetOutgoingRoomKeyRequest(roomID, sessionID)
	if err != nil || request == nil {
		m.requestsLock.Unlock()
		return err
	}
	sent := request.State == RequestSent
	if sent {
		request.CancellationTxnID = request.RequestID
	}
	err = m.store.RemoveOutgoingRoomKeyRequest(request.RequestID)
	m.requestsLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to remove key request: %w", err)
	}

	if sent {
		content := &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionCancel,
			RequestID:          request.CancellationTxnID,
			RequestingDeviceID: m.deviceID,
		}
		if err = m.sendToRecipients(ctx, request.Recipients, content); err != nil {
			// The local record is gone either way; a cancellation that
			// never arrives only costs the recipient a no-op share.
			m.log.Warn().Err(err).
				Str("request_id", request.RequestID).
				Msg("Failed to send key request cancellation")
		}
	}
	return nil
}

// dispatchKeyRequest pushes the request onto the wire and records the
// outcome as a state transition.
func (m *Machine) dispatchKeyRequest(ctx context.Context, request *OutgoingRoomKeyRequest) {
	content := &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionRequest,
		Body:               request.Body,
		RequestID:          request.RequestID,
		RequestingDeviceID: m.deviceID,
	}
	err := m.sendToRecipients(ctx, request.Recipients, content)

	m.requestsLock.Lock()
	defer m.requestsLock.Unlock()
	// The request may have resolved or been cancelled while the send was
	// in flight; a state flip for a dead record would resurrect it.
	current, lookupErr := m.store.GetOutgoingRoomKeyRequestByID(request.RequestID)
	if lookupErr != nil || current == nil {
		return
	}
	if err != nil {
		current.State = RequestFailed
		m.log.Warn().Err(err).
			Str("request_id", request.RequestID).
			Str("session_id", request.Body.SessionID.String()).
			Msg("Failed to send room key request")
	} else {
		current.State = RequestSent
	}
	if err = m.store.PutOutgoingRoomKeyRequest(current); err != nil {
		m.log.Error().Err(err).Str("request_id", request.RequestID).Msg("Failed to store key request state")
	}
}

func (m *Machine) sendToRecipients(ctx context.Context, recipients []RequestRecipient, content *event.RoomKeyRequestEventContent) error {
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	for _, recipient := range recipients {
		if messages[recipient.UserID] == nil {
			messages[recipient.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[recipient.UserID][recipient.DeviceID] = &event.Content{Parsed: content}
	}
	return m.transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, messages)
}

// HandleRoomKey imports a megolm session received in an olm-encrypted
// m.room_key event and resolves the matching outgoing request, if any.
// senderKey and claimedSigningKey come from the olm decryption result.
func (m *Machine) HandleRoomKey(ctx context.Context, senderKey id.SenderKey, claimedSigningKey id.Ed25519, content *event.RoomKeyEventContent) error {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return UnsupportedAlgorithm
	}
	internal, err := olm.NewInboundGroupSession([]byte(content.SessionKey))
	if err != nil {
		return fmt.Errorf("failed to import room key: %w", err)
	}
	session := &InboundGroupSession{
		Internal:   internal,
		SenderKey:  senderKey,
		SigningKey: claimedSigningKey,
		RoomID:     content.RoomID,
	}
	return m.acceptGroupSession(session)
}

// HandleForwardedRoomKey imports a megolm session re-shared by another
// device in response to one of our key requests.
func (m *Machine) HandleForwardedRoomKey(ctx context.Context, forwarderKey id.SenderKey, content *event.ForwardedRoomKeyEventContent) error {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return UnsupportedAlgorithm
	}
	internal, err := olm.InboundGroupSessionImport([]byte(content.SessionKey))
	if err != nil {
		return fmt.Errorf("failed to import forwarded room key: %w", err)
	}
	session := &InboundGroupSession{
		Internal:         internal,
		SenderKey:        content.SenderKey,
		SigningKey:       content.SenderClaimedKey,
		RoomID:           content.RoomID,
		ForwardingChains: append(content.ForwardingKeyChain, forwarderKey.String()),
	}
	return m.acceptGroupSession(session)
}

// acceptGroupSession stores a new inbound group session and removes the
// outgoing request it satisfies.
func (m *Machine) acceptGroupSession(session *InboundGroupSession) error {
	if err := m.store.PutGroupSession(session); err != nil {
		return fmt.Errorf("failed to store group session: %w", err)
	}
	m.log.Debug().
		Str("room_id", session.RoomID.String()).
		Str("session_id", session.ID().String()).
		Msg("Stored inbound group session")

	m.requestsLock.Lock()
	defer m.requestsLock.Unlock()
	request, err := m.store.GetOutgoingRoomKeyRequest(session.RoomID, session.ID())
	if err != nil || request == nil {
		return nil
	}
	if err = m.store.RemoveOutgoingRoomKeyRequest(request.RequestID); err != nil {
		return fmt.Errorf("failed to remove resolved key request: %w", err)
	}
	return nil
}
