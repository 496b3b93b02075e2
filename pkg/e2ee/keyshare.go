package e2ee

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// IncomingRoomKeyRequest is another device asking us for a megolm session we
// may hold.
type IncomingRoomKeyRequest struct {
	RequestID string
	UserID    id.UserID
	DeviceID  id.DeviceID
	Body      event.RequestedKeyInfo
}

// KeySharePolicy decides whether a key request from the given device is
// served. The device is always the resolved, registry-backed identity of the
// requester, never data from the request itself.
type KeySharePolicy func(ctx context.Context, device *DeviceIdentity, request *IncomingRoomKeyRequest) bool

type incomingRequestKey struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	RequestID string
}

// defaultAllowKeyShare only shares keys with trusted devices of our own
// user, and never answers the device the machine itself runs on.
func (m *Machine) defaultAllowKeyShare(_ context.Context, device *DeviceIdentity, _ *IncomingRoomKeyRequest) bool {
	return device.UserID == m.userID && device.DeviceID != m.deviceID && device.Trusted
}

// HandleRoomKeyRequest processes an m.room_key_request to-device event.
// Requests that pass the authorization policy are answered with the session
// exported at its first known index, olm-encrypted for the requesting device
// only — never broadcast.
func (m *Machine) HandleRoomKeyRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequestEventContent) error {
	key := incomingRequestKey{sender, content.RequestingDeviceID, content.RequestID}

	if content.Action == event.KeyRequestActionCancel {
		m.incomingLock.Lock()
		delete(m.incomingKeyRequests, key)
		m.incomingLock.Unlock()
		return nil
	} else if content.Action != event.KeyRequestActionRequest {
		return fmt.Errorf("unknown key request action %q", content.Action)
	}
	if sender == m.userID && content.RequestingDeviceID == m.deviceID {
		// No point answering ourselves.
		return nil
	}

	request := &IncomingRoomKeyRequest{
		RequestID: content.RequestID,
		UserID:    sender,
		DeviceID:  content.RequestingDeviceID,
		Body:      content.Body,
	}
	m.incomingLock.Lock()
	if _, ok := m.incomingKeyRequests[key]; ok {
		m.incomingLock.Unlock()
		return nil
	}
	m.incomingKeyRequests[key] = request
	m.incomingLock.Unlock()
	defer func() {
		m.incomingLock.Lock()
		delete(m.incomingKeyRequests, key)
		m.incomingLock.Unlock()
	}()

	log := m.log.With().
		Str("request_id", request.RequestID).
		Str("requesting_user", sender.String()).
		Str("requesting_device", content.RequestingDeviceID.String()).
		Str("session_id", request.Body.SessionID.String()).
		Logger()

	device, err := m.devices.GetDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve requesting device: %w", err)
	}
	if device == nil {
		log.Warn().Msg("Ignoring key request from unknown device")
		return nil
	}
	if !m.AllowKeyShare(ctx, device, request) {
		log.Debug().Msg("Key share denied by policy")
		return nil
	}

	session, err := m.store.GetGroupSession(request.Body.RoomID, request.Body.SenderKey, request.Body.SessionID)
	if err != nil {
		return fmt.Errorf("failed to look up group session: %w", err)
	}
	if session == nil {
		log.Debug().Msg("Ignoring key request for session we don't have")
		return nil
	}

	exported, err := session.Internal.Export(session.Internal.FirstKnownIndex())
	if err != nil {
		return fmt.Errorf("failed to export group session: %w", err)
	}
	forwarded := &event.ForwardedRoomKeyEventContent{
		RoomKeyEventContent: event.RoomKeyEventContent{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     session.RoomID,
			SessionID:  session.ID(),
			SessionKey: string(exported),
		},
		SenderKey:          session.SenderKey,
		SenderClaimedKey:   session.SigningKey,
		ForwardingKeyChain: session.ForwardingChains,
	}
	err = m.SendEncryptedToDevice(ctx, device, event.ToDeviceForwardedRoomKey, event.Content{Parsed: forwarded})
	if err != nil {
		return fmt.Errorf("failed to send forwarded room key: %w", err)
	}
	log.Debug().Msg("Shared group session with requesting device")
	return nil
}
