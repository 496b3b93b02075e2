package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type megolmPayload struct {
	RoomID  id.RoomID     `json:"room_id"`
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// NewOutboundGroupSession creates and stores a fresh megolm session for the
// room, replacing any previous one, and keeps an inbound copy so we can
// decrypt our own messages. The session must be shared with the room's
// devices (ShareGroupSession) before EncryptMegolmEvent will use it.
func (m *Machine) NewOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	internal, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound group session: %w", err)
	}
	session := &OutboundGroupSession{
		Internal:     internal,
		RoomID:       roomID,
		CreationTime: time.Now(),
		MaxAge:       m.rotationMaxAge,
		MaxMessages:  m.rotationMaxMessages,
	}
	inbound, err := olm.NewInboundGroupSession([]byte(internal.Key()))
	if err != nil {
		return nil, fmt.Errorf("failed to create own inbound copy: %w", err)
	}
	err = m.store.PutGroupSession(&InboundGroupSession{
		Internal:   inbound,
		SenderKey:  m.identityKey,
		SigningKey: m.signingKey,
		RoomID:     roomID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store own inbound copy: %w", err)
	}
	if err = m.store.AddOutboundGroupSession(session); err != nil {
		return nil, fmt.Errorf("failed to store outbound group session: %w", err)
	}
	m.log.Debug().
		Str("room_id", roomID.String()).
		Str("session_id", session.ID().String()).
		Msg("Created new outbound group session")
	return session, nil
}

// ShareGroupSession distributes the room's current megolm session key to the
// given devices, olm-encrypted per device, and marks the session shared.
func (m *Machine) ShareGroupSession(ctx context.Context, roomID id.RoomID, devices []*DeviceIdentity) error {
	session, err := m.store.GetOutboundGroupSession(roomID)
	if err != nil {
		return fmt.Errorf("failed to get outbound group session: %w", err)
	}
	if session == nil {
		return NoOutboundSession
	}

	roomKey := event.Content{Parsed: &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  session.ID(),
		SessionKey: session.Internal.Key(),
	}}
	messages := make(map[id.UserID]map[id.DeviceID]*event.Content)
	for _, device := range devices {
		if device.UserID == m.userID && device.DeviceID == m.deviceID {
			continue
		}
		encrypted, err := m.EncryptOlmEvent(ctx, device, event.ToDeviceRoomKey, roomKey)
		if err != nil {
			// One unreachable device must not block the rest of the room.
			m.log.Warn().Err(err).
				Str("user_id", device.UserID.String()).
				Str("device_id", device.DeviceID.String()).
				Msg("Failed to encrypt room key for device")
			continue
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[device.UserID][device.DeviceID] = &event.Content{Parsed: encrypted}
	}
	if len(messages) > 0 {
		if err = m.transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages); err != nil {
			return fmt.Errorf("failed to send room key: %w", err)
		}
	}

	session.Shared = true
	if err = m.store.AddOutboundGroupSession(session); err != nil {
		return fmt.Errorf("failed to store outbound group session: %w", err)
	}
	return nil
}

// EncryptMegolmEvent encrypts a room event with the room's current outbound
// group session. NoOutboundSession and SessionExpired tell the caller to
// create and share a new session first.
func (m *Machine) EncryptMegolmEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	session, err := m.store.GetOutboundGroupSession(roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound group session: %w", err)
	}
	if session == nil || !session.Shared {
		return nil, NoOutboundSession
	}
	if session.Expired() {
		return nil, SessionExpired
	}

	var rawContent event.Content
	switch typed := content.(type) {
	case event.Content:
		rawContent = typed
	default:
		rawContent = event.Content{Parsed: content}
	}
	plaintext, err := json.Marshal(&megolmPayload{
		RoomID:  roomID,
		Type:    evtType,
		Content: rawContent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal megolm payload: %w", err)
	}
	ciphertext, err := session.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt megolm payload: %w", err)
	}
	session.MessageCount++
	if err = m.store.AddOutboundGroupSession(session); err != nil {
		return nil, fmt.Errorf("failed to store outbound group session: %w", err)
	}

	return &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        m.identityKey,
		DeviceID:         m.deviceID,
		SessionID:        session.ID(),
		MegolmCiphertext: ciphertext,
	}, nil
}

// DecryptMegolmEvent decrypts an m.room.encrypted room event. A missing
// session surfaces as NoSessionFound so the caller can kick off a room key
// request for it.
func (m *Machine) DecryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, IncorrectEncryptedType
	} else if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, UnsupportedAlgorithm
	}
	if len(content.MegolmCiphertext) == 0 {
		return nil, MissingCipherText
	}

	session, err := m.store.GetGroupSession(evt.RoomID, content.SenderKey, content.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up group session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w (session %s)", NoSessionFound, content.SessionID)
	}
	if session.RoomID != evt.RoomID {
		return nil, WrongRoom
	}

	plaintext, index, err := session.Internal.Decrypt(content.MegolmCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", BadEncryptedMessage, err)
	}
	ok, err = m.store.ValidateMessageIndex(content.SenderKey, content.SessionID, evt.ID, index, evt.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to validate message index: %w", err)
	}
	if !ok {
		return nil, DuplicateMessageIndex
	}

	var payload megolmPayload
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed megolm payload: %v", MissingProperty, err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, fmt.Errorf("%w (expected %q)", BadRoom, payload.RoomID)
	}

	return &event.Event{
		Sender:    evt.Sender,
		Type:      payload.Type,
		Timestamp: evt.Timestamp,
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Content:   payload.Content,
	}, nil
}
