package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EncryptOlmEvent encrypts a to-device payload for one recipient device,
// using the most recent olm session with it and creating one from a claimed
// one-time key when none exists yet.
func (m *Machine) EncryptOlmEvent(ctx context.Context, to *DeviceIdentity, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	lock := m.olmLock(to.IdentityKey)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetLatestSession(to.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get session for %s: %w", to.IdentityKey, err)
	}
	if session == nil {
		if session, err = m.createOutboundSession(ctx, to); err != nil {
			return nil, err
		}
	}
	return m.encryptOlmEventWithSession(to, session, evtType, content)
}

// encryptOlmEventWithSession wraps the content in the olm payload carrying
// the sender/recipient identity claims and ratchets the given session. The
// caller must hold the peer's olm lock.
func (m *Machine) encryptOlmEventWithSession(to *DeviceIdentity, session *OlmSession, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	payload := DecryptedOlmEvent{
		Sender:       m.userID,
		SenderDevice: m.deviceID,
		Keys:         OlmEventKeys{Ed25519: m.signingKey},
		Recipient:    to.UserID,
		RecipientKeys: OlmEventKeys{
			Ed25519: to.SigningKey,
		},
		Type:    evtType,
		Content: content,
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal olm payload: %w", err)
	}

	msgType, ciphertext, err := session.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt olm payload: %w", err)
	}
	session.LastUseTime = time.Now()
	if err = m.store.UpdateSession(to.IdentityKey, session); err != nil {
		return nil, fmt.Errorf("failed to persist ratcheted session: %w", err)
	}

	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: m.identityKey,
		DeviceID:  m.deviceID,
		OlmCiphertext: event.OlmCiphertexts{
			to.IdentityKey: {
				Body: string(ciphertext),
				Type: msgType,
			},
		},
	}, nil
}

// createOutboundSession claims a one-time key for the device and builds a
// fresh outbound session from it. The caller must hold the peer's olm lock.
func (m *Machine) createOutboundSession(ctx context.Context, to *DeviceIdentity) (*OlmSession, error) {
	oneTimeKeys, err := m.transport.ClaimOneTimeKeys(ctx, []*DeviceIdentity{to})
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time keys: %w", err)
	}
	oneTimeKey, ok := oneTimeKeys[to.IdentityKey]
	if !ok || oneTimeKey == "" {
		return nil, fmt.Errorf("no one-time key available for %s/%s", to.UserID, to.DeviceID)
	}
	internal, err := m.account.NewOutboundSession(to.IdentityKey, oneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound session: %w", err)
	}
	session := wrapSession(to.IdentityKey, internal)
	if err = m.store.AddSession(to.IdentityKey, session); err != nil {
		return nil, fmt.Errorf("failed to store outbound session: %w", err)
	}
	m.log.Debug().
		Str("user_id", to.UserID.String()).
		Str("device_id", to.DeviceID.String()).
		Str("session_id", session.SessionID.String()).
		Msg("Created new outbound olm session")
	return session, nil
}

// SendEncryptedToDevice olm-encrypts content for a single device and hands
// the resulting m.room.encrypted to-device event to the transport.
func (m *Machine) SendEncryptedToDevice(ctx context.Context, to *DeviceIdentity, evtType event.Type, content event.Content) error {
	encrypted, err := m.EncryptOlmEvent(ctx, to, evtType, content)
	if err != nil {
		return err
	}
	return m.transport.SendToDevice(ctx, event.ToDeviceEncrypted, map[id.UserID]map[id.DeviceID]*event.Content{
		to.UserID: {
			to.DeviceID: {Parsed: encrypted},
		},
	})
}
