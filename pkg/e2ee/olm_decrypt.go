package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DecryptOlmEvent decrypts an m.room.encrypted to-device event addressed to
// this device and verifies the sender/recipient claims inside the payload
// against the envelope. It never returns plaintext for an event that fails
// any of the verification checks.
func (m *Machine) DecryptOlmEvent(ctx context.Context, evt *event.Event) (*DecryptionResult, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, IncorrectEncryptedType
	} else if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, UnsupportedAlgorithm
	}
	if len(content.OlmCiphertext) == 0 {
		return nil, MissingCipherText
	}
	message, ok := content.OlmCiphertext[m.identityKey]
	if !ok {
		return nil, NotIncludedInRecipients
	}
	if message.Body == "" {
		return nil, MissingCipherText
	}

	plaintext, err := m.decryptOlmCiphertext(ctx, content.SenderKey, message.Type, message.Body)
	if err != nil {
		return nil, err
	}

	payload := &DecryptedOlmEvent{Source: evt, SenderKey: content.SenderKey}
	if err = json.Unmarshal(plaintext, payload); err != nil {
		return nil, fmt.Errorf("%w: malformed olm payload: %v", MissingProperty, err)
	}
	if err = m.verifyOlmPayload(evt, plaintext, payload); err != nil {
		return nil, err
	}

	return &DecryptionResult{
		Payload:           payload,
		SenderKey:         content.SenderKey,
		ClaimedSigningKey: payload.Keys.Ed25519,
	}, nil
}

// decryptOlmCiphertext tries every stored session for the sender key in
// stored order and commits the first one that decrypts. Advancing a ratchet
// is destructive, so the winning session is persisted before returning and
// is never retried against another candidate.
func (m *Machine) decryptOlmCiphertext(ctx context.Context, senderKey id.SenderKey, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	if msgType != id.OlmMsgTypePreKey && msgType != id.OlmMsgTypeMsg {
		return nil, fmt.Errorf("%w (type %d)", BadEncryptedMessage, msgType)
	}

	lock := m.olmLock(senderKey)
	lock.Lock()
	defer lock.Unlock()

	sessions, err := m.store.GetSessions(senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions for %s: %w", senderKey, err)
	}
	for _, session := range sessions {
		plaintext, err := session.Internal.Decrypt(ciphertext, msgType)
		if err == nil {
			session.LastUseTime = time.Now()
			if err = m.store.UpdateSession(senderKey, session); err != nil {
				return nil, fmt.Errorf("failed to persist ratcheted session: %w", err)
			}
			m.log.Debug().
				Str("sender_key", senderKey.String()).
				Str("session_id", session.SessionID.String()).
				Msg("Decrypted olm message with existing session")
			return plaintext, nil
		}
		if msgType == id.OlmMsgTypePreKey {
			matches, _ := session.Internal.MatchesInboundSessionFrom(senderKey.String(), ciphertext)
			if matches {
				// The prekey message belongs to this exact session, so
				// decryption has definitively failed. Creating a fresh
				// session here would let replayed prekey messages through.
				return nil, BadEncryptedMessage
			}
		}
	}

	if msgType != id.OlmMsgTypePreKey {
		// Normal messages can only ever be read by the session that was
		// established beforehand; without it there's no recovery.
		return nil, UnableToDecrypt
	}

	session, err := m.createInboundSession(senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", BadEncryptedMessage, err)
	}
	plaintext, err := session.Internal.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt with new session: %v", BadEncryptedMessage, err)
	}
	session.LastUseTime = time.Now()
	if err = m.store.AddSession(senderKey, session); err != nil {
		return nil, fmt.Errorf("failed to store new inbound session: %w", err)
	}
	m.log.Debug().
		Str("sender_key", senderKey.String()).
		Str("session_id", session.SessionID.String()).
		Msg("Created new inbound olm session")
	return plaintext, nil
}

func (m *Machine) createInboundSession(senderKey id.SenderKey, ciphertext string) (*OlmSession, error) {
	session, err := m.account.NewInboundSessionFrom(&senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	// The one-time key the sender used is burned now.
	if err = m.account.RemoveOneTimeKeys(session); err != nil {
		m.log.Warn().Err(err).Msg("Failed to remove used one-time key")
	}
	return wrapSession(senderKey, session), nil
}
