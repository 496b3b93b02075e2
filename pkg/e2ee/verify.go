package e2ee

import (
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
)

// verifyOlmPayload cross-checks the claims inside a decrypted olm payload
// against the outer envelope. The check order is load-bearing: recipient,
// then recipient key, then sender, then room, so the most security-relevant
// mismatch is the one reported. A missing required field is reported as
// MissingProperty rather than the corresponding mismatch.
func (m *Machine) verifyOlmPayload(evt *event.Event, plaintext []byte, payload *DecryptedOlmEvent) error {
	if !gjson.GetBytes(plaintext, "recipient").Exists() {
		return fmt.Errorf("%w: recipient", MissingProperty)
	} else if payload.Recipient != m.userID {
		return fmt.Errorf("%w (got %q)", BadRecipient, payload.Recipient)
	}

	if !gjson.GetBytes(plaintext, "recipient_keys.ed25519").Exists() {
		return fmt.Errorf("%w: recipient_keys", MissingProperty)
	} else if payload.RecipientKeys.Ed25519 != m.signingKey {
		return BadRecipientKey
	}

	if !gjson.GetBytes(plaintext, "sender").Exists() {
		return fmt.Errorf("%w: sender", MissingProperty)
	} else if payload.Sender != evt.Sender {
		return fmt.Errorf("%w (claimed %q)", ForwardedMessage, payload.Sender)
	}

	if gjson.GetBytes(plaintext, "room_id").Exists() {
		if payload.RoomID != evt.RoomID {
			return fmt.Errorf("%w (expected %q)", BadRoom, payload.RoomID)
		}
	} else if evt.RoomID != "" && m.requireRoomID {
		return fmt.Errorf("%w: room_id", MissingProperty)
	}

	return nil
}
