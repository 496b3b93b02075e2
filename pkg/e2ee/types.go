package e2ee

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceIdentity is the verified long-term key material of a single device.
// Instances are immutable once fetched from the device registry.
type DeviceIdentity struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519

	// Trusted is set by the owning registry when the device has been
	// cross-verified. The default key-share policy only shares with
	// trusted devices of our own user.
	Trusted bool
}

// OlmEventKeys is the signing key claim embedded in olm payloads.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is the plaintext payload of an olm-encrypted to-device
// event. The sender/recipient claims inside it are what the integrity
// verifier checks against the outer envelope.
type DecryptedOlmEvent struct {
	Source    *event.Event `json:"-"`
	SenderKey id.SenderKey `json:"-"`

	Sender        id.UserID    `json:"sender"`
	SenderDevice  id.DeviceID  `json:"sender_device"`
	Keys          OlmEventKeys `json:"keys"`
	Recipient     id.UserID    `json:"recipient"`
	RecipientKeys OlmEventKeys `json:"recipient_keys"`
	RoomID        id.RoomID    `json:"room_id,omitempty"`

	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}

// DecryptionResult is only ever constructed after every integrity check on
// the decrypted payload has passed.
type DecryptionResult struct {
	Payload *DecryptedOlmEvent
	// SenderKey is the curve25519 key the ciphertext actually came from.
	SenderKey id.SenderKey
	// ClaimedSigningKey is the ed25519 key the payload claims for its
	// sender. It is only as trustworthy as the device that claimed it.
	ClaimedSigningKey id.Ed25519
}

// Transport is the REST collaborator. Implementations must not block the
// calling goroutine beyond a single request; the engines never retry through
// it, they only observe the returned error.
type Transport interface {
	SendRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error)
	SendToDevice(ctx context.Context, eventType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error
	// ClaimOneTimeKeys claims one signed curve25519 one-time key per
	// requested device, keyed by the device's identity key.
	ClaimOneTimeKeys(ctx context.Context, devices []*DeviceIdentity) (map[id.Curve25519]id.Curve25519, error)
}

// DeviceSource is the per-user device registry collaborator.
type DeviceSource interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
}
