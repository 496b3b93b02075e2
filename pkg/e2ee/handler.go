package e2ee

import (
	"context"

	"maunium.net/go/mautrix/event"
)

// HandleToDeviceEvent routes an incoming to-device event through the right
// engine: encrypted events are olm-decrypted and their inner event handled
// recursively, key requests feed the distribution state machine. Unhandled
// event types are ignored so the caller can pass the whole to-device stream.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.ToDeviceEncrypted:
		result, err := m.DecryptOlmEvent(ctx, evt)
		if err != nil {
			return err
		}
		return m.handleDecryptedOlmEvent(ctx, result)
	case event.ToDeviceRoomKeyRequest:
		content, ok := evt.Content.Parsed.(*event.RoomKeyRequestEventContent)
		if !ok {
			return IncorrectEncryptedType
		}
		return m.HandleRoomKeyRequest(ctx, evt.Sender, content)
	default:
		return nil
	}
}

func (m *Machine) handleDecryptedOlmEvent(ctx context.Context, result *DecryptionResult) error {
	payload := result.Payload
	if err := payload.Content.ParseRaw(payload.Type); err != nil {
		// Inner events the library doesn't know about go back to the
		// caller through DecryptOlmEvent, not through here.
		return nil
	}
	switch content := payload.Content.Parsed.(type) {
	case *event.RoomKeyEventContent:
		return m.HandleRoomKey(ctx, result.SenderKey, result.ClaimedSigningKey, content)
	case *event.ForwardedRoomKeyEventContent:
		return m.HandleForwardedRoomKey(ctx, result.SenderKey, content)
	default:
		return nil
	}
}
