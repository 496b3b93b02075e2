package e2ee

import (
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmSession is one pairwise double-ratchet session with a peer device.
// Several may exist for the same peer; none of them is ever deleted, they
// all stay candidates for decryption. The ratchet state inside Internal is
// mutated in place by encrypt/decrypt, so all use of a session goes through
// the machine's per-peer lock.
type OlmSession struct {
	Internal olm.Session

	SessionID    id.SessionID
	SenderKey    id.SenderKey
	CreationTime time.Time
	LastUseTime  time.Time
}

func wrapSession(senderKey id.SenderKey, session olm.Session) *OlmSession {
	now := time.Now()
	return &OlmSession{
		Internal:     session,
		SessionID:    session.ID(),
		SenderKey:    senderKey,
		CreationTime: now,
		LastUseTime:  now,
	}
}

// Pickle serializes the ratchet state with the given pickle key.
func (session *OlmSession) Pickle(key []byte) ([]byte, error) {
	return session.Internal.Pickle(key)
}

// InboundGroupSession holds the megolm ratchet needed to decrypt a range of
// message indices of one sender's room messages.
type InboundGroupSession struct {
	Internal olm.InboundGroupSession

	SenderKey  id.SenderKey
	SigningKey id.Ed25519
	RoomID     id.RoomID

	// ForwardingChains lists the curve25519 keys of the devices this key
	// passed through before reaching us. Empty for directly received keys.
	ForwardingChains []string
}

func (igs *InboundGroupSession) ID() id.SessionID {
	return igs.Internal.ID()
}

// OutboundGroupSession is the megolm ratchet we encrypt a room's messages
// with, plus the bookkeeping used to decide when it must be rotated.
type OutboundGroupSession struct {
	Internal olm.OutboundGroupSession

	RoomID       id.RoomID
	CreationTime time.Time
	MessageCount int

	MaxAge      time.Duration
	MaxMessages int

	// Shared is set once the session key has been distributed to the
	// room's devices. Unshared sessions must not encrypt anything.
	Shared bool
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

// Expired tells whether the session has hit its message or age threshold
// and must be rotated before encrypting anything else.
func (ogs *OutboundGroupSession) Expired() bool {
	return ogs.MessageCount >= ogs.MaxMessages || time.Since(ogs.CreationTime) >= ogs.MaxAge
}
