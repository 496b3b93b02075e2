package e2ee

import (
	"errors"
)

// Errors returned by the olm decryption path. They're terminal for the call
// that produced them: the caller decides whether to request a missing key,
// render a placeholder or drop the event.
var (
	UnsupportedAlgorithm    = errors.New("unsupported event encryption algorithm")
	IncorrectEncryptedType  = errors.New("event content is not a parsed encrypted event")
	MissingCipherText       = errors.New("missing ciphertext in encrypted event")
	NotIncludedInRecipients = errors.New("olm event doesn't contain ciphertext for this device")
	BadEncryptedMessage     = errors.New("decryption failed with matched session")
	UnableToDecrypt         = errors.New("no olm session found to decrypt message")
)

// Errors returned by payload integrity verification. A payload that decrypted
// correctly but fails any of these is never surfaced to the application.
var (
	MissingProperty  = errors.New("missing property in decrypted payload")
	BadRecipient     = errors.New("unexpected recipient in decrypted payload")
	BadRecipientKey  = errors.New("unexpected recipient key in decrypted payload")
	ForwardedMessage = errors.New("sender in decrypted payload does not match sender of event")
	BadRoom          = errors.New("room in decrypted payload does not match room of event")
)

// Errors returned by the megolm path.
var (
	NoSessionFound        = errors.New("no inbound group session found to decrypt message")
	NoOutboundSession     = errors.New("no outbound group session found for room")
	SessionExpired        = errors.New("outbound group session has expired")
	DuplicateMessageIndex = errors.New("duplicate megolm message index")
	WrongRoom             = errors.New("megolm session was not meant for this room")
)

// IsMissingSession tells whether err is in the session-not-found class, i.e.
// whether requesting the room key from other devices can possibly help.
func IsMissingSession(err error) bool {
	return errors.Is(err, NoSessionFound)
}
