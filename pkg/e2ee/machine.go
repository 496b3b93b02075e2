package e2ee

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

const (
	// DefaultRotationMaxMessages is how many messages an outbound group
	// session may encrypt before it must be rotated.
	DefaultRotationMaxMessages = 100
	// DefaultRotationMaxAge is how long an outbound group session may be
	// used before it must be rotated.
	DefaultRotationMaxAge = 7 * 24 * time.Hour
)

// Config carries the per-device settings of a Machine. UserID and DeviceID
// are required, everything else has defaults.
type Config struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	// PickleSecret is the secret the per-record pickle keys are derived
	// from. Leave empty to pickle with an unprotected default.
	PickleSecret []byte

	// RequireRoomID makes payload verification treat a missing room_id in
	// olm payloads of room-addressed events as a missing property instead
	// of accepting it silently.
	RequireRoomID bool

	RotationMaxMessages int
	RotationMaxAge      time.Duration

	Logger zerolog.Logger
}

// Machine owns one device's encryption state: the olm account, the session
// store and the room key request state machine. There is no process-wide
// instance; callers create one per logged-in device and pass it around.
type Machine struct {
	log       zerolog.Logger
	store     Store
	transport Transport
	devices   DeviceSource

	account  olm.Account
	userID   id.UserID
	deviceID id.DeviceID

	identityKey id.Curve25519
	signingKey  id.Ed25519

	pickleSecret  []byte
	requireRoomID bool

	rotationMaxMessages int
	rotationMaxAge      time.Duration

	// AllowKeyShare decides whether an incoming room key request is served.
	// Replace it to change the authorization policy; the default only
	// shares with trusted devices of our own user.
	AllowKeyShare KeySharePolicy

	// olmLocks serializes everything that touches a single peer's session
	// set: candidate selection, decryption and persisting the winner.
	olmLocks *exsync.Map[id.SenderKey, *sync.Mutex]

	// requestsLock serializes key request state transitions so concurrent
	// missing-key notifications can't spawn duplicate requests.
	requestsLock sync.Mutex

	incomingLock        sync.Mutex
	incomingKeyRequests map[incomingRequestKey]*IncomingRoomKeyRequest
}

// NewMachine creates a fresh olm account and a machine around it.
func NewMachine(cfg Config, store Store, transport Transport, devices DeviceSource) (*Machine, error) {
	account, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create olm account: %w", err)
	}
	return NewMachineWithAccount(cfg, account, store, transport, devices)
}

// NewMachineWithAccount wraps an existing (e.g. unpickled) olm account.
func NewMachineWithAccount(cfg Config, account olm.Account, store Store, transport Transport, devices DeviceSource) (*Machine, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("user ID and device ID must be set")
	}
	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to get account identity keys: %w", err)
	}
	if cfg.RotationMaxMessages <= 0 {
		cfg.RotationMaxMessages = DefaultRotationMaxMessages
	}
	if cfg.RotationMaxAge <= 0 {
		cfg.RotationMaxAge = DefaultRotationMaxAge
	}
	m := &Machine{
		log:       cfg.Logger.With().Str("component", "e2ee").Str("device_id", cfg.DeviceID.String()).Logger(),
		store:     store,
		transport: transport,
		devices:   devices,

		account:     account,
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		identityKey: identityKey,
		signingKey:  signingKey,

		pickleSecret:  cfg.PickleSecret,
		requireRoomID: cfg.RequireRoomID,

		rotationMaxMessages: cfg.RotationMaxMessages,
		rotationMaxAge:      cfg.RotationMaxAge,

		olmLocks:            exsync.NewMap[id.SenderKey, *sync.Mutex](),
		incomingKeyRequests: make(map[incomingRequestKey]*IncomingRoomKeyRequest),
	}
	m.AllowKeyShare = m.defaultAllowKeyShare
	return m, nil
}

// OwnIdentity returns this machine's device identity as other devices see it.
func (m *Machine) OwnIdentity() *DeviceIdentity {
	return &DeviceIdentity{
		UserID:      m.userID,
		DeviceID:    m.deviceID,
		IdentityKey: m.identityKey,
		SigningKey:  m.signingKey,
		Trusted:     true,
	}
}

// IdentityKey returns the device's long-term curve25519 key.
func (m *Machine) IdentityKey() id.Curve25519 {
	return m.identityKey
}

// SigningKey returns the device's long-term ed25519 key.
func (m *Machine) SigningKey() id.Ed25519 {
	return m.signingKey
}

// GenerateOneTimeKeys makes the account generate count new one-time keys and
// returns all currently unpublished ones for upload.
func (m *Machine) GenerateOneTimeKeys(count uint) (map[string]id.Curve25519, error) {
	if err := m.account.GenOneTimeKeys(count); err != nil {
		return nil, fmt.Errorf("failed to generate one-time keys: %w", err)
	}
	return m.account.OneTimeKeys()
}

// MarkKeysAsPublished tells the account its current one-time keys have been
// uploaded and must not be returned again.
func (m *Machine) MarkKeysAsPublished() {
	m.account.MarkKeysAsPublished()
}

// PickleAccount serializes the olm account with the derived account key.
func (m *Machine) PickleAccount() ([]byte, error) {
	return m.account.Pickle(m.pickleKey(pickleUsageAccount))
}

func (m *Machine) olmLock(key id.SenderKey) *sync.Mutex {
	lock, _ := m.olmLocks.GetOrSet(key, &sync.Mutex{})
	return lock
}
