package e2ee

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type sentToDevice struct {
	Type     event.Type
	Messages map[id.UserID]map[id.DeviceID]*event.Content
}

// fakeTransport records everything the machine hands to the wire and claims
// one-time keys straight from the accounts of the test's other machines.
type fakeTransport struct {
	mu       sync.Mutex
	toDevice []sentToDevice
	sendErr  error

	directory *testDirectory
}

func (ft *fakeTransport) SendRoomEvent(_ context.Context, _ id.RoomID, _ event.Type, _ any) (id.EventID, error) {
	return id.EventID(fmt.Sprintf("$fake-%d", len(ft.toDevice))), nil
}

func (ft *fakeTransport) SendToDevice(_ context.Context, eventType event.Type, messages map[id.UserID]map[id.DeviceID]*event.Content) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.sendErr != nil {
		return ft.sendErr
	}
	ft.toDevice = append(ft.toDevice, sentToDevice{Type: eventType, Messages: messages})
	return nil
}

func (ft *fakeTransport) ClaimOneTimeKeys(_ context.Context, devices []*DeviceIdentity) (map[id.Curve25519]id.Curve25519, error) {
	keys := make(map[id.Curve25519]id.Curve25519)
	for _, device := range devices {
		target := ft.directory.machineByIdentity(device.IdentityKey)
		if target == nil {
			continue
		}
		if err := target.account.GenOneTimeKeys(1); err != nil {
			return nil, err
		}
		otks, err := target.account.OneTimeKeys()
		if err != nil {
			return nil, err
		}
		for _, otk := range otks {
			keys[device.IdentityKey] = otk
			break
		}
		target.account.MarkKeysAsPublished()
	}
	return keys, nil
}

func (ft *fakeTransport) sentCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.toDevice)
}

func (ft *fakeTransport) lastSent(t *testing.T) sentToDevice {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.NotEmpty(t, ft.toDevice)
	return ft.toDevice[len(ft.toDevice)-1]
}

// testDirectory is the shared device registry of a test: every machine made
// with newTestMachine registers itself here.
type testDirectory struct {
	mu       sync.Mutex
	machines map[id.Curve25519]*Machine
}

func newTestDirectory() *testDirectory {
	return &testDirectory{machines: make(map[id.Curve25519]*Machine)}
}

func (td *testDirectory) machineByIdentity(key id.Curve25519) *Machine {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.machines[key]
}

func (td *testDirectory) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	td.mu.Lock()
	defer td.mu.Unlock()
	for _, machine := range td.machines {
		if machine.userID == userID && machine.deviceID == deviceID {
			return machine.OwnIdentity(), nil
		}
	}
	return nil, nil
}

type testMachine struct {
	*Machine
	transport *fakeTransport
}

func newTestMachine(t *testing.T, directory *testDirectory, userID id.UserID, deviceID id.DeviceID) *testMachine {
	t.Helper()
	transport := &fakeTransport{directory: directory}
	machine, err := NewMachine(Config{
		UserID:       userID,
		DeviceID:     deviceID,
		PickleSecret: []byte("test-pickle-secret"),
	}, NewMemoryStore(), transport, directory)
	require.NoError(t, err)
	directory.mu.Lock()
	directory.machines[machine.identityKey] = machine
	directory.mu.Unlock()
	return &testMachine{Machine: machine, transport: transport}
}

// encryptedEventFor pulls the message addressed to the given machine out of
// a captured to-device send and wraps it in an event envelope.
func encryptedEventFor(t *testing.T, sent sentToDevice, sender id.UserID, to *Machine) *event.Event {
	t.Helper()
	content, ok := sent.Messages[to.userID][to.deviceID]
	require.True(t, ok, "no message addressed to %s/%s", to.userID, to.deviceID)
	return &event.Event{
		Sender:  sender,
		Type:    sent.Type,
		Content: *content,
	}
}

func olmEventFor(sender id.UserID, content *event.EncryptedEventContent) *event.Event {
	return &event.Event{
		Sender:  sender,
		Type:    event.ToDeviceEncrypted,
		Content: event.Content{Parsed: content},
	}
}

func testContent(body string) event.Content {
	return event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}}
}
