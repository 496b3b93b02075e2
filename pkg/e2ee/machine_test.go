package e2ee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine_RequiresIdentity(t *testing.T) {
	directory := newTestDirectory()
	_, err := NewMachine(Config{DeviceID: "DEV"}, NewMemoryStore(), &fakeTransport{directory: directory}, directory)
	require.Error(t, err)
	_, err = NewMachine(Config{UserID: "@alice:example.org"}, NewMemoryStore(), &fakeTransport{directory: directory}, directory)
	require.Error(t, err)
}

func TestGenerateOneTimeKeys(t *testing.T) {
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	keys, err := alice.GenerateOneTimeKeys(5)
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	alice.MarkKeysAsPublished()
	keys, err = alice.GenerateOneTimeKeys(2)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "published keys must not be offered for upload again")
}

func TestPickleKeys(t *testing.T) {
	directory := newTestDirectory()
	alice := newTestMachine(t, directory, "@alice:example.org", "ALICE1")

	account := alice.pickleKey(pickleUsageAccount)
	session := alice.pickleKey(pickleUsageSession)
	group := alice.pickleKey(pickleUsageGroup)
	assert.Len(t, account, 32)
	assert.NotEqual(t, account, session)
	assert.NotEqual(t, account, group)
	assert.NotEqual(t, session, group)
	assert.Equal(t, account, alice.pickleKey(pickleUsageAccount), "derivation must be deterministic")

	pickled, err := alice.PickleAccount()
	require.NoError(t, err)
	assert.NotEmpty(t, pickled)

	// Machines without a secret use unprotected pickles.
	bare := newTestMachine(t, directory, "@bob:example.org", "BOB1")
	bare.pickleSecret = nil
	assert.Empty(t, bare.pickleKey(pickleUsageAccount))
}
