package e2ee

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

type pickleUsage string

const (
	pickleUsageAccount pickleUsage = "account"
	pickleUsageSession pickleUsage = "session"
	pickleUsageGroup   pickleUsage = "group-session"
)

// pickleKey derives a distinct 32-byte pickle key per record class from the
// machine's pickle secret, so a leaked session pickle key can't unpickle the
// account. An empty secret falls back to unprotected pickles.
func (m *Machine) pickleKey(usage pickleUsage) []byte {
	if len(m.pickleSecret) == 0 {
		return []byte{}
	}
	reader := hkdf.New(sha256.New, m.pickleSecret, nil, []byte("matrix-e2ee.pickle."+usage))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		panic(err)
	}
	return key
}
