package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee/pkg/e2ee"
)

// e2ee-keytool creates a fresh device account, prints the keys a client would
// upload to its homeserver and pickles the account to disk so the device can
// be restored later.
func main() {
	userID := flag.String("user", "", "matrix user id, e.g. @alice:example.org")
	deviceID := flag.String("device", "", "device id, e.g. ALICE1")
	count := flag.Uint("otk-count", 10, "number of one-time keys to generate")
	out := flag.String("out", "account.pickle", "file to write the pickled account to")
	secret := flag.String("pickle-secret", "", "secret protecting the pickled account")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *userID == "" || *deviceID == "" {
		log.Fatal().Msg("-user and -device are required")
	}

	machine, err := e2ee.NewMachine(e2ee.Config{
		UserID:       id.UserID(*userID),
		DeviceID:     id.DeviceID(*deviceID),
		PickleSecret: []byte(*secret),
		Logger:       log,
	}, e2ee.NewMemoryStore(), nil, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create device account")
	}

	fmt.Printf("curve25519 identity key: %s\n", machine.IdentityKey())
	fmt.Printf("ed25519 signing key:     %s\n", machine.SigningKey())

	otks, err := machine.GenerateOneTimeKeys(*count)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate one-time keys")
	}
	for keyID, key := range otks {
		fmt.Printf("one-time key %s: %s\n", keyID, key)
	}
	machine.MarkKeysAsPublished()

	pickled, err := machine.PickleAccount()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to pickle account")
	}
	if err = os.WriteFile(*out, pickled, 0o600); err != nil {
		log.Fatal().Err(err).Msg("Failed to write pickled account")
	}
	log.Info().Str("path", *out).Msg("Wrote pickled account")
}
