package closure

import (
	"bytes"
	"errors"
	"io"
	"os"

	"filippo.io/age"
)

// ErrNoIdentity is returned when a key file contains no usable age
// X25519 identity line.
var ErrNoIdentity = errors.New("closure: no age X25519 identity found")

// decryptAge decrypts ciphertext with identity, the counterpart to how
// bureau-foundation-bureau's lib/sealed package wraps filippo.io/age
// for credential bundles.
func decryptAge(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// encryptAge encrypts plaintext to recipient. Used by the MS side of
// closure delivery (and by tests standing in for it) to build the
// Secrets field of a Bundle.
func encryptAge(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadPrivateKey reads an age X25519 identity from a file containing
// an AGE-SECRET-KEY-1... line, the file named by the private_key_path
// configuration key.
func LoadPrivateKey(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	identities, err := age.ParseIdentities(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	for _, id := range identities {
		if x25519, ok := id.(*age.X25519Identity); ok {
			return x25519, nil
		}
	}
	return nil, ErrNoIdentity
}
