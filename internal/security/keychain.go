// Package security holds MamIRC's two secrets: the shared Control Port
// password (compared in constant time, never hashed, since the Connector
// must be able to recover the plaintext to authenticate) and the web UI
// login password (hashed at rest with bcrypt). Storage follows the
// teacher's zalando/go-keyring wrapper; both secrets optionally live in the
// OS keychain instead of the JSON config file.
package security

import (
	"crypto/subtle"
	"fmt"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

// KeychainService is the service name used for storing secrets in the OS
// keychain.
const KeychainService = "mamirc"

// Keychain provides secure secret storage using the OS keychain.
type Keychain struct{}

// NewKeychain creates a new keychain instance.
func NewKeychain() *Keychain {
	return &Keychain{}
}

// Store saves a secret under user (e.g. "control-port" or "web-ui").
func (k *Keychain) Store(user, secret string) error {
	if secret == "" {
		return k.Delete(user)
	}
	if err := keyring.Set(KeychainService, user, secret); err != nil {
		return fmt.Errorf("security: store %s in keychain: %w", user, err)
	}
	return nil
}

// Get retrieves a secret previously saved with Store. A not-found secret
// is reported as ("", nil), not an error.
func (k *Keychain) Get(user string) (string, error) {
	secret, err := keyring.Get(KeychainService, user)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("security: get %s from keychain: %w", user, err)
	}
	return secret, nil
}

// Delete removes a secret from the keychain.
func (k *Keychain) Delete(user string) error {
	if err := keyring.Delete(KeychainService, user); err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("security: delete %s from keychain: %w", user, err)
	}
	return nil
}

// EqualControlPassword compares the raw Control Port secret a connecting
// Processor presented against the configured one in constant time,
// following connector.ProcessorReaderThread.equalsTimingSafe: unequal
// lengths are rejected up front (a length check is not itself
// timing-sensitive; only the byte-by-byte comparison of equal-length
// secrets must be).
func EqualControlPassword(presented, configured string) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// HashWebPassword hashes a web UI login password for storage at rest.
func HashWebPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("security: hash web password: %w", err)
	}
	return string(hash), nil
}

// CheckWebPassword reports whether password matches a hash produced by
// HashWebPassword.
func CheckWebPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
