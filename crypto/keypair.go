// Package crypto implements the key management and end-to-end encryption
// layer for direct messages.
//
// Each node holds one long-lived Curve25519 key pair. Peers exchange public
// keys over the mesh, derive a shared secret once via ECDH, and encrypt
// individual messages with an AEAD using a fresh random nonce per message.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a Curve25519 key pair used for direct-message
// encryption.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// validatePublicKey rejects the obviously invalid all-zero key.
func validatePublicKey(key [32]byte) error {
	if isZeroKey(key) {
		return errors.New("invalid public key: all zeros")
	}
	return nil
}

// ZeroBytes overwrites a byte slice with zeros to remove key material from
// memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
