package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// Key is the 256-bit session key. Both peers derive it from the password;
// it never crosses the wire.
type Key [32]byte

// DeriveKey hashes the password with SHA-256.
func DeriveKey(password string) Key {
	return Key(sha256.Sum256([]byte(password)))
}

func (k Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
