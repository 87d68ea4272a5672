// Package cipher encrypts database backups before they leave the device.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 4096
	keyLen        = 32
)

// Key derivation salt. Backups from different installs share it so a
// replacement device can decrypt with the passphrase alone.
var keySalt = []byte("aquatrack.backup.v1")

type Cipher struct {
	key []byte
}

// New derives an AES-256 key from the passphrase.
func New(passphrase string) *Cipher {
	return &Cipher{
		key: pbkdf2.Key([]byte(passphrase), keySalt, keyIterations, keyLen, sha256.New),
	}
}

// Encrypt seals data with AES-GCM. The nonce is prepended to the result.
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := data[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, data[gcm.NonceSize():], nil)
}

// DecryptFile decrypts path in place.
func (c *Cipher) DecryptFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	plain, err := c.Decrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(path, plain, 0644)
}
