// internal/buffer/crypt.go
package buffer

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the payload encryption key size in bytes.
const KeySize = chacha20poly1305.KeySize

// payloadVersion is prepended to every sealed payload and authenticated as
// AAD, so tampering with it fails decryption.
const payloadVersion byte = 0x01

const keyFileName = ".buffer_key"

var errShortCiphertext = errors.New("sealed payload too short")

// payloadBox seals and opens buffered payloads with XChaCha20-Poly1305.
type payloadBox struct {
	aead cipher.AEAD
}

func newPayloadBox(key []byte) (*payloadBox, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &payloadBox{aead: aead}, nil
}

// seal returns version || nonce || ciphertext.
func (p *payloadBox) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+p.aead.Overhead())
	out = append(out, payloadVersion)
	out = append(out, nonce...)
	return p.aead.Seal(out, nonce, plain, []byte{payloadVersion}), nil
}

func (p *payloadBox) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1+p.aead.NonceSize()+p.aead.Overhead() {
		return nil, errShortCiphertext
	}
	version := sealed[0]
	nonce := sealed[1 : 1+p.aead.NonceSize()]
	ct := sealed[1+p.aead.NonceSize():]
	return p.aead.Open(nil, nonce, ct, []byte{version})
}

// LoadOrCreateKey returns the buffer encryption key from the data dir,
// generating and persisting a fresh one (owner-only) on first run.
func LoadOrCreateKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) >= KeySize {
		return data[:KeySize], nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// RemoveKey deletes the stored encryption key. Called on revoke so wiped
// buffer bytes are unrecoverable even from disk remnants.
func RemoveKey(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, keyFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
