package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize        = 12
	saltSize         = 32
	keySize          = 32
	pbkdf2Iterations = 100000
)

// magic prefixes every encrypted archive object, followed by a version
// byte and the key-derivation salt.
var magic = []byte("CVAE")

const headerSize = 4 + 1 + saltSize

// ErrBadPassword is returned when an object cannot be decrypted.
var ErrBadPassword = errors.New("archive: decryption failed")

// Encryptor seals archive objects with AES-256-GCM under a key derived
// from a password. Each object carries its own salt.
type Encryptor struct {
	password []byte
}

// NewEncryptor returns nil when password is empty.
func NewEncryptor(password string) *Encryptor {
	if password == "" {
		return nil
	}
	return &Encryptor{password: []byte(password)}
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.password, salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext into header | nonce | ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, 1)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, out[:headerSize]), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(blob []byte) ([]byte, error) {
	if !IsEncrypted(blob) || len(blob) < headerSize+nonceSize {
		return nil, errors.New("archive: not an encrypted object")
	}
	header := blob[:headerSize]
	salt := header[5:]
	nonce := blob[headerSize : headerSize+nonceSize]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, blob[headerSize+nonceSize:], header)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plaintext, nil
}

// IsEncrypted reports whether blob starts with the encryption header.
func IsEncrypted(blob []byte) bool {
	return len(blob) >= headerSize && bytes.Equal(blob[:4], magic) && blob[4] == 1
}
