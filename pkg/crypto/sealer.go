// Package crypto seals broker access tokens before they are stored.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	envKeyPrefix = "MASTER_ENCRYPTION_KEY"
	maxVersions  = 10
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrKeyNotFound       = errors.New("encryption key not found")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// TokenSealer encrypts access tokens with AES-256-GCM. Each sealed value is
// bound to its owner's user id, so a value copied onto another user's row
// fails to open. Several key versions can be loaded for rotation; new values
// are always sealed with the newest one.
type TokenSealer struct {
	aeads      map[int]cipher.AEAD
	currentVer int
}

// NewTokenSealer builds a sealer from raw keys by version.
func NewTokenSealer(keys map[int][]byte) (*TokenSealer, error) {
	s := &TokenSealer{aeads: make(map[int]cipher.AEAD, len(keys))}
	for ver, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", ver, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		s.aeads[ver] = gcm
		if ver > s.currentVer {
			s.currentVer = ver
		}
	}
	if len(s.aeads) == 0 {
		return nil, ErrKeyNotFound
	}
	return s, nil
}

// NewTokenSealerFromEnv loads base64 keys from MASTER_ENCRYPTION_KEY (v1)
// and MASTER_ENCRYPTION_KEY_V2..V10.
func NewTokenSealerFromEnv() (*TokenSealer, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= maxVersions; v++ {
		name := envKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewTokenSealer(keys)
}

// CurrentVersion returns the key version new values are sealed with.
func (s *TokenSealer) CurrentVersion() int {
	return s.currentVer
}

func aad(userID int64) []byte {
	return []byte("user:" + strconv.FormatInt(userID, 10))
}

// Seal encrypts token for userID. Format: ENC[vN]:base64(nonce+ciphertext)
func (s *TokenSealer) Seal(userID int64, token string) (string, error) {
	gcm := s.aeads[s.currentVer]
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(token), aad(userID))
	return fmt.Sprintf("ENC[v%d]:", s.currentVer) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same userID.
func (s *TokenSealer) Open(userID int64, sealed string) (string, error) {
	ver, payload, err := splitVersion(sealed)
	if err != nil {
		return "", err
	}
	gcm, ok := s.aeads[ver]
	if !ok {
		return "", fmt.Errorf("key version %d not available", ver)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], aad(userID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version extracts the key version of a sealed value, 0 if malformed.
func Version(sealed string) int {
	v, _, err := splitVersion(sealed)
	if err != nil {
		return 0
	}
	return v
}

func splitVersion(sealed string) (int, string, error) {
	if !strings.HasPrefix(sealed, "ENC[v") {
		return 0, "", ErrInvalidCiphertext
	}
	end := strings.Index(sealed, "]:")
	if end == -1 {
		return 0, "", ErrInvalidCiphertext
	}
	v, err := strconv.Atoi(sealed[len("ENC[v"):end])
	if err != nil || v <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return v, sealed[end+2:], nil
}

// GenerateKey generates a new random 32-byte key, base64-encoded for env storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
