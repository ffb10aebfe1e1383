package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewTokenSealer(map[int][]byte{1: testKey(1)})
	if err != nil {
		t.Fatalf("NewTokenSealer failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"jwt-like", "eyJhbGciOiJIUzUxMiJ9.eyJkaGFuQ2xpZW50SWQiOiIxMTAwIn0.sig"},
		{"long", strings.Repeat("a", 2048)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(42, tt.token)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Errorf("missing version prefix: %s", sealed)
			}
			got, err := s.Open(42, sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if got != tt.token {
				t.Errorf("opened = %q, want %q", got, tt.token)
			}
		})
	}
}

func TestOpenBoundToUser(t *testing.T) {
	s, _ := NewTokenSealer(map[int][]byte{1: testKey(1)})
	sealed, _ := s.Seal(42, "secret")
	if _, err := s.Open(43, sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeyRotation(t *testing.T) {
	old, _ := NewTokenSealer(map[int][]byte{1: testKey(1)})
	sealedV1, _ := old.Seal(7, "token-v1")

	rotated, err := NewTokenSealer(map[int][]byte{1: testKey(1), 2: testKey(9)})
	if err != nil {
		t.Fatalf("NewTokenSealer: %v", err)
	}
	if rotated.CurrentVersion() != 2 {
		t.Fatalf("current version = %d", rotated.CurrentVersion())
	}
	if got, err := rotated.Open(7, sealedV1); err != nil || got != "token-v1" {
		t.Fatalf("open v1 = %q, %v", got, err)
	}
	sealedV2, _ := rotated.Seal(7, "token-v2")
	if Version(sealedV2) != 2 {
		t.Fatalf("version = %d", Version(sealedV2))
	}
	if _, err := old.Open(7, sealedV2); err == nil {
		t.Fatal("old sealer opened a v2 value")
	}
}

func TestMalformedInput(t *testing.T) {
	s, _ := NewTokenSealer(map[int][]byte{1: testKey(1)})
	for _, in := range []string{"", "plain", "ENC[vX]:abc", "ENC[v1]abc", "ENC[v1]:" + base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := s.Open(1, in); err == nil {
			t.Errorf("Open(%q) succeeded", in)
		}
	}
	if _, err := NewTokenSealer(map[int][]byte{1: []byte("short")}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key err = %v", err)
	}
	if _, err := NewTokenSealer(nil); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("no keys err = %v", err)
	}
}

func TestNewTokenSealerFromEnv(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	t.Setenv("MASTER_ENCRYPTION_KEY", k1)
	t.Setenv("MASTER_ENCRYPTION_KEY_V2", k2)

	s, err := NewTokenSealerFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if s.CurrentVersion() != 2 {
		t.Fatalf("current version = %d", s.CurrentVersion())
	}
}
