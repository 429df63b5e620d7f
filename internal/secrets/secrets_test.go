package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestSealUnsealRoundtrip(t *testing.T) {
	env, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, plain := range []string{"", "hunter2", "multi\nline\tvalue", strings.Repeat("x", 4096)} {
		blob, err := env.Seal(plain)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if err := ValidateSealed(blob); err != nil {
			t.Fatalf("ValidateSealed: %v", err)
		}
		got, err := env.Unseal(blob)
		if err != nil {
			t.Fatalf("Unseal: %v", err)
		}
		if got != plain {
			t.Fatalf("got %q want %q", got, plain)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	env, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := env.Seal("same")
	b, _ := env.Seal("same")
	if a == b {
		t.Fatal("two seals of the same plaintext produced identical blobs")
	}
}

func TestUnsealWrongKey(t *testing.T) {
	env1, _ := New(testKey(t))
	env2, _ := New(testKey(t))
	blob, err := env1.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := env2.Unseal(blob); err == nil {
		t.Fatal("unseal under a different key succeeded")
	}
}

func TestUnsealTamperedBlob(t *testing.T) {
	env, _ := New(testKey(t))
	blob, err := env.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, _ := base64.URLEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.URLEncoding.EncodeToString(raw)
	if _, err := env.Unseal(tampered); err == nil {
		t.Fatal("tampered blob unsealed")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New(bytes.Repeat([]byte{1}, 16)); err == nil {
		t.Fatal("16-byte key accepted")
	}
}

func TestNewFromEncodedKey(t *testing.T) {
	key := testKey(t)
	env, err := NewFromEncodedKey(base64.URLEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewFromEncodedKey: %v", err)
	}
	blob, err := env.Seal("v")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	direct, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := direct.Unseal(blob)
	if err != nil || got != "v" {
		t.Fatalf("Unseal = %q, %v", got, err)
	}

	if _, err := NewFromEncodedKey("not base64!!"); err == nil {
		t.Fatal("malformed encoded key accepted")
	}
}

func TestValidateSealedRejectsGarbage(t *testing.T) {
	if err := ValidateSealed("short"); err == nil {
		t.Fatal("short blob accepted")
	}
	long := strings.Repeat("!", 40)
	if err := ValidateSealed(long); err == nil {
		t.Fatal("non-base64url blob accepted")
	}
}
