package crypto

import (
	"crypto/rand"
	"encoding/hex"
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

func TestSealRoundTrip(t *testing.T) {
	key := testKey(t)
	sealed, err := EncryptWithKey("sk-secret-value", key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Fatalf("sealed value %q lacks enc: prefix", sealed)
	}
	if strings.Contains(sealed, "sk-secret-value") {
		t.Fatal("sealed value leaks plaintext")
	}

	got, err := DecryptWithKey(sealed, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "sk-secret-value" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := EncryptWithKey("value", testKey(t))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptWithKey(sealed, testKey(t)); err == nil {
		t.Fatal("decrypt succeeded with the wrong key")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	key := testKey(t)
	for _, in := range []string{"", "enc:", "enc:!!!", "enc:AAAA", "garbage"} {
		if _, err := DecryptWithKey(in, key); err == nil {
			t.Errorf("DecryptWithKey(%q) succeeded", in)
		}
	}
}

func TestPlainFallbackWithoutKey(t *testing.T) {
	t.Setenv("ASH_SECRET_ENCRYPTION_KEY", "")
	sealed, err := Encrypt("dev-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "plain:") {
		t.Fatalf("sealed value %q lacks plain: prefix", sealed)
	}
	got, err := Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "dev-value" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestUndecodableEnvKeyFallsBackToPlain(t *testing.T) {
	t.Setenv("ASH_SECRET_ENCRYPTION_KEY", "not-a-key")
	sealed, err := Encrypt("dev-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "plain:") {
		t.Fatalf("sealed value %q lacks plain: prefix", sealed)
	}
}

func TestEnvKeyRoundTrip(t *testing.T) {
	key := testKey(t)
	t.Setenv("ASH_SECRET_ENCRYPTION_KEY", hex.EncodeToString(key))

	sealed, err := Encrypt("prod-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Fatalf("sealed value %q lacks enc: prefix", sealed)
	}
	got, err := Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "prod-value" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestKeyLengthEnforced(t *testing.T) {
	if _, err := EncryptWithKey("x", []byte("short")); err == nil {
		t.Fatal("encrypt accepted a short key")
	}
	if _, err := DecryptWithKey("enc:AAAA", []byte("short")); err == nil {
		t.Fatal("decrypt accepted a short key")
	}
}
