package vault

import (
	"encoding/base64"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func TestSealOpen_RoundTrip(t *testing.T) {
	v, err := New(testKey, "test", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	secret := "sk-live-abc123"
	sealed, err := v.Seal(secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == secret || strings.Contains(sealed, "sk-live") {
		t.Fatal("sealed token leaks plaintext")
	}

	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != secret {
		t.Fatalf("round trip = %q, want %q", got, secret)
	}
}

func TestSeal_EmptyString(t *testing.T) {
	v, _ := New(testKey, "test", nil)
	sealed, err := v.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("Seal(\"\") = (%q, %v), want (\"\", nil)", sealed, err)
	}
	plain, err := v.Open("")
	if err != nil || plain != "" {
		t.Fatalf("Open(\"\") = (%q, %v), want (\"\", nil)", plain, err)
	}
}

func TestSeal_NoncesDiffer(t *testing.T) {
	v, _ := New(testKey, "test", nil)
	a, _ := v.Seal("same input")
	b, _ := v.Seal("same input")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	v1, _ := New(testKey, "test", nil)
	v2, _ := New("fedcba9876543210fedcba9876543210", "test", nil)

	sealed, _ := v1.Seal("secret")
	if _, err := v2.Open(sealed); err == nil {
		t.Fatal("expected failure opening with a different key")
	}
}

func TestOpen_TamperedTokenFails(t *testing.T) {
	v, _ := New(testKey, "test", nil)
	sealed, _ := v.Seal("secret")

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Open(tampered); err == nil {
		t.Fatal("expected failure on tampered ciphertext")
	}
	if _, err := v.Open("not base64!!"); err == nil {
		t.Fatal("expected failure on malformed token")
	}
}

func TestNew_KeyEncodings(t *testing.T) {
	hexKey := "30313233343536373839616263646566" + "30313233343536373839616263646566"
	b64Key := base64.StdEncoding.EncodeToString([]byte(testKey))

	for name, key := range map[string]string{"raw": testKey, "hex": hexKey, "base64": b64Key} {
		t.Run(name, func(t *testing.T) {
			if _, err := New(key, "test", nil); err != nil {
				t.Fatalf("New(%s key): %v", name, err)
			}
		})
	}

	if _, err := New("short", "test", nil); err == nil {
		t.Fatal("expected error for undersized key")
	}
}

func TestNew_VolatileFallback(t *testing.T) {
	v, err := New("", "development", nil)
	if err != nil {
		t.Fatalf("New with empty key in development: %v", err)
	}
	if !v.Volatile() {
		t.Error("expected volatile vault")
	}

	sealed, _ := v.Seal("secret")
	if got, err := v.Open(sealed); err != nil || got != "secret" {
		t.Fatalf("volatile round trip = (%q, %v)", got, err)
	}
}

func TestNew_ProductionRequiresKey(t *testing.T) {
	if _, err := New("", "production", nil); err == nil {
		t.Fatal("expected error for empty key in production")
	}
}
