package auth

import (
	"bytes"
	"errors"
	"testing"
)

func TestGeneratePasskey(t *testing.T) {
	key1, err := GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != PasskeySize {
		t.Fatalf("expected %d bytes, got %d", PasskeySize, len(key1))
	}

	key2, err := GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two generated passkeys should not be equal")
	}
}

func TestPasskeyRoundTrip(t *testing.T) {
	key, err := GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	s := FormatPasskey(key)
	if len(s) != 2*PasskeySize {
		t.Fatalf("formatted length %d", len(s))
	}
	got, err := ParsePasskey("  " + s + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("parsed passkey differs")
	}
}

func TestParsePasskeyRejects(t *testing.T) {
	for _, s := range []string{"", "zz", "abcd", FormatPasskey(make([]byte, PasskeySize+1))} {
		if _, err := ParsePasskey(s); !errors.Is(err, ErrBadPasskey) {
			t.Errorf("ParsePasskey(%q) err = %v", s, err)
		}
	}
}

func TestVerify(t *testing.T) {
	passkey := []byte("test-passkey-32-bytes-long-xxxxx")
	material := []byte("tls-exporter-material")
	token := ComputeAuthToken(passkey, material)

	if !VerifyAuthToken(passkey, material, token) {
		t.Fatal("valid token should verify")
	}
	if VerifyAuthToken([]byte("wrong-passkey-32-bytes-xxxxxxxxx"), material, token) {
		t.Fatal("wrong passkey should not verify")
	}
	if VerifyAuthToken(passkey, []byte("other-session"), token) {
		t.Fatal("different TLS session material should not verify")
	}
	token[0] ^= 0xFF
	if VerifyAuthToken(passkey, material, token) {
		t.Fatal("tampered token should not verify")
	}
}
