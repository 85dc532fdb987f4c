package vault

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-secret")
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}

	plaintext := "EAAG-long-lived-provider-token"
	ciphertext, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	v, err := New("test-secret")
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}

	first, err := v.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if first == second {
		t.Fatal("two encryptions of the same input produced identical ciphertexts")
	}
}

func TestDecryptRejectsTamperedInput(t *testing.T) {
	v, err := New("test-secret")
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}

	ciphertext, err := v.Encrypt("token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := map[string]string{
		"not base64":       "%%%not-base64%%%",
		"too short":        "YWJj",
		"flipped tail":     ciphertext[:len(ciphertext)-2] + "zz",
		"empty ciphertext": "",
	}

	for name, input := range cases {
		if _, err := v.Decrypt(input); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("%s: expected ErrDecryptionFailed, got %v", name, err)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	v1, _ := New("secret-one")
	v2, _ := New("secret-two")

	ciphertext, err := v1.Encrypt("token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := v2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}
