package hybrid

import (
	"encoding/base64"
	"errors"
	"testing"
)

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestSealWithSecret_RoundTrip(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}

	sealed, err := SealWithSecret(secret, []byte("patient private key material"))
	if err != nil {
		t.Fatalf("SealWithSecret() error = %v", err)
	}

	decoded, err := DecodeSecret(EncodeSecret(secret))
	if err != nil {
		t.Fatalf("DecodeSecret() error = %v", err)
	}
	got, err := OpenWithSecret(decoded, sealed)
	if err != nil {
		t.Fatalf("OpenWithSecret() error = %v", err)
	}
	if string(got) != "patient private key material" {
		t.Errorf("OpenWithSecret() = %q", got)
	}
}

func TestOpenWithSecret_Failures(t *testing.T) {
	secret, _ := NewSecret()
	other, _ := NewSecret()
	sealed, err := SealWithSecret(secret, []byte("material"))
	if err != nil {
		t.Fatalf("SealWithSecret() error = %v", err)
	}

	tests := []struct {
		name    string
		secret  []byte
		sealed  string
		wantErr error
	}{
		{name: "wrong secret", secret: other, sealed: sealed, wantErr: ErrDecryptionFailed},
		{name: "short secret", secret: secret[:8], sealed: sealed, wantErr: ErrInvalidSecret},
		{name: "truncated", secret: secret, sealed: sealed[:10], wantErr: ErrDecryptionFailed},
		{name: "not base64", secret: secret, sealed: "***", wantErr: ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := OpenWithSecret(tt.secret, tt.sealed); !errors.Is(err, tt.wantErr) {
				t.Errorf("OpenWithSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeSecret_Invalid(t *testing.T) {
	for _, input := range []string{"", "abc", "!!!!", EncodeSecret([]byte("too short"))} {
		if _, err := DecodeSecret(input); !errors.Is(err, ErrInvalidSecret) {
			t.Errorf("DecodeSecret(%q) error = %v, want %v", input, err, ErrInvalidSecret)
		}
	}
}
