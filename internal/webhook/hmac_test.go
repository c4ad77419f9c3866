package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"participantGitHubUsername":"alice"}`)
	signed := sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{name: "github format", body: body, signature: signed, secret: secret},
		{name: "plain hex", body: body, signature: strings.TrimPrefix(signed, "sha256="), secret: secret},
		{name: "wrong signature", body: body, signature: "sha256=" + strings.Repeat("0", 64), secret: secret, wantErr: true},
		{name: "tampered body", body: []byte(`{"participantGitHubUsername":"mallory"}`), signature: signed, secret: secret, wantErr: true},
		{name: "wrong secret", body: body, signature: signed, secret: "other", wantErr: true},
		{name: "empty signature", body: body, signature: "", secret: secret, wantErr: true},
		{name: "empty secret", body: body, signature: signed, secret: "", wantErr: true},
		{name: "malformed hex", body: body, signature: "sha256=not-hex", secret: secret, wantErr: true},
		{name: "truncated", body: body, signature: signed[:20], secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySignature(tt.body, tt.signature, tt.secret)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, errVerification, err, "errors must stay generic")
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	a := sign([]byte("payload"), "k")
	assert.Equal(t, a, sign([]byte("payload"), "k"))
	assert.NotEqual(t, a, sign([]byte("payload!"), "k"))
	assert.Len(t, a, len("sha256=")+64)
}
