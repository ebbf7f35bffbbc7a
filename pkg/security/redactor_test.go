package security_test

import (
	"testing"

	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/stretchr/testify/assert"
)

func TestRedactor_Redact(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		secrets []string
	}{
		{
			name:    "exact match",
			input:   "The password is supersecret",
			want:    "The password is ********",
			secrets: []string{"supersecret"},
		},
		{
			name:    "multiple occurrences",
			input:   "API key: abcdef is being used. Backup key: abcdef should be stored.",
			want:    "API key: ******** is being used. Backup key: ******** should be stored.",
			secrets: []string{"abcdef"},
		},
		{
			name:    "substring of another word",
			input:   "The keyboard has keys for typing. The key is important.",
			want:    "The ********board has ********s for typing. The ******** is important.",
			secrets: []string{"key"},
		},
		{
			name:    "multiple secrets",
			input:   "Password: pass123, API Key: key456",
			want:    "Password: ********, API Key: ********",
			secrets: []string{"pass123", "key456"},
		},
		{
			name:    "nil redactor returns original string",
			input:   "Original string",
			want:    "Original string",
			secrets: nil,
		},
		{
			name:    "secret not found in input",
			input:   "This string doesn't contain the secret",
			want:    "This string doesn't contain the secret",
			secrets: []string{"notused"},
		},
		{
			name:    "overlapping secrets",
			input:   "This contains supersecret and secret values",
			want:    "This contains ******** and ******** values",
			secrets: []string{"secret", "supersecret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &security.Redactor{
				Secrets: tt.secrets,
			}
			assert.Equal(t, tt.want, r.Redact(tt.input))

			factoryRedactor := security.NewRedactor(tt.secrets...)
			assert.Equal(t, tt.want, factoryRedactor.Redact(tt.input))
		})
	}
}

func TestNewRedactor_SkipsEmpty(t *testing.T) {
	r := security.NewRedactor("", "pass123", "")
	assert.Equal(t, []string{"pass123"}, r.Secrets)
}

func TestRedactor_WithAndRedactAll(t *testing.T) {
	var base *security.Redactor
	assert.Equal(t, "hunter2", base.Redact("hunter2"))

	r := base.With("hunter2").With("s3cr3t")
	assert.ElementsMatch(t, []string{"hunter2", "s3cr3t"}, r.Secrets)

	lines := r.RedactAll([]string{"user typed hunter2", "token=s3cr3t", "plain"})
	assert.Equal(t, []string{"user typed ********", "token=********", "plain"}, lines)
	assert.Nil(t, r.RedactAll(nil))

	assert.True(t, r.Contains("xx hunter2 xx"))
	assert.False(t, r.Contains("nothing here"))
}
