package security

import (
	"sort"
	"strings"
)

// Mask replaces every redacted secret.
const Mask = "********"

type Redactor struct {
	Secrets []string
}

// NewRedactor builds a redactor for the given secret values. Empty values are skipped.
func NewRedactor(values ...string) *Redactor {
	var secretValues []string
	for _, val := range values {
		if val != "" {
			secretValues = append(secretValues, val)
		}
	}
	return &Redactor{
		Secrets: secretValues,
	}
}

// With returns a new redactor that also masks values.
func (r *Redactor) With(values ...string) *Redactor {
	var merged []string
	if r != nil {
		merged = append(merged, r.Secrets...)
	}
	return NewRedactor(append(merged, values...)...)
}

func (r *Redactor) Redact(s string) string {
	if r == nil || len(r.Secrets) == 0 {
		return s
	}

	// Longer secrets first so a secret that contains another is masked whole.
	secrets := make([]string, len(r.Secrets))
	copy(secrets, r.Secrets)
	sort.Slice(secrets, func(i, j int) bool {
		return len(secrets[i]) > len(secrets[j])
	})

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, Mask)
	}
	return s
}

// RedactAll returns a redacted copy of lines.
func (r *Redactor) RedactAll(lines []string) []string {
	if lines == nil {
		return nil
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = r.Redact(line)
	}
	return out
}

// Contains reports whether s still holds any secret value.
func (r *Redactor) Contains(s string) bool {
	if r == nil {
		return false
	}
	for _, secret := range r.Secrets {
		if secret != "" && strings.Contains(s, secret) {
			return true
		}
	}
	return false
}
