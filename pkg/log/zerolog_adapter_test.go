package log_test

import (
	"bytes"
	"testing"

	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/rs/zerolog"
)

func TestAdapter(t *testing.T) {
	out := &bytes.Buffer{}
	zl := zerolog.New(out)
	log := log.NewZerologAdapter(zl)

	log.Info().
		Str("unit", "test").
		Int("n", 1).
		Msg("hello")

	if !bytes.Contains(out.Bytes(), []byte(`"unit":"test"`)) {
		t.Fatalf("field missing")
	}
}

func TestAdapter_With(t *testing.T) {
	out := &bytes.Buffer{}
	logger := log.NewZerologAdapter(zerolog.New(out)).With().Str("workflow_id", "wf-1").Logger()

	logger.Warn().Msg("scoped")

	if !bytes.Contains(out.Bytes(), []byte(`"workflow_id":"wf-1"`)) {
		t.Fatalf("context field missing: %s", out.String())
	}
}
