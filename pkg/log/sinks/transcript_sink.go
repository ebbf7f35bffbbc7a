package sinks

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arnavsurve/mendstep/pkg/log"
)

// transcriptSkipFields are context fields already implied by the transcript's scope.
var transcriptSkipFields = map[string]struct{}{
	"workflow_id": {},
	"run_id":      {},
	"attempt":     {},
}

// TranscriptSink keeps an ordered, already-redacted copy of every event as a
// plain text line. It backs RunResult.Logs and the failure context handed to repair.
type TranscriptSink struct {
	mu    sync.Mutex
	lines []string
}

func NewTranscriptSink() *TranscriptSink {
	return &TranscriptSink{}
}

func (t *TranscriptSink) Write(event *log.LogEvent) error {
	var b strings.Builder
	b.WriteString(event.Timestamp.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(event.Level.String()))
	if event.Message != "" {
		b.WriteByte(' ')
		b.WriteString(event.Message)
	}

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		if _, skip := transcriptSkipFields[k]; !skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, event.Fields[k])
	}

	t.mu.Lock()
	t.lines = append(t.lines, b.String())
	t.mu.Unlock()
	return nil
}

// Lines returns a copy of the transcript so far.
func (t *TranscriptSink) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *TranscriptSink) Close() error {
	return nil
}
