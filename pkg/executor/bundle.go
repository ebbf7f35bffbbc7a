package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/security"
)

// Bundle is the artifact directory of one failed execution:
// <root>/<run_id>/attempt-<n>/.
type Bundle struct {
	Dir      string
	redactor *security.Redactor
}

func NewBundle(root, runID string, attempt int, redactor *security.Redactor) (*Bundle, error) {
	dir := filepath.Join(root, runID, fmt.Sprintf("attempt-%d", attempt))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &Bundle{Dir: dir, redactor: redactor}, nil
}

// WriteText redacts text before it reaches disk.
func (b *Bundle) WriteText(name, text string) error {
	return os.WriteFile(filepath.Join(b.Dir, name), []byte(b.redactor.Redact(text)), 0o644)
}

func (b *Bundle) WriteScreenshot(img []byte) error {
	if len(img) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(b.Dir, "screenshot.png"), img, 0o644)
}

func (b *Bundle) WriteTrace(events []browser.TraceEvent) error {
	if events == nil {
		events = []browser.TraceEvent{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return b.WriteText("trace.json", string(data))
}

func (b *Bundle) WriteLog(lines []string) error {
	return b.WriteText("log.txt", strings.Join(lines, "\n")+"\n")
}
