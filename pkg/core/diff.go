package core

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ScriptDiff is a line diff between two script versions.
type ScriptDiff struct {
	Text    string
	Added   int
	Deleted int
}

// Summary is the short form kept in version notes.
func (d ScriptDiff) Summary() string {
	return fmt.Sprintf("+%d -%d lines", d.Added, d.Deleted)
}

// DiffScripts compares two scripts line by line. Text prefixes every line
// with "+", "-" or a space.
func DiffScripts(oldCode, newCode string) ScriptDiff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldCode, newCode)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out ScriptDiff
	var sb strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				out.Added++
			case diffmatchpatch.DiffDelete:
				out.Deleted++
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	out.Text = sb.String()
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
