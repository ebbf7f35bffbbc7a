package core

import "path/filepath"

// ResolvePathFromWorkflow resolves a path from a workflow file.
// Absolute paths are returned as is; relative ones are joined with workflowDir.
func ResolvePathFromWorkflow(workflowDir, pathFromYAML string) string {
	if pathFromYAML == "" || filepath.IsAbs(pathFromYAML) {
		return pathFromYAML
	}
	return filepath.Join(workflowDir, pathFromYAML)
}
