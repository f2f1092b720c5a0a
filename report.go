package ensemble

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// writeReport stores the final workflow state as {workflow_id}.json plus a
// human-readable {workflow_id}.md next to it.
func writeReport(dir string, st *WorkflowState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report dir: %w", err)
	}

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	jsonPath := filepath.Join(dir, st.WorkflowID+".json")
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}

	mdPath := filepath.Join(dir, st.WorkflowID+".md")
	if err := os.WriteFile(mdPath, []byte(renderReport(st)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", mdPath, err)
	}
	return nil
}

func renderReport(st *WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow %s\n\n", st.WorkflowID)
	fmt.Fprintf(&b, "- Type: %s\n", st.Type)
	fmt.Fprintf(&b, "- Status: %s\n", st.Status)
	fmt.Fprintf(&b, "- Started: %s\n", st.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if !st.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Finished: %s (%s)\n", st.CompletedAt.Format("2006-01-02 15:04:05 MST"),
			st.CompletedAt.Sub(st.StartedAt).Round(1e6))
	}
	fmt.Fprintf(&b, "- Tokens: %d in, %d out\n", st.Usage.PromptTokens, st.Usage.CompletionTokens)

	b.WriteString("\n## Requirement\n\n")
	b.WriteString(st.Requirement)
	b.WriteString("\n")
	if st.Context != "" {
		b.WriteString("\n## Context\n\n")
		b.WriteString(st.Context)
		b.WriteString("\n")
	}

	b.WriteString("\n## Tasks\n\n")
	b.WriteString("| Task | Role | Status | Files | Attempts |\n")
	b.WriteString("|------|------|--------|-------|----------|\n")
	for _, out := range st.Outputs {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d |\n",
			out.TaskID, out.Role, out.Status, len(out.FilesWritten), out.Attempts)
	}
	var silent []string
	for id := range st.Tasks {
		if st.Output(id) == nil {
			silent = append(silent, id)
		}
	}
	sort.Strings(silent)
	for _, id := range silent {
		fmt.Fprintf(&b, "| %s | | %s | 0 | 0 |\n", id, st.Tasks[id])
	}

	for _, out := range st.Outputs {
		if out.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "\n### %s (%s)\n\n%s\n", out.TaskID, out.Role, out.Summary)
	}

	if len(st.FilesWritten) > 0 {
		b.WriteString("\n## Files written\n\n")
		for _, f := range st.FilesWritten {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(st.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range st.Errors {
			fmt.Fprintf(&b, "- %s: [%s] %s\n", e.Step, e.Kind, e.Message)
		}
	}
	return b.String()
}
