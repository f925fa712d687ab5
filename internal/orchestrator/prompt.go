package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobctl/jobctl/internal/budget"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/workspace"
)

// promptContext is the context object of spec.md §4.2.1 step 5: the id,
// description, status, and phase are always present; the rest are
// "enhanced fields" included on a best-effort basis.
type promptContext struct {
	JobID            string
	Objective        string
	Details          string
	Status           string
	Phase            string
	Role             string
	RoleInstructions string
	HistorySummary   string
	MetricsSummary   string
	FileTree         string
	GitStatus        string
	PreviousOutcome  string
}

// roleFilePath returns the conventional path for role's instruction file
// under jobsDir (e.g. <jobsDir>/Worker.md), the file `jobctl init` seeds and
// `jobctl role inspect` reads back.
func roleFilePath(jobsDir, role string) string {
	return filepath.Join(jobsDir, role+".md")
}

// buildPromptContext assembles the context object for m's current phase,
// gathering the enhanced fields best-effort: a missing git status, file
// tree, or role file degrades the prompt, it never fails the step.
func buildPromptContext(m *manifest.Manifest, layout workspace.Layout, jobsDir, role, previousOutcome string) promptContext {
	phase := ""
	if m.CurrentPhase != nil {
		phase = *m.CurrentPhase
	}

	ctx := promptContext{
		JobID:           m.JobID,
		Objective:       m.Config.Objective,
		Details:         m.Config.Details,
		Status:          string(m.Status),
		Phase:           phase,
		Role:            role,
		HistorySummary:  summarizeHistory(m),
		MetricsSummary:  summarizeBudget(m),
		PreviousOutcome: previousOutcome,
	}

	if data, err := os.ReadFile(roleFilePath(jobsDir, role)); err == nil {
		ctx.RoleInstructions = strings.TrimSpace(string(data))
	}
	if tree, err := fileTree(layout.WorkspaceDir, 200); err == nil {
		ctx.FileTree = tree
	}
	if st, err := workspace.GitStatus(layout, gitStatusTimeout); err == nil {
		ctx.GitStatus = renderGitStatus(st)
	}
	return ctx
}

// summarizeHistory renders the last few history entries, newest last, in
// one short block.
func summarizeHistory(m *manifest.Manifest) string {
	if len(m.History) == 0 {
		return "no prior history"
	}
	start := 0
	if len(m.History) > maxHistorySummaryEntries {
		start = len(m.History) - maxHistorySummaryEntries
	}
	var b strings.Builder
	for _, h := range m.History[start:] {
		label := h.Action
		if label == "" {
			label = h.Event
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", h.Timestamp.Format("2006-01-02T15:04:05Z"), label, h.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarizeBudget(m *manifest.Manifest) string {
	snap := budget.BuildSnapshot(m)
	return fmt.Sprintf("cost=$%.2f (%.0f%%) time=%.1fm (%.0f%%) steps=%d status=%s",
		snap.CumulativeCost, snap.CostPercent,
		snap.CumulativeTimeSeconds/60, snap.TimePercent,
		snap.StepCount, snap.Status)
}

func renderGitStatus(st *workspace.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "branch=%s staged=%d unstaged=%d untracked=%d\n",
		st.Branch, len(st.Staged), len(st.Unstaged), len(st.Untracked))
	for _, c := range st.RecentCommits {
		fmt.Fprintf(&b, "  %s %s\n", c.Hash, c.Subject)
	}
	return strings.TrimRight(b.String(), "\n")
}

// fileTree walks dir and renders a flat list of relative paths, capped at
// maxEntries so a large workspace doesn't blow out the prompt.
func fileTree(dir string, maxEntries int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	count := 0
	var walk func(path, prefix string) error
	walk = func(path, prefix string) error {
		items, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, it := range items {
			if count >= maxEntries {
				return nil
			}
			if strings.HasPrefix(it.Name(), ".") {
				continue
			}
			rel := prefix + it.Name()
			if it.IsDir() {
				fmt.Fprintf(&b, "%s/\n", rel)
				count++
				if err := walk(path+"/"+it.Name(), rel+"/"); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(&b, "%s\n", rel)
				count++
			}
		}
		return nil
	}
	_ = entries
	if err := walk(dir, ""); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// renderPrompt flattens ctx into the single text blob handed to the
// executor, per spec.md §4.2.1 step 5. The layout mirrors the teacher's
// plain labeled-section prompt construction in buildPromptForPhase.
func renderPrompt(ctx promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", ctx.JobID)
	fmt.Fprintf(&b, "Status: %s\n", ctx.Status)
	fmt.Fprintf(&b, "Phase: %s\n", ctx.Phase)
	fmt.Fprintf(&b, "Role: %s\n\n", ctx.Role)
	if ctx.RoleInstructions != "" {
		fmt.Fprintf(&b, "Role instructions:\n%s\n\n", ctx.RoleInstructions)
	}
	fmt.Fprintf(&b, "Objective:\n%s\n", ctx.Objective)
	if ctx.Details != "" {
		fmt.Fprintf(&b, "\nDetails:\n%s\n", ctx.Details)
	}
	fmt.Fprintf(&b, "\nRecent history:\n%s\n", ctx.HistorySummary)
	fmt.Fprintf(&b, "\nBudget:\n%s\n", ctx.MetricsSummary)
	if ctx.FileTree != "" {
		fmt.Fprintf(&b, "\nWorkspace files:\n%s\n", ctx.FileTree)
	}
	if ctx.GitStatus != "" {
		fmt.Fprintf(&b, "\nWorkspace git status:\n%s\n", ctx.GitStatus)
	}
	if ctx.PreviousOutcome != "" {
		fmt.Fprintf(&b, "\nPrevious outcome:\n%s\n", ctx.PreviousOutcome)
	}
	return b.String()
}

// writePromptFile renders ctx and writes it to a temp file under dir,
// returning the path the executor should be invoked with.
func writePromptFile(dir string, ctx promptContext) (string, error) {
	f, err := os.CreateTemp(dir, "jobctl-prompt-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(renderPrompt(ctx)); err != nil {
		return "", err
	}
	return f.Name(), nil
}
