package analyzer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"critique/api/internal/gitrepo"
)

// HeuristicEngine scores snapshots with deterministic signal checks: TODO
// density, oversized files, test and documentation presence. It is not a
// substitute for a real review, but it keeps the platform functional when no
// LLM is configured and gives tests a stable engine.
type HeuristicEngine struct{}

func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

func (e *HeuristicEngine) Name() string {
	return "heuristic"
}

const (
	oversizeLines    = 600
	todoPerFileSlack = 2
)

func (e *HeuristicEngine) Review(ctx context.Context, req Request) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	signals := collectSignals(req.Snapshot.Files)

	report := Report{
		Summary: fmt.Sprintf(
			"Heuristic review of %d files at %s: %d TODO/FIXME markers, %d oversized files, tests %s, docs %s.",
			len(req.Snapshot.Files), shortCommit(req.Commit), signals.todoCount, len(signals.oversized),
			presence(signals.hasTests), presence(signals.hasDocs),
		),
		Engine: e.Name(),
	}

	for _, criterion := range req.Rubric.Criteria {
		fraction, rationale := signals.assess(criterion.ID, criterion.Title)
		report.Scores = append(report.Scores, Score{
			CriterionID: criterion.ID,
			Score:       round1(fraction * criterion.MaxScore),
			Rationale:   rationale,
		})
	}
	report.Findings = signals.findings()

	return finalize(req, report), nil
}

type fileStat struct {
	path  string
	lines int
	todos int
}

type snapshotSignals struct {
	todoCount int
	oversized []fileStat
	todoFiles []fileStat
	hasTests  bool
	hasDocs   bool
	fileCount int
}

func collectSignals(files []gitrepo.SnapshotFile) snapshotSignals {
	signals := snapshotSignals{fileCount: len(files)}
	for _, file := range files {
		lower := strings.ToLower(file.Path)
		base := path.Base(lower)
		if strings.Contains(base, "_test.") || strings.HasPrefix(base, "test_") ||
			strings.Contains(lower, ".spec.") || strings.Contains(lower, ".test.") {
			signals.hasTests = true
		}
		if strings.HasSuffix(lower, ".md") {
			signals.hasDocs = true
		}

		lines := strings.Count(file.Content, "\n") + 1
		todos := strings.Count(file.Content, "TODO") + strings.Count(file.Content, "FIXME")
		signals.todoCount += todos
		stat := fileStat{path: file.Path, lines: lines, todos: todos}
		if lines > oversizeLines {
			signals.oversized = append(signals.oversized, stat)
		}
		if todos > todoPerFileSlack {
			signals.todoFiles = append(signals.todoFiles, stat)
		}
	}
	sort.Slice(signals.oversized, func(i, j int) bool {
		return signals.oversized[i].lines > signals.oversized[j].lines
	})
	sort.Slice(signals.todoFiles, func(i, j int) bool {
		return signals.todoFiles[i].todos > signals.todoFiles[j].todos
	})
	return signals
}

// assess maps one criterion to a score fraction in [0,1] using whichever
// signals plausibly relate to it. Criteria with no matching signal get a
// neutral score so the heuristic never dominates a mixed report.
func (s snapshotSignals) assess(criterionID, title string) (float64, string) {
	key := strings.ToLower(criterionID + " " + title)

	switch {
	case strings.Contains(key, "test"):
		if s.hasTests {
			return 0.8, "Test files are present in the snapshot."
		}
		return 0.2, "No test files found in the snapshot."
	case strings.Contains(key, "doc"):
		if s.hasDocs {
			return 0.8, "Documentation files are present."
		}
		return 0.3, "No markdown documentation found."
	case strings.Contains(key, "maintain") || strings.Contains(key, "readab") || strings.Contains(key, "style"):
		fraction := 0.8
		rationale := "No oversized files and little TODO debt."
		if len(s.oversized) > 0 {
			fraction -= 0.2
			rationale = fmt.Sprintf("%d files exceed %d lines.", len(s.oversized), oversizeLines)
		}
		if s.fileCount > 0 && s.todoCount > s.fileCount {
			fraction -= 0.2
			rationale += " TODO/FIXME markers outnumber files."
		}
		return fraction, rationale
	default:
		return 0.6, "No heuristic signal for this criterion; neutral score."
	}
}

func (s snapshotSignals) findings() []Finding {
	findings := make([]Finding, 0, len(s.oversized)+len(s.todoFiles))
	for _, stat := range s.oversized {
		findings = append(findings, Finding{
			Severity:   "minor",
			Path:       stat.path,
			Message:    fmt.Sprintf("File is %d lines long; consider splitting it.", stat.lines),
			Suggestion: "Extract cohesive pieces into their own files.",
		})
	}
	for _, stat := range s.todoFiles {
		findings = append(findings, Finding{
			Severity: "info",
			Path:     stat.path,
			Message:  fmt.Sprintf("File carries %d TODO/FIXME markers.", stat.todos),
		})
	}
	return findings
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	if commit == "" {
		return "HEAD"
	}
	return commit
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
