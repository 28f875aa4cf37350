// Package analyzer runs rubric-driven code reviews over repository
// snapshots. An Engine produces a scored Report for one snapshot; the
// Service facade picks between the configured LLM engine and the built-in
// heuristic engine so an install without an API key still produces reports.
package analyzer

import (
	"context"

	"critique/api/internal/gitrepo"
	"critique/api/internal/rubric"
)

// Request is one review job: the repository snapshot plus the rubric to
// score it against.
type Request struct {
	RepositoryName string
	RepositoryURL  string
	Ref            string
	Commit         string
	Rubric         rubric.Rubric
	Snapshot       gitrepo.Snapshot
}

// Score is the per-criterion verdict of a report.
type Score struct {
	CriterionID string  `json:"criterionId"`
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"maxScore"`
	Rationale   string  `json:"rationale"`
}

// Finding is one concrete issue located in the snapshot. Line 0 means the
// finding applies to the whole file or repository.
type Finding struct {
	CriterionID string `json:"criterionId"`
	Severity    string `json:"severity"`
	Path        string `json:"path"`
	Line        int    `json:"line"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Report is the outcome of one review. Total and MaxTotal are the weighted
// sums over the rubric.
type Report struct {
	Summary  string    `json:"summary"`
	Scores   []Score   `json:"scores"`
	Findings []Finding `json:"findings"`
	Engine   string    `json:"engine"`
	Total    float64   `json:"total"`
	MaxTotal float64   `json:"maxTotal"`
}

// Engine reviews snapshots. Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Review(ctx context.Context, req Request) (Report, error)
}

// finalize clamps scores to the rubric, fills in titles and max scores from
// the criterion definitions, and computes the weighted totals. Scores for
// unknown criteria are dropped; criteria the engine skipped get a zero score
// so the totals always cover the whole rubric.
func finalize(req Request, report Report) Report {
	byID := make(map[string]rubric.Criterion, len(req.Rubric.Criteria))
	for _, criterion := range req.Rubric.Criteria {
		byID[criterion.ID] = criterion
	}

	kept := make(map[string]bool, len(report.Scores))
	scores := make([]Score, 0, len(req.Rubric.Criteria))
	for _, score := range report.Scores {
		criterion, ok := byID[score.CriterionID]
		if !ok || kept[score.CriterionID] {
			continue
		}
		kept[score.CriterionID] = true
		if score.Score < 0 {
			score.Score = 0
		}
		if score.Score > criterion.MaxScore {
			score.Score = criterion.MaxScore
		}
		score.Title = criterion.Title
		score.MaxScore = criterion.MaxScore
		scores = append(scores, score)
	}
	for _, criterion := range req.Rubric.Criteria {
		if !kept[criterion.ID] {
			scores = append(scores, Score{
				CriterionID: criterion.ID,
				Title:       criterion.Title,
				MaxScore:    criterion.MaxScore,
				Rationale:   "Not assessed.",
			})
		}
	}

	findings := make([]Finding, 0, len(report.Findings))
	for _, finding := range report.Findings {
		if finding.Message == "" {
			continue
		}
		if !validSeverity(finding.Severity) {
			finding.Severity = "info"
		}
		findings = append(findings, finding)
	}

	total, maxTotal := 0.0, 0.0
	for _, score := range scores {
		weight := byID[score.CriterionID].Weight
		total += weight * score.Score
		maxTotal += weight * score.MaxScore
	}

	report.Scores = scores
	report.Findings = findings
	report.Total = total
	report.MaxTotal = maxTotal
	return report
}

func validSeverity(severity string) bool {
	switch severity {
	case "info", "minor", "major", "critical":
		return true
	}
	return false
}
