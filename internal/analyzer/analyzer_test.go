package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"critique/api/internal/gitrepo"
	"critique/api/internal/rubric"
)

func testRequest() Request {
	return Request{
		RepositoryName: "demo",
		RepositoryURL:  "https://example.com/demo.git",
		Ref:            "main",
		Commit:         "0123456789abcdef",
		Rubric: rubric.Rubric{
			Name: "Basics",
			Criteria: []rubric.Criterion{
				{ID: "testing", Title: "Testing", Weight: 2, MaxScore: 10},
				{ID: "documentation", Title: "Documentation", Weight: 1, MaxScore: 10},
				{ID: "maintainability", Title: "Maintainability", Weight: 1, MaxScore: 5},
			},
		},
		Snapshot: gitrepo.Snapshot{
			Files: []gitrepo.SnapshotFile{
				{Path: "main.go", Content: "package main\n// TODO wire flags\nfunc main() {}\n"},
				{Path: "main_test.go", Content: "package main\nfunc TestMain(t *testing.T) {}\n"},
				{Path: "README.md", Content: "# demo\n"},
			},
			TotalFiles: 3,
		},
	}
}

func TestHeuristicEngineIsDeterministic(t *testing.T) {
	engine := NewHeuristicEngine()
	req := testRequest()

	first, err := engine.Review(context.Background(), req)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	second, err := engine.Review(context.Background(), req)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	if first.Total != second.Total || first.Summary != second.Summary {
		t.Errorf("heuristic review not deterministic: %v/%q vs %v/%q",
			first.Total, first.Summary, second.Total, second.Summary)
	}
	if len(first.Scores) != 3 {
		t.Fatalf("expected a score per criterion, got %d", len(first.Scores))
	}
	if first.Engine != "heuristic" {
		t.Errorf("expected engine heuristic, got %q", first.Engine)
	}
	if first.MaxTotal != 2*10+1*10+1*5 {
		t.Errorf("unexpected weighted max total %v", first.MaxTotal)
	}
}

func TestHeuristicEngineRewardsTestsAndDocs(t *testing.T) {
	engine := NewHeuristicEngine()

	with := testRequest()
	withReport, err := engine.Review(context.Background(), with)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	without := testRequest()
	without.Snapshot.Files = []gitrepo.SnapshotFile{
		{Path: "main.go", Content: "package main\nfunc main() {}\n"},
	}
	withoutReport, err := engine.Review(context.Background(), without)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	if withReport.Total <= withoutReport.Total {
		t.Errorf("expected tests+docs snapshot to outscore bare one: %v vs %v",
			withReport.Total, withoutReport.Total)
	}
}

func TestHeuristicEngineFlagsOversizedFiles(t *testing.T) {
	engine := NewHeuristicEngine()
	req := testRequest()
	req.Snapshot.Files = append(req.Snapshot.Files, gitrepo.SnapshotFile{
		Path:    "big.go",
		Content: strings.Repeat("var x = 1\n", oversizeLines+1),
	})

	report, err := engine.Review(context.Background(), req)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	found := false
	for _, finding := range report.Findings {
		if finding.Path == "big.go" && finding.Severity == "minor" {
			found = true
		}
	}
	if !found {
		t.Error("expected a minor finding for the oversized file")
	}
}

func TestParseReportClampsAgainstRubric(t *testing.T) {
	content := `{
		"summary": "Solid overall.",
		"scores": [
			{"criterionId": "testing", "score": 99, "rationale": "thorough"},
			{"criterionId": "invented", "score": 5, "rationale": "made up"},
			{"criterionId": "documentation", "score": -3, "rationale": "none"}
		],
		"findings": [
			{"criterionId": "testing", "severity": "weird", "path": "a.go", "line": 10, "message": "flaky test"},
			{"criterionId": "testing", "severity": "major", "path": "", "line": 0, "message": ""}
		]
	}`

	parsed, err := parseReport(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	report := finalize(testRequest(), parsed)

	byID := make(map[string]Score)
	for _, score := range report.Scores {
		byID[score.CriterionID] = score
	}
	if _, ok := byID["invented"]; ok {
		t.Error("expected scores for unknown criteria to be dropped")
	}
	if got := byID["testing"].Score; got != 10 {
		t.Errorf("expected testing score clamped to 10, got %v", got)
	}
	if got := byID["documentation"].Score; got != 0 {
		t.Errorf("expected documentation score clamped to 0, got %v", got)
	}
	if got := byID["maintainability"].Rationale; got != "Not assessed." {
		t.Errorf("expected skipped criterion to be filled in, got %q", got)
	}

	if len(report.Findings) != 1 {
		t.Fatalf("expected the empty finding dropped, got %d findings", len(report.Findings))
	}
	if report.Findings[0].Severity != "info" {
		t.Errorf("expected unknown severity normalized to info, got %q", report.Findings[0].Severity)
	}
}

func TestParseReportStripsCodeFence(t *testing.T) {
	content := "```json\n{\"summary\": \"ok\", \"scores\": [], \"findings\": []}\n```"
	report, err := parseReport(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.Summary != "ok" {
		t.Errorf("expected summary ok, got %q", report.Summary)
	}
}

func TestParseReportRejectsGarbage(t *testing.T) {
	if _, err := parseReport("the repository looks fine to me"); err == nil {
		t.Error("expected decode error for non-JSON response")
	}
}

type stubEngine struct {
	name   string
	report Report
	err    error
	calls  int
}

func (e *stubEngine) Name() string { return e.name }

func (e *stubEngine) Review(ctx context.Context, req Request) (Report, error) {
	e.calls++
	if e.err != nil {
		return Report{}, e.err
	}
	return e.report, nil
}

func TestServicePrefersPrimaryEngine(t *testing.T) {
	primary := &stubEngine{name: "primary", report: Report{Engine: "primary"}}
	fallback := &stubEngine{name: "fallback", report: Report{Engine: "fallback"}}
	service := NewService(primary, fallback)

	report, err := service.Review(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if report.Engine != "primary" {
		t.Errorf("expected primary engine report, got %q", report.Engine)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not run when primary succeeds, ran %d times", fallback.calls)
	}
}

func TestServiceFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &stubEngine{name: "primary", err: errors.New("quota exceeded")}
	fallback := &stubEngine{name: "fallback", report: Report{Engine: "fallback"}}
	service := NewService(primary, fallback)

	report, err := service.Review(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if report.Engine != "fallback" {
		t.Errorf("expected fallback report, got %q", report.Engine)
	}
}

func TestServiceWithoutPrimaryUsesFallback(t *testing.T) {
	fallback := &stubEngine{name: "fallback", report: Report{Engine: "fallback"}}
	service := NewService(nil, fallback)

	report, err := service.Review(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if report.Engine != "fallback" {
		t.Errorf("expected fallback report, got %q", report.Engine)
	}
}

func TestServiceDoesNotRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &stubEngine{name: "primary", err: context.Canceled}
	fallback := &stubEngine{name: "fallback"}
	service := NewService(primary, fallback)

	if _, err := service.Review(ctx, testRequest()); err == nil {
		t.Fatal("expected error from cancelled review")
	}
	if fallback.calls != 0 {
		t.Errorf("fallback must not run after cancellation, ran %d times", fallback.calls)
	}
}
