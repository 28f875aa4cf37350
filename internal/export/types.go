// Package export renders finished analysis reports as downloadable
// PDF or DOCX files.
package export

import (
	"errors"
	"time"
)

// Format names an export output format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

var (
	// ErrPDFDependencyMissing indicates no chromium binary is available
	// to render PDFs.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

// ScoreRow is one rubric criterion result on the report.
type ScoreRow struct {
	Criterion string
	Score     float64
	MaxScore  float64
	Rationale string
}

// FindingRow is one reported issue on the report.
type FindingRow struct {
	Severity string
	Path     string
	Line     int
	Message  string
}

// ReportData carries everything the renderer needs to lay out a report.
type ReportData struct {
	AnalysisID     string
	RepositoryName string
	RepositoryURL  string
	Ref            string
	Commit         string
	RubricName     string
	Engine         string
	Summary        string
	Score          float64
	MaxScore       float64
	CompletedAt    time.Time
	Scores         []ScoreRow
	Findings       []FindingRow
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}
