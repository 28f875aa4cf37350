// Package search provides full-text search across analyses, rubrics, and
// repositories. Meilisearch is the primary backend when configured;
// Postgres full-text search is the always-available fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultAnalysis   ResultType = "analysis"
	ResultRubric     ResultType = "rubric"
	ResultRepository ResultType = "repository"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Status  string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the payload returned to the HTTP layer.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// AnalysisRecord is the indexable form of an analysis run.
type AnalysisRecord struct {
	ID           string `json:"id"`
	Summary      string `json:"summary"`
	Ref          string `json:"ref"`
	Status       string `json:"status"`
	RepositoryID string `json:"repositoryId"`
	RubricID     string `json:"rubricId"`
}

// RubricRecord is the indexable form of a rubric.
type RubricRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerID     string `json:"ownerId"`
}

// RepositoryRecord is the indexable form of a connected repository.
type RepositoryRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
}
