// Package rubric defines the evaluation-criteria model used by analyses:
// a named set of weighted criteria, each scored out of a maximum. Rubrics
// travel as YAML for import and export.
package rubric

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const maxCriteria = 50

var (
	ErrNoName          = errors.New("rubric name is required")
	ErrNoCriteria      = errors.New("rubric needs at least one criterion")
	ErrTooManyCriteria = fmt.Errorf("rubric cannot have more than %d criteria", maxCriteria)
)

// Criterion is one weighted scoring dimension of a rubric. The ID is a slug
// derived from the title when not supplied explicitly.
type Criterion struct {
	ID          string  `yaml:"id,omitempty" json:"id"`
	Title       string  `yaml:"title" json:"title"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Weight      float64 `yaml:"weight" json:"weight"`
	MaxScore    float64 `yaml:"maxScore" json:"maxScore"`
}

// Rubric is the evaluation template an analysis scores a repository against.
type Rubric struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Criteria    []Criterion `yaml:"criteria" json:"criteria"`
}

// Normalize trims whitespace and fills in missing criterion IDs from their
// titles. It mutates the rubric in place and must run before Validate so the
// uniqueness check sees the derived IDs.
func (r *Rubric) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	for i := range r.Criteria {
		criterion := &r.Criteria[i]
		criterion.ID = strings.TrimSpace(criterion.ID)
		criterion.Title = strings.TrimSpace(criterion.Title)
		criterion.Description = strings.TrimSpace(criterion.Description)
		if criterion.ID == "" {
			criterion.ID = Slug(criterion.Title)
		}
	}
}

// Validate checks the rubric invariants: a name, 1..50 criteria, each with a
// title, a unique non-empty ID, a positive weight, and a positive max score.
func (r *Rubric) Validate() error {
	if r.Name == "" {
		return ErrNoName
	}
	if len(r.Criteria) == 0 {
		return ErrNoCriteria
	}
	if len(r.Criteria) > maxCriteria {
		return ErrTooManyCriteria
	}

	seen := make(map[string]bool, len(r.Criteria))
	for i, criterion := range r.Criteria {
		if criterion.Title == "" {
			return fmt.Errorf("criterion %d: title is required", i+1)
		}
		if criterion.ID == "" {
			return fmt.Errorf("criterion %q: id is required", criterion.Title)
		}
		if seen[criterion.ID] {
			return fmt.Errorf("criterion id %q is duplicated", criterion.ID)
		}
		seen[criterion.ID] = true
		if criterion.Weight <= 0 {
			return fmt.Errorf("criterion %q: weight must be positive", criterion.Title)
		}
		if criterion.MaxScore <= 0 {
			return fmt.Errorf("criterion %q: maxScore must be positive", criterion.Title)
		}
	}
	return nil
}

// MaxTotal is the weighted maximum score of the rubric.
func (r *Rubric) MaxTotal() float64 {
	total := 0.0
	for _, criterion := range r.Criteria {
		total += criterion.Weight * criterion.MaxScore
	}
	return total
}

// Slug derives a criterion ID from a title: lowercase, alphanumerics kept,
// runs of anything else collapsed to single hyphens.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Default is the starter rubric seeded at bootstrap so a fresh install can
// run an analysis immediately.
func Default() Rubric {
	return Rubric{
		Name:        "General Code Review",
		Description: "Baseline review criteria for any codebase.",
		Criteria: []Criterion{
			{ID: "correctness", Title: "Correctness", Description: "Logic errors, unhandled edge cases, races.", Weight: 3, MaxScore: 10},
			{ID: "readability", Title: "Readability", Description: "Naming, structure, and idiomatic style.", Weight: 2, MaxScore: 10},
			{ID: "testing", Title: "Testing", Description: "Coverage and quality of automated tests.", Weight: 2, MaxScore: 10},
			{ID: "documentation", Title: "Documentation", Description: "READMEs, doc comments, onboarding material.", Weight: 1, MaxScore: 10},
			{ID: "maintainability", Title: "Maintainability", Description: "Coupling, duplication, dead code, TODO debt.", Weight: 2, MaxScore: 10},
		},
	}
}
