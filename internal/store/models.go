package store

import "time"

type User struct {
	ID                    string
	Name                  string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Repository statuses. A repository is "connecting" while the initial mirror
// clone runs, "syncing" during a fetch, and settles on "connected" or "error".
const (
	RepoStatusConnecting = "connecting"
	RepoStatusConnected  = "connected"
	RepoStatusSyncing    = "syncing"
	RepoStatusError      = "error"
)

type Repository struct {
	ID            string
	Name          string
	URL           string
	DefaultBranch string
	Status        string
	Error         string
	LastCommit    string
	LastSyncedAt  *time.Time
	ConnectedBy   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Rubric struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Criteria    []RubricCriterion
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type RubricCriterion struct {
	ID          string
	Title       string
	Description string
	Weight      float64
	MaxScore    float64
}

// Analysis statuses. Runs are created "queued", move to "running" when the
// background worker picks them up, and finish "completed" or "failed".
const (
	AnalysisStatusQueued    = "queued"
	AnalysisStatusRunning   = "running"
	AnalysisStatusCompleted = "completed"
	AnalysisStatusFailed    = "failed"
)

type Analysis struct {
	ID           string
	RepositoryID string
	RubricID     string
	Ref          string
	Commit       string
	Status       string
	Engine       string
	Score        float64
	MaxScore     float64
	Summary      string
	Error        string
	ArtifactKey  string
	RequestedBy  string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMS   int64
}

type AnalysisScore struct {
	AnalysisID  string
	CriterionID string
	Title       string
	Score       float64
	MaxScore    float64
	Rationale   string
}

// Finding severities, ordered from informational to blocking.
const (
	SeverityInfo     = "info"
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

type Finding struct {
	ID          string
	AnalysisID  string
	CriterionID string
	Severity    string
	Path        string
	Line        int
	Message     string
	Suggestion  string
	CreatedAt   time.Time
}

// AnalysisFilter narrows ListAnalyses. Zero values mean "no filter"; Limit 0
// falls back to the store default.
type AnalysisFilter struct {
	RepositoryID string
	RubricID     string
	Status       string
	RequestedBy  string
	Limit        int
	Offset       int
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
