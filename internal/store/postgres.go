package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"critique/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, name, email, password_hash, role, is_email_verified, deactivated_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsEmailVerified,
		&user.DeactivatedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

// EnsureUserByName backs the dev name login: it finds the user or creates a
// verified editor account with a synthesized local address.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE name=$1 ORDER BY created_at ASC LIMIT 1
	`, name))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	id := util.NewID("usr")
	insert := `
		INSERT INTO users (id, name, email, password_hash, role, is_email_verified)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.critique.dev'), '', 'editor', TRUE)
		RETURNING ` + userColumns
	user, err = scanUser(s.db.QueryRowContext(ctx, insert, id, name))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("verification token not found or expired")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1
	`, userID, role)
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user role rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(
			&user.ID,
			&user.Name,
			&user.Email,
			&user.PasswordHash,
			&user.Role,
			&user.IsEmailVerified,
			&user.DeactivatedAt,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreateRepository(ctx context.Context, repo Repository) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, url, default_branch, status, connected_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, repo.ID, repo.Name, repo.URL, repo.DefaultBranch, repo.Status, repo.ConnectedBy)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, repoID string) (Repository, error) {
	var item Repository
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, default_branch, status, error, last_commit, last_synced_at, connected_by, created_at, updated_at
		FROM repositories
		WHERE id=$1
	`, repoID).Scan(
		&item.ID,
		&item.Name,
		&item.URL,
		&item.DefaultBranch,
		&item.Status,
		&item.Error,
		&item.LastCommit,
		&item.LastSyncedAt,
		&item.ConnectedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Repository{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, default_branch, status, error, last_commit, last_synced_at, connected_by, created_at, updated_at
		FROM repositories
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	items := make([]Repository, 0)
	for rows.Next() {
		var item Repository
		if err := rows.Scan(
			&item.ID,
			&item.Name,
			&item.URL,
			&item.DefaultBranch,
			&item.Status,
			&item.Error,
			&item.LastCommit,
			&item.LastSyncedAt,
			&item.ConnectedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateRepositoryStatus(ctx context.Context, repoID, status, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET status=$2, error=$3, updated_at=NOW() WHERE id=$1
	`, repoID, status, errorMsg)
	if err != nil {
		return fmt.Errorf("update repository status: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRepositorySynced(ctx context.Context, repoID, commit string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories
		SET status=$2, error='', last_commit=$3, last_synced_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, repoID, RepoStatusConnected, commit)
	if err != nil {
		return fmt.Errorf("mark repository synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRepository(ctx context.Context, repoID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id=$1`, repoID)
	if err != nil {
		return false, fmt.Errorf("delete repository: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete repository rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CountAnalysesForRepository(ctx context.Context, repoID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses WHERE repository_id=$1`, repoID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count repository analyses: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateRubric(ctx context.Context, rubric Rubric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rubric tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rubrics (id, owner_id, name, description)
		VALUES ($1, $2, $3, $4)
	`, rubric.ID, rubric.OwnerID, rubric.Name, rubric.Description); err != nil {
		return fmt.Errorf("insert rubric: %w", err)
	}
	if err := insertCriteria(ctx, tx, rubric.ID, rubric.Criteria); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rubric: %w", err)
	}
	return nil
}

func insertCriteria(ctx context.Context, tx *sql.Tx, rubricID string, criteria []RubricCriterion) error {
	for position, criterion := range criteria {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rubric_criteria (rubric_id, id, title, description, weight, max_score, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rubricID, criterion.ID, criterion.Title, criterion.Description, criterion.Weight, criterion.MaxScore, position); err != nil {
			return fmt.Errorf("insert rubric criterion: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRubric(ctx context.Context, rubricID string) (Rubric, error) {
	var item Rubric
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, created_at, updated_at
		FROM rubrics
		WHERE id=$1
	`, rubricID).Scan(&item.ID, &item.OwnerID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Rubric{}, err
	}

	criteria, err := s.listCriteria(ctx, rubricID)
	if err != nil {
		return Rubric{}, err
	}
	item.Criteria = criteria
	return item, nil
}

func (s *PostgresStore) listCriteria(ctx context.Context, rubricID string) ([]RubricCriterion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, weight, max_score
		FROM rubric_criteria
		WHERE rubric_id=$1
		ORDER BY position ASC
	`, rubricID)
	if err != nil {
		return nil, fmt.Errorf("list rubric criteria: %w", err)
	}
	defer rows.Close()

	items := make([]RubricCriterion, 0)
	for rows.Next() {
		var item RubricCriterion
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.Weight, &item.MaxScore); err != nil {
			return nil, fmt.Errorf("scan rubric criterion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rubric criteria: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListRubrics(ctx context.Context, ownerID string) ([]Rubric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.owner_id, r.name, r.description, r.created_at, r.updated_at,
			COALESCE(c.id, ''), COALESCE(c.title, ''), COALESCE(c.description, ''),
			COALESCE(c.weight, 0), COALESCE(c.max_score, 0)
		FROM rubrics r
		LEFT JOIN rubric_criteria c ON c.rubric_id = r.id
		WHERE ($1='' OR r.owner_id=$1)
		ORDER BY r.created_at DESC, c.position ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list rubrics: %w", err)
	}
	defer rows.Close()

	items := make([]Rubric, 0)
	index := make(map[string]int)
	for rows.Next() {
		var rubric Rubric
		var criterion RubricCriterion
		if err := rows.Scan(
			&rubric.ID,
			&rubric.OwnerID,
			&rubric.Name,
			&rubric.Description,
			&rubric.CreatedAt,
			&rubric.UpdatedAt,
			&criterion.ID,
			&criterion.Title,
			&criterion.Description,
			&criterion.Weight,
			&criterion.MaxScore,
		); err != nil {
			return nil, fmt.Errorf("scan rubric row: %w", err)
		}
		at, seen := index[rubric.ID]
		if !seen {
			rubric.Criteria = make([]RubricCriterion, 0)
			items = append(items, rubric)
			at = len(items) - 1
			index[rubric.ID] = at
		}
		if criterion.ID != "" {
			items[at].Criteria = append(items[at].Criteria, criterion)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rubrics: %w", err)
	}
	return items, nil
}

// UpdateRubric replaces the rubric row and its criteria wholesale.
func (s *PostgresStore) UpdateRubric(ctx context.Context, rubric Rubric) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rubric update tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE rubrics SET name=$2, description=$3, updated_at=NOW() WHERE id=$1
	`, rubric.ID, rubric.Name, rubric.Description)
	if err != nil {
		return false, fmt.Errorf("update rubric: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update rubric rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rubric_criteria WHERE rubric_id=$1`, rubric.ID); err != nil {
		return false, fmt.Errorf("clear rubric criteria: %w", err)
	}
	if err := insertCriteria(ctx, tx, rubric.ID, rubric.Criteria); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rubric update: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) DeleteRubric(ctx context.Context, rubricID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rubrics WHERE id=$1`, rubricID)
	if err != nil {
		return false, fmt.Errorf("delete rubric: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rubric rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CountAnalysesForRubric(ctx context.Context, rubricID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses WHERE rubric_id=$1`, rubricID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rubric analyses: %w", err)
	}
	return count, nil
}

const analysisColumns = `id, repository_id, rubric_id, ref, commit_hash, status, engine, score, max_score, summary, error, artifact_key, requested_by, created_at, started_at, completed_at, duration_ms`

func (s *PostgresStore) CreateAnalysis(ctx context.Context, analysis Analysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, repository_id, rubric_id, ref, status, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, analysis.ID, analysis.RepositoryID, analysis.RubricID, analysis.Ref, analysis.Status, analysis.RequestedBy)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func scanAnalysis(scan func(dest ...any) error) (Analysis, error) {
	var item Analysis
	err := scan(
		&item.ID,
		&item.RepositoryID,
		&item.RubricID,
		&item.Ref,
		&item.Commit,
		&item.Status,
		&item.Engine,
		&item.Score,
		&item.MaxScore,
		&item.Summary,
		&item.Error,
		&item.ArtifactKey,
		&item.RequestedBy,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.DurationMS,
	)
	return item, err
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, analysisID string) (Analysis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id=$1`, analysisID)
	return scanAnalysis(row.Scan)
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]Analysis, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE ($1='' OR repository_id=$1)
		  AND ($2='' OR rubric_id=$2)
		  AND ($3='' OR status=$3)
		  AND ($4='' OR requested_by=$4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`, filter.RepositoryID, filter.RubricID, filter.Status, filter.RequestedBy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	items := make([]Analysis, 0)
	for rows.Next() {
		item, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkAnalysisRunning(ctx context.Context, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET status=$2, started_at=NOW() WHERE id=$1
	`, analysisID, AnalysisStatusRunning)
	if err != nil {
		return fmt.Errorf("mark analysis running: %w", err)
	}
	return nil
}

// CompleteAnalysis records the finished run with its scores and findings in
// one transaction so a partially written report can never be read back.
func (s *PostgresStore) CompleteAnalysis(ctx context.Context, analysis Analysis, scores []AnalysisScore, findings []Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE analyses
		SET status=$2, engine=$3, commit_hash=$4, score=$5, max_score=$6, summary=$7,
			artifact_key=$8, completed_at=NOW(), duration_ms=$9, error=''
		WHERE id=$1
	`, analysis.ID, AnalysisStatusCompleted, analysis.Engine, analysis.Commit, analysis.Score,
		analysis.MaxScore, analysis.Summary, analysis.ArtifactKey, analysis.DurationMS); err != nil {
		return fmt.Errorf("complete analysis: %w", err)
	}

	for _, score := range scores {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_scores (analysis_id, criterion_id, title, score, max_score, rationale)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, analysis.ID, score.CriterionID, score.Title, score.Score, score.MaxScore, score.Rationale); err != nil {
			return fmt.Errorf("insert analysis score: %w", err)
		}
	}
	for _, finding := range findings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO findings (id, analysis_id, criterion_id, severity, path, line, message, suggestion)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, finding.ID, analysis.ID, finding.CriterionID, finding.Severity, finding.Path, finding.Line, finding.Message, finding.Suggestion); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailAnalysis(ctx context.Context, analysisID, errorMsg string, durationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analyses
		SET status=$2, error=$3, completed_at=NOW(), duration_ms=$4
		WHERE id=$1
	`, analysisID, AnalysisStatusFailed, errorMsg, durationMS)
	if err != nil {
		return fmt.Errorf("fail analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAnalysis(ctx context.Context, analysisID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id=$1`, analysisID)
	if err != nil {
		return false, fmt.Errorf("delete analysis: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete analysis rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListAnalysisScores(ctx context.Context, analysisID string) ([]AnalysisScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT analysis_id, criterion_id, title, score, max_score, rationale
		FROM analysis_scores
		WHERE analysis_id=$1
		ORDER BY criterion_id ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list analysis scores: %w", err)
	}
	defer rows.Close()

	items := make([]AnalysisScore, 0)
	for rows.Next() {
		var item AnalysisScore
		if err := rows.Scan(&item.AnalysisID, &item.CriterionID, &item.Title, &item.Score, &item.MaxScore, &item.Rationale); err != nil {
			return nil, fmt.Errorf("scan analysis score: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis scores: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, analysisID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, analysis_id, criterion_id, severity, path, line, message, suggestion, created_at
		FROM findings
		WHERE analysis_id=$1
		ORDER BY
			CASE severity
				WHEN 'critical' THEN 0
				WHEN 'major' THEN 1
				WHEN 'minor' THEN 2
				ELSE 3
			END,
			path ASC, line ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	items := make([]Finding, 0)
	for rows.Next() {
		var item Finding
		if err := rows.Scan(
			&item.ID,
			&item.AnalysisID,
			&item.CriterionID,
			&item.Severity,
			&item.Path,
			&item.Line,
			&item.Message,
			&item.Suggestion,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (repositories int, analyses int, rubrics int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repositories),
			(SELECT COUNT(*) FROM analyses),
			(SELECT COUNT(*) FROM rubrics)
	`).Scan(&repositories, &analyses, &rubrics)
	if err != nil {
		err = fmt.Errorf("summary counts: %w", err)
	}
	return repositories, analyses, rubrics, err
}
