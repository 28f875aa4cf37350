package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"critique/api/internal/analyzer"
	"critique/api/internal/config"
	"critique/api/internal/dashboard"
	"critique/api/internal/export"
	"critique/api/internal/gitrepo"
	"critique/api/internal/rubric"
	"critique/api/internal/search"
	"critique/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	updateUserRoleFn       func(context.Context, string, string) (bool, error)
	countUsersFn           func(context.Context) (int, error)
	isRevokedFn            func(context.Context, string) (bool, error)
	createRepositoryFn     func(context.Context, store.Repository) error
	getRepositoryFn        func(context.Context, string) (store.Repository, error)
	listRepositoriesFn     func(context.Context) ([]store.Repository, error)
	updateRepoStatusFn     func(context.Context, string, string, string) error
	markRepoSyncedFn       func(context.Context, string, string) error
	deleteRepositoryFn     func(context.Context, string) (bool, error)
	countRepoAnalysesFn    func(context.Context, string) (int, error)
	createRubricFn         func(context.Context, store.Rubric) error
	getRubricFn            func(context.Context, string) (store.Rubric, error)
	deleteRubricFn         func(context.Context, string) (bool, error)
	countRubricAnalysesFn  func(context.Context, string) (int, error)
	createAnalysisFn       func(context.Context, store.Analysis) error
	getAnalysisFn          func(context.Context, string) (store.Analysis, error)
	listAnalysesFn         func(context.Context, store.AnalysisFilter) ([]store.Analysis, error)
	markAnalysisRunningFn  func(context.Context, string) error
	completeAnalysisFn     func(context.Context, store.Analysis, []store.AnalysisScore, []store.Finding) error
	failAnalysisFn         func(context.Context, string, string, int64) error
	listAnalysisScoresFn   func(context.Context, string) ([]store.AnalysisScore, error)
	listFindingsFn         func(context.Context, string) ([]store.Finding, error)
	saveRefreshSessionFn   func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
	summaryCountsFn        func(context.Context) (int, int, int, error)
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "user-1", Name: name, Role: "editor"}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Name: "Avery", Role: "editor"}, nil
}
func (f *fakeStore) UpdateUserRole(ctx context.Context, userID, role string) (bool, error) {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, userID, role)
	}
	return true, nil
}
func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) CountUsers(ctx context.Context) (int, error) {
	if f.countUsersFn != nil {
		return f.countUsersFn(ctx)
	}
	return 1, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isRevokedFn != nil {
		return f.isRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) CreateRepository(ctx context.Context, repo store.Repository) error {
	if f.createRepositoryFn != nil {
		return f.createRepositoryFn(ctx, repo)
	}
	return nil
}
func (f *fakeStore) GetRepository(ctx context.Context, repoID string) (store.Repository, error) {
	if f.getRepositoryFn != nil {
		return f.getRepositoryFn(ctx, repoID)
	}
	return store.Repository{}, sql.ErrNoRows
}
func (f *fakeStore) ListRepositories(ctx context.Context) ([]store.Repository, error) {
	if f.listRepositoriesFn != nil {
		return f.listRepositoriesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) UpdateRepositoryStatus(ctx context.Context, repoID, status, errorMsg string) error {
	if f.updateRepoStatusFn != nil {
		return f.updateRepoStatusFn(ctx, repoID, status, errorMsg)
	}
	return nil
}
func (f *fakeStore) MarkRepositorySynced(ctx context.Context, repoID, commit string) error {
	if f.markRepoSyncedFn != nil {
		return f.markRepoSyncedFn(ctx, repoID, commit)
	}
	return nil
}
func (f *fakeStore) DeleteRepository(ctx context.Context, repoID string) (bool, error) {
	if f.deleteRepositoryFn != nil {
		return f.deleteRepositoryFn(ctx, repoID)
	}
	return false, nil
}
func (f *fakeStore) CountAnalysesForRepository(ctx context.Context, repoID string) (int, error) {
	if f.countRepoAnalysesFn != nil {
		return f.countRepoAnalysesFn(ctx, repoID)
	}
	return 0, nil
}
func (f *fakeStore) CreateRubric(ctx context.Context, stored store.Rubric) error {
	if f.createRubricFn != nil {
		return f.createRubricFn(ctx, stored)
	}
	return nil
}
func (f *fakeStore) GetRubric(ctx context.Context, rubricID string) (store.Rubric, error) {
	if f.getRubricFn != nil {
		return f.getRubricFn(ctx, rubricID)
	}
	return store.Rubric{}, sql.ErrNoRows
}
func (f *fakeStore) ListRubrics(context.Context, string) ([]store.Rubric, error) { return nil, nil }
func (f *fakeStore) UpdateRubric(context.Context, store.Rubric) (bool, error)    { return true, nil }
func (f *fakeStore) DeleteRubric(ctx context.Context, rubricID string) (bool, error) {
	if f.deleteRubricFn != nil {
		return f.deleteRubricFn(ctx, rubricID)
	}
	return false, nil
}
func (f *fakeStore) CountAnalysesForRubric(ctx context.Context, rubricID string) (int, error) {
	if f.countRubricAnalysesFn != nil {
		return f.countRubricAnalysesFn(ctx, rubricID)
	}
	return 0, nil
}
func (f *fakeStore) CreateAnalysis(ctx context.Context, analysis store.Analysis) error {
	if f.createAnalysisFn != nil {
		return f.createAnalysisFn(ctx, analysis)
	}
	return nil
}
func (f *fakeStore) GetAnalysis(ctx context.Context, analysisID string) (store.Analysis, error) {
	if f.getAnalysisFn != nil {
		return f.getAnalysisFn(ctx, analysisID)
	}
	return store.Analysis{}, sql.ErrNoRows
}
func (f *fakeStore) ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]store.Analysis, error) {
	if f.listAnalysesFn != nil {
		return f.listAnalysesFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) MarkAnalysisRunning(ctx context.Context, analysisID string) error {
	if f.markAnalysisRunningFn != nil {
		return f.markAnalysisRunningFn(ctx, analysisID)
	}
	return nil
}
func (f *fakeStore) CompleteAnalysis(ctx context.Context, analysis store.Analysis, scores []store.AnalysisScore, findings []store.Finding) error {
	if f.completeAnalysisFn != nil {
		return f.completeAnalysisFn(ctx, analysis, scores, findings)
	}
	return nil
}
func (f *fakeStore) FailAnalysis(ctx context.Context, analysisID, errorMsg string, durationMS int64) error {
	if f.failAnalysisFn != nil {
		return f.failAnalysisFn(ctx, analysisID, errorMsg, durationMS)
	}
	return nil
}
func (f *fakeStore) DeleteAnalysis(context.Context, string) (bool, error) { return false, nil }
func (f *fakeStore) ListAnalysisScores(ctx context.Context, analysisID string) ([]store.AnalysisScore, error) {
	if f.listAnalysisScoresFn != nil {
		return f.listAnalysisScoresFn(ctx, analysisID)
	}
	return nil, nil
}
func (f *fakeStore) ListFindings(ctx context.Context, analysisID string) ([]store.Finding, error) {
	if f.listFindingsFn != nil {
		return f.listFindingsFn(ctx, analysisID)
	}
	return nil, nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) SummaryCounts(ctx context.Context) (int, int, int, error) {
	if f.summaryCountsFn != nil {
		return f.summaryCountsFn(ctx)
	}
	return 0, 0, 0, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeGit struct {
	connectFn         func(context.Context, string, string) error
	syncFn            func(context.Context, string) error
	removeFn          func(string) error
	defaultBranchFn   func(string) (string, error)
	branchesFn        func(string) ([]string, error)
	headCommitFn      func(string, string) (store.CommitInfo, error)
	historyFn         func(string, string, int) ([]store.CommitInfo, error)
	collectSnapshotFn func(string, string, int, int) (gitrepo.Snapshot, error)
}

func (f *fakeGit) Connect(ctx context.Context, repoID, url string) error {
	if f.connectFn != nil {
		return f.connectFn(ctx, repoID, url)
	}
	return nil
}
func (f *fakeGit) Sync(ctx context.Context, repoID string) error {
	if f.syncFn != nil {
		return f.syncFn(ctx, repoID)
	}
	return nil
}
func (f *fakeGit) Remove(repoID string) error {
	if f.removeFn != nil {
		return f.removeFn(repoID)
	}
	return nil
}
func (f *fakeGit) DefaultBranch(repoID string) (string, error) {
	if f.defaultBranchFn != nil {
		return f.defaultBranchFn(repoID)
	}
	return "main", nil
}
func (f *fakeGit) Branches(repoID string) ([]string, error) {
	if f.branchesFn != nil {
		return f.branchesFn(repoID)
	}
	return []string{"main"}, nil
}
func (f *fakeGit) HeadCommit(repoID, ref string) (store.CommitInfo, error) {
	if f.headCommitFn != nil {
		return f.headCommitFn(repoID, ref)
	}
	return store.CommitInfo{Hash: "abc1234", Author: "Avery", Message: "head", CreatedAt: time.Now()}, nil
}
func (f *fakeGit) History(repoID, ref string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(repoID, ref, limit)
	}
	return []store.CommitInfo{{Hash: "abc1234", Author: "Avery", Message: "head", CreatedAt: time.Now()}}, nil
}
func (f *fakeGit) CollectSnapshot(repoID, ref string, maxFiles, maxFileBytes int) (gitrepo.Snapshot, error) {
	if f.collectSnapshotFn != nil {
		return f.collectSnapshotFn(repoID, ref, maxFiles, maxFileBytes)
	}
	return gitrepo.Snapshot{
		Commit:     store.CommitInfo{Hash: "abc1234"},
		Files:      []gitrepo.SnapshotFile{{Path: "main.go", Content: "package main\n"}},
		TotalFiles: 1,
	}, nil
}

type fakeEngine struct {
	reviewFn func(context.Context, analyzer.Request) (analyzer.Report, error)
}

func (f *fakeEngine) Review(ctx context.Context, req analyzer.Request) (analyzer.Report, error) {
	if f.reviewFn != nil {
		return f.reviewFn(ctx, req)
	}
	return analyzer.Report{
		Summary:  "Looks fine",
		Engine:   "heuristic",
		Total:    7,
		MaxTotal: 10,
		Scores: []analyzer.Score{
			{CriterionID: "correctness", Title: "Correctness", Score: 7, MaxScore: 10, Rationale: "Solid"},
		},
	}, nil
}

func newTestService(fs *fakeStore, fg *fakeGit) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret:     "test-secret",
			AccessTTL:       time.Hour,
			RefreshTTL:      24 * time.Hour,
			AnalysisTimeout: time.Minute,
		},
		store:      fs,
		git:        fg,
		engine:     &fakeEngine{},
		export:     export.NewService(),
		sessions:   fs,
		rateStamps: make(map[string][]time.Time),
	}
}

func testRubric() store.Rubric {
	return store.Rubric{
		ID:      "rub-1",
		OwnerID: "user-1",
		Name:    "Default",
		Criteria: []store.RubricCriterion{
			{ID: "correctness", Title: "Correctness", Weight: 1, MaxScore: 10},
		},
	}
}

func connectedRepo() store.Repository {
	return store.Repository{
		ID:            "repo-1",
		Name:          "acme-api",
		URL:           "https://example.com/acme/api.git",
		DefaultBranch: "main",
		Status:        store.RepoStatusConnected,
	}
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	saved := 0
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			saved++
			if tokenHash == "" {
				t.Fatalf("expected hashed refresh token, got empty string")
			}
			if userID != "user-1" {
				t.Fatalf("expected refresh session for user-1, got %q", userID)
			}
			return nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", session)
	}
	if saved != 1 {
		t.Fatalf("expected one SaveRefreshSession call, got %d", saved)
	}

	roundTripped, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if roundTripped.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", roundTripped.UserID)
	}
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	fs := &fakeStore{
		isRevokedFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

func TestSessionFromTokenPicksUpRoleChange(t *testing.T) {
	role := "editor"
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Name: "Avery", Role: role}, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	role = "viewer"
	refreshed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if refreshed.Role != "viewer" {
		t.Fatalf("expected demoted role viewer on next request, got %q", refreshed.Role)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	lookups := make([]string, 0, 2)
	revoked := make([]string, 0, 2)
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			lookups = append(lookups, tokenHash)
			return store.User{ID: "user-1", Name: "Avery", Role: "editor"}, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})
	svc.sessions = &fakeSessions{store: fs, revoked: &revoked}

	session, err := svc.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if session.RefreshToken == "old-refresh-token" {
		t.Fatalf("expected a new refresh token after rotation")
	}
	if len(revoked) != 1 {
		t.Fatalf("expected presented refresh token to be revoked, got %d revocations", len(revoked))
	}
}

// fakeSessions wraps fakeStore to record revocations.
type fakeSessions struct {
	store   *fakeStore
	revoked *[]string
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return f.store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
}
func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return f.store.LookupRefreshSession(ctx, tokenHash)
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	*f.revoked = append(*f.revoked, tokenHash)
	return nil
}

func TestViewerResolution(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeGit{})

	if viewer := svc.Viewer(context.Background(), ""); viewer.State != dashboard.ViewerAbsent {
		t.Fatalf("expected absent viewer without token, got %q", viewer.State)
	}
	if viewer := svc.Viewer(context.Background(), "garbage-token"); viewer.State != dashboard.ViewerAbsent {
		t.Fatalf("expected absent viewer for invalid token, got %q", viewer.State)
	}

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	viewer := svc.Viewer(context.Background(), session.Token)
	if viewer.State != dashboard.ViewerPresent {
		t.Fatalf("expected present viewer, got %q", viewer.State)
	}
	if viewer.User == nil || viewer.User.Name != "Avery" {
		t.Fatalf("expected present viewer to carry the user, got %+v", viewer.User)
	}
}

func TestUpdateUserRoleRejectsUnknownRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeGit{})

	_, err := svc.UpdateUserRole(context.Background(), "user-1", "superuser")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestConnectRepositoryRequiresNameAndURL(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeGit{})

	_, err := svc.ConnectRepository(context.Background(), "  ", "https://example.com/r.git", "", "user-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestRemoveRepositoryBlockedWhileInUse(t *testing.T) {
	fs := &fakeStore{
		countRepoAnalysesFn: func(context.Context, string) (int, error) {
			return 3, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	err := svc.RemoveRepository(context.Background(), "repo-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "REPOSITORY_IN_USE" {
		t.Fatalf("expected REPOSITORY_IN_USE, got %s", domainErr.Code)
	}
}

func TestSyncRepositoryConflictsWhileSyncing(t *testing.T) {
	fs := &fakeStore{
		getRepositoryFn: func(_ context.Context, repoID string) (store.Repository, error) {
			repo := connectedRepo()
			repo.Status = store.RepoStatusSyncing
			return repo, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	_, err := svc.SyncRepository(context.Background(), "repo-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "SYNC_IN_PROGRESS" {
		t.Fatalf("expected SYNC_IN_PROGRESS, got %s", domainErr.Code)
	}
}

func TestUpdateRubricOwnershipGate(t *testing.T) {
	fs := &fakeStore{
		getRubricFn: func(_ context.Context, rubricID string) (store.Rubric, error) {
			stored := testRubric()
			stored.OwnerID = "user-2"
			return stored, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	criteria := []rubric.Criterion{{Title: "Correctness", Weight: 1, MaxScore: 10}}

	_, err := svc.UpdateRubric(context.Background(), "rub-1", "Default", "", criteria,
		Session{UserID: "user-1", Role: "editor"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError for non-owner editor, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}

	if _, err := svc.UpdateRubric(context.Background(), "rub-1", "Default", "", criteria,
		Session{UserID: "user-1", Role: "admin"}); err != nil {
		t.Fatalf("expected admin to edit any rubric, got %v", err)
	}
	if _, err := svc.UpdateRubric(context.Background(), "rub-1", "Default", "", criteria,
		Session{UserID: "user-2", Role: "editor"}); err != nil {
		t.Fatalf("expected owner to edit own rubric, got %v", err)
	}
}

func TestDeleteRubricBlockedWhileInUse(t *testing.T) {
	fs := &fakeStore{
		countRubricAnalysesFn: func(context.Context, string) (int, error) {
			return 1, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	err := svc.DeleteRubric(context.Background(), "rub-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "RUBRIC_IN_USE" {
		t.Fatalf("expected RUBRIC_IN_USE, got %s", domainErr.Code)
	}
}

func TestExportRubricSlugsFilename(t *testing.T) {
	fs := &fakeStore{
		getRubricFn: func(context.Context, string) (store.Rubric, error) {
			stored := testRubric()
			stored.Name = "Code Quality Baseline"
			return stored, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	data, filename, err := svc.ExportRubric(context.Background(), "rub-1")
	if err != nil {
		t.Fatalf("ExportRubric() error = %v", err)
	}
	if filename != "code-quality-baseline.yaml" {
		t.Fatalf("filename = %q, want code-quality-baseline.yaml", filename)
	}
	if !strings.Contains(string(data), "Code Quality Baseline") {
		t.Fatalf("exported YAML missing rubric name:\n%s", data)
	}
	if !strings.Contains(string(data), "correctness") {
		t.Fatalf("exported YAML missing criterion:\n%s", data)
	}
}

func TestImportRubricRejectsInvalidYAML(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeGit{})

	_, err := svc.ImportRubric(context.Background(), "user-1", []byte("name: [unclosed"))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateRubricNormalizesCriteria(t *testing.T) {
	var created store.Rubric
	fs := &fakeStore{
		createRubricFn: func(_ context.Context, stored store.Rubric) error {
			created = stored
			return nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	payload, err := svc.CreateRubric(context.Background(), "user-1", "  Code Quality  ", "", []rubric.Criterion{
		{Title: "Readability", Weight: 1, MaxScore: 10},
	})
	if err != nil {
		t.Fatalf("CreateRubric() error = %v", err)
	}
	if created.Name != "Code Quality" {
		t.Fatalf("expected trimmed name, got %q", created.Name)
	}
	if len(created.Criteria) != 1 || created.Criteria[0].ID == "" {
		t.Fatalf("expected criterion to get a derived ID, got %+v", created.Criteria)
	}
	if payload["maxTotal"] != 10.0 {
		t.Fatalf("expected maxTotal 10, got %v", payload["maxTotal"])
	}
}

func TestStartAnalysisRejectsDisconnectedRepository(t *testing.T) {
	fs := &fakeStore{
		getRepositoryFn: func(_ context.Context, repoID string) (store.Repository, error) {
			repo := connectedRepo()
			repo.Status = store.RepoStatusConnecting
			return repo, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	_, err := svc.StartAnalysis(context.Background(), "repo-1", "rub-1", "", Session{UserID: "user-1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "REPOSITORY_NOT_READY" {
		t.Fatalf("expected REPOSITORY_NOT_READY, got %s", domainErr.Code)
	}
}

func TestStartAnalysisDefaultsRefToDefaultBranch(t *testing.T) {
	completed := make(chan store.Analysis, 1)
	fs := &fakeStore{
		getRepositoryFn: func(_ context.Context, repoID string) (store.Repository, error) {
			return connectedRepo(), nil
		},
		getRubricFn: func(_ context.Context, rubricID string) (store.Rubric, error) {
			return testRubric(), nil
		},
		completeAnalysisFn: func(_ context.Context, analysis store.Analysis, _ []store.AnalysisScore, _ []store.Finding) error {
			completed <- analysis
			return nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	payload, err := svc.StartAnalysis(context.Background(), "repo-1", "rub-1", "", Session{UserID: "user-1"})
	if err != nil {
		t.Fatalf("StartAnalysis() error = %v", err)
	}
	if payload["ref"] != "main" {
		t.Fatalf("expected ref to default to main, got %v", payload["ref"])
	}
	if payload["status"] != store.AnalysisStatusQueued {
		t.Fatalf("expected queued status, got %v", payload["status"])
	}
	if id, _ := payload["id"].(string); !strings.HasPrefix(id, "an-") {
		t.Fatalf("expected analysis ID with an- prefix, got %v", payload["id"])
	}

	select {
	case analysis := <-completed:
		if analysis.Status != store.AnalysisStatusCompleted {
			t.Fatalf("expected completed analysis, got %s", analysis.Status)
		}
		if analysis.Commit != "abc1234" {
			t.Fatalf("expected snapshot commit abc1234, got %q", analysis.Commit)
		}
		if analysis.Score != 7 || analysis.MaxScore != 10 {
			t.Fatalf("expected score 7/10, got %v/%v", analysis.Score, analysis.MaxScore)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("analysis did not complete")
	}
}

func TestStartAnalysisRateLimited(t *testing.T) {
	fs := &fakeStore{
		getRepositoryFn: func(_ context.Context, repoID string) (store.Repository, error) {
			return connectedRepo(), nil
		},
		getRubricFn: func(_ context.Context, rubricID string) (store.Rubric, error) {
			return testRubric(), nil
		},
	}
	svc := newTestService(fs, &fakeGit{})
	svc.cfg.AnalysisPerMinute = 2

	session := Session{UserID: "user-1"}
	for i := 0; i < 2; i++ {
		if _, err := svc.StartAnalysis(context.Background(), "repo-1", "rub-1", "main", session); err != nil {
			t.Fatalf("StartAnalysis() %d error = %v", i, err)
		}
	}

	_, err := svc.StartAnalysis(context.Background(), "repo-1", "rub-1", "main", session)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %s", domainErr.Code)
	}

	// A different user has their own budget.
	if _, err := svc.StartAnalysis(context.Background(), "repo-1", "rub-1", "main", Session{UserID: "user-2"}); err != nil {
		t.Fatalf("expected second user to be allowed, got %v", err)
	}
}

func TestRunAnalysisRecordsFailureWhenSnapshotFails(t *testing.T) {
	failed := make(chan string, 1)
	fs := &fakeStore{
		failAnalysisFn: func(_ context.Context, analysisID, errorMsg string, _ int64) error {
			failed <- errorMsg
			return nil
		},
	}
	fg := &fakeGit{
		collectSnapshotFn: func(string, string, int, int) (gitrepo.Snapshot, error) {
			return gitrepo.Snapshot{}, errors.New("ref not found")
		},
	}
	svc := newTestService(fs, fg)

	svc.runAnalysis(store.Analysis{ID: "an-1", Ref: "missing"}, connectedRepo(), testRubric())

	select {
	case msg := <-failed:
		if !strings.Contains(msg, "ref not found") {
			t.Fatalf("expected snapshot error to be recorded, got %q", msg)
		}
	default:
		t.Fatalf("expected FailAnalysis to be called")
	}
}

func TestAnalysisReportRequiresCompletedStatus(t *testing.T) {
	fs := &fakeStore{
		getAnalysisFn: func(_ context.Context, analysisID string) (store.Analysis, error) {
			return store.Analysis{ID: analysisID, Status: store.AnalysisStatusRunning}, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	_, err := svc.AnalysisReport(context.Background(), "an-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "ANALYSIS_NOT_COMPLETED" {
		t.Fatalf("expected ANALYSIS_NOT_COMPLETED, got %s", domainErr.Code)
	}
}

func TestAnalysisReportAssemblesScoresAndFindings(t *testing.T) {
	completedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getAnalysisFn: func(_ context.Context, analysisID string) (store.Analysis, error) {
			return store.Analysis{
				ID:           analysisID,
				RepositoryID: "repo-1",
				RubricID:     "rub-1",
				Ref:          "main",
				Commit:       "abc1234",
				Status:       store.AnalysisStatusCompleted,
				Engine:       "heuristic",
				Score:        7,
				MaxScore:     10,
				Summary:      "Looks fine",
				CompletedAt:  &completedAt,
			}, nil
		},
		getRepositoryFn: func(_ context.Context, repoID string) (store.Repository, error) {
			return connectedRepo(), nil
		},
		getRubricFn: func(_ context.Context, rubricID string) (store.Rubric, error) {
			return testRubric(), nil
		},
		listAnalysisScoresFn: func(_ context.Context, analysisID string) ([]store.AnalysisScore, error) {
			return []store.AnalysisScore{
				{AnalysisID: analysisID, CriterionID: "correctness", Title: "Correctness", Score: 7, MaxScore: 10},
			}, nil
		},
		listFindingsFn: func(_ context.Context, analysisID string) ([]store.Finding, error) {
			return []store.Finding{
				{AnalysisID: analysisID, Severity: store.SeverityMinor, Path: "main.go", Line: 3, Message: "Unused import"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	data, err := svc.AnalysisReport(context.Background(), "an-1")
	if err != nil {
		t.Fatalf("AnalysisReport() error = %v", err)
	}
	if data.RepositoryName != "acme-api" {
		t.Fatalf("expected repository name acme-api, got %q", data.RepositoryName)
	}
	if data.RubricName != "Default" {
		t.Fatalf("expected rubric name Default, got %q", data.RubricName)
	}
	if len(data.Scores) != 1 || data.Scores[0].Criterion != "Correctness" {
		t.Fatalf("unexpected scores: %+v", data.Scores)
	}
	if len(data.Findings) != 1 || data.Findings[0].Severity != "minor" {
		t.Fatalf("unexpected findings: %+v", data.Findings)
	}
	if !data.CompletedAt.Equal(completedAt) {
		t.Fatalf("expected completedAt %v, got %v", completedAt, data.CompletedAt)
	}
}

func TestSearchWithoutBackendReturnsEmptyResponse(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeGit{})

	resp, err := svc.Search(context.Background(), "anything", "", 0, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 0 || len(resp.Results) != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
}

func TestBootstrapSeedsAdminAndDefaultRubric(t *testing.T) {
	var roleSet string
	var seeded store.Rubric
	fs := &fakeStore{
		countUsersFn: func(context.Context) (int, error) { return 0, nil },
		updateUserRoleFn: func(_ context.Context, userID, role string) (bool, error) {
			roleSet = role
			return true, nil
		},
		createRubricFn: func(_ context.Context, stored store.Rubric) error {
			seeded = stored
			return nil
		},
	}
	svc := newTestService(fs, &fakeGit{})
	// Bootstrap also kicks off a search reindex; with no Meilisearch
	// configured it must come through as a no-op.
	svc.search = search.NewService(nil, nil)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if roleSet != "admin" {
		t.Fatalf("expected first user to become admin, got %q", roleSet)
	}
	if seeded.Name == "" || len(seeded.Criteria) == 0 {
		t.Fatalf("expected default rubric to be seeded, got %+v", seeded)
	}
}

func TestBootstrapSkipsPopulatedDatabase(t *testing.T) {
	created := 0
	fs := &fakeStore{
		countUsersFn: func(context.Context) (int, error) { return 4, nil },
		createRubricFn: func(context.Context, store.Rubric) error {
			created++
			return nil
		},
	}
	svc := newTestService(fs, &fakeGit{})

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no seeding on a populated database, got %d rubrics", created)
	}
}
