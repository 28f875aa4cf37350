package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"critique/api/internal/analyzer"
	"critique/api/internal/artifacts"
	"critique/api/internal/auth"
	"critique/api/internal/authpw"
	"critique/api/internal/config"
	"critique/api/internal/dashboard"
	"critique/api/internal/email"
	"critique/api/internal/export"
	"critique/api/internal/gitrepo"
	"critique/api/internal/rbac"
	"critique/api/internal/rubric"
	"critique/api/internal/search"
	"critique/api/internal/session"
	"critique/api/internal/store"
	"critique/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpdateUserRole(ctx context.Context, userID, role string) (bool, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateRepository(ctx context.Context, repo store.Repository) error
	GetRepository(ctx context.Context, repoID string) (store.Repository, error)
	ListRepositories(ctx context.Context) ([]store.Repository, error)
	UpdateRepositoryStatus(ctx context.Context, repoID, status, errorMsg string) error
	MarkRepositorySynced(ctx context.Context, repoID, commit string) error
	DeleteRepository(ctx context.Context, repoID string) (bool, error)
	CountAnalysesForRepository(ctx context.Context, repoID string) (int, error)

	CreateRubric(ctx context.Context, rubric store.Rubric) error
	GetRubric(ctx context.Context, rubricID string) (store.Rubric, error)
	ListRubrics(ctx context.Context, ownerID string) ([]store.Rubric, error)
	UpdateRubric(ctx context.Context, rubric store.Rubric) (bool, error)
	DeleteRubric(ctx context.Context, rubricID string) (bool, error)
	CountAnalysesForRubric(ctx context.Context, rubricID string) (int, error)

	CreateAnalysis(ctx context.Context, analysis store.Analysis) error
	GetAnalysis(ctx context.Context, analysisID string) (store.Analysis, error)
	ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]store.Analysis, error)
	MarkAnalysisRunning(ctx context.Context, analysisID string) error
	CompleteAnalysis(ctx context.Context, analysis store.Analysis, scores []store.AnalysisScore, findings []store.Finding) error
	FailAnalysis(ctx context.Context, analysisID, errorMsg string, durationMS int64) error
	DeleteAnalysis(ctx context.Context, analysisID string) (bool, error)
	ListAnalysisScores(ctx context.Context, analysisID string) ([]store.AnalysisScore, error)
	ListFindings(ctx context.Context, analysisID string) ([]store.Finding, error)

	SummaryCounts(ctx context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	Connect(ctx context.Context, repoID, url string) error
	Sync(ctx context.Context, repoID string) error
	Remove(repoID string) error
	DefaultBranch(repoID string) (string, error)
	Branches(repoID string) ([]string, error)
	HeadCommit(repoID, ref string) (store.CommitInfo, error)
	History(repoID, ref string, limit int) ([]store.CommitInfo, error)
	CollectSnapshot(repoID, ref string, maxFiles, maxFileBytes int) (gitrepo.Snapshot, error)
}

type reviewEngine interface {
	Review(ctx context.Context, req analyzer.Request) (analyzer.Report, error)
}

// refreshSessionStore holds refresh tokens. Backed by Redis when configured,
// otherwise by the Postgres store.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	engine    reviewEngine
	search    *search.Service
	artifacts *artifacts.Service
	email     *email.Service
	export    *export.Service
	authpw    *authpw.Service
	sessions  refreshSessionStore
	redis     *session.RedisStore

	rateMu     sync.Mutex
	rateStamps map[string][]time.Time
}

func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	gitService *gitrepo.Service,
	engine *analyzer.Service,
	searchService *search.Service,
	artifactService *artifacts.Service,
	emailService *email.Service,
	sessionStore refreshSessionStore,
) *Service {
	svc := &Service{
		cfg:        cfg,
		store:      dataStore,
		git:        gitService,
		engine:     engine,
		search:     searchService,
		artifacts:  artifactService,
		email:      emailService,
		export:     export.NewService(),
		rateStamps: make(map[string][]time.Time),
	}
	if dataStore != nil {
		svc.authpw = authpw.NewService(dataStore)
	}
	if sessionStore != nil {
		svc.sessions = sessionStore
		if redisStore, ok := sessionStore.(*session.RedisStore); ok {
			svc.redis = redisStore
		}
	} else {
		svc.sessions = dataStore
	}
	return svc
}

// Bootstrap seeds a fresh install with an admin account and the default
// rubric. A database that already has users is left untouched.
func (s *Service) Bootstrap(ctx context.Context) error {
	// Rebuild the Meilisearch indexes from Postgres; no-op when the
	// backend is absent or unhealthy.
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin, err := s.store.EnsureUserByName(ctx, "Admin")
	if err != nil {
		return err
	}
	if _, err := s.store.UpdateUserRole(ctx, admin.ID, string(rbac.RoleAdmin)); err != nil {
		return err
	}

	seed := rubric.Default()
	stored := store.Rubric{
		ID:          util.NewID("rub"),
		OwnerID:     admin.ID,
		Name:        seed.Name,
		Description: seed.Description,
		Criteria:    toStoreCriteria(seed.Criteria),
	}
	if err := s.store.CreateRubric(ctx, stored); err != nil {
		return err
	}
	s.indexRubric(stored)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis reports refresh-session store health. The bool is false when
// refresh sessions live in Postgres and there is no Redis to check.
func (s *Service) PingRedis(ctx context.Context) (bool, error) {
	if s.redis == nil {
		return false, nil
	}
	return true, s.redis.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ── Sessions ──

// Login is the development name-only login. It is how the dashboard signs in
// when email auth is not configured.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

// SignUp registers a new account and sends the verification email when SMTP
// is configured.
func (s *Service) SignUp(ctx context.Context, emailAddr, password, name string) (*authpw.SignUpResponse, error) {
	if s.authpw == nil {
		return nil, errors.New("auth service not configured")
	}
	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{Email: emailAddr, Password: password, Name: name})
	if err != nil {
		return nil, err
	}
	if s.SMTPConfigured() {
		verifyURL := s.cfg.PublicBaseURL + "/verify-email?token=" + resp.VerificationToken
		if err := s.email.SendVerificationEmail(emailAddr, name, verifyURL); err != nil {
			log.Printf("send verification email to %s: %v", emailAddr, err)
		}
	}
	return resp, nil
}

// RequestPasswordReset issues a reset token and emails it when SMTP is
// configured. The returned token feeds the dev bypass in the HTTP layer.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	if s.authpw == nil {
		return "", errors.New("auth service not configured")
	}
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}
	if s.SMTPConfigured() {
		resetURL := s.cfg.PublicBaseURL + "/reset-password?token=" + token
		if err := s.email.SendPasswordResetEmail(emailAddr, "", resetURL); err != nil {
			log.Printf("send reset email to %s: %v", emailAddr, err)
		}
	}
	return token, nil
}

// CreateSession issues tokens for an already-authenticated user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis stores only the user ID; the rest comes from Postgres.
	if user.Name == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role changes take effect on the next request, not the next login.
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Viewer resolves the dashboard viewer from an optional bearer token. No
// token means signed out; a bad token is treated the same rather than
// erroring so public pages still render.
func (s *Service) Viewer(ctx context.Context, token string) dashboard.Viewer {
	if strings.TrimSpace(token) == "" {
		return dashboard.AbsentViewer()
	}
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return dashboard.AbsentViewer()
	}
	return dashboard.PresentViewer(dashboard.User{
		ID:    session.UserID,
		Name:  session.UserName,
		Email: session.Email,
		Role:  session.Role,
	})
}

// ── Users ──

func (s *Service) Me(session Session) map[string]any {
	return map[string]any{
		"id":    session.UserID,
		"name":  session.UserName,
		"email": session.Email,
		"role":  session.Role,
	}
}

func (s *Service) ListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":        user.ID,
			"name":      user.Name,
			"email":     user.Email,
			"role":      user.Role,
			"verified":  user.IsEmailVerified,
			"createdAt": user.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) UpdateUserRole(ctx context.Context, userID, role string) (map[string]any, error) {
	normalized := rbac.Normalize(role)
	if string(normalized) != strings.ToLower(strings.TrimSpace(role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor, or admin", nil)
	}
	updated, err := s.store.UpdateUserRole(ctx, userID, string(normalized))
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	return map[string]any{"id": userID, "role": string(normalized)}, nil
}

// ── Repositories ──

func (s *Service) ConnectRepository(ctx context.Context, name, url, defaultBranch, userID string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)
	if name == "" || url == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and url are required", nil)
	}

	repo := store.Repository{
		ID:            util.NewID("repo"),
		Name:          name,
		URL:           url,
		DefaultBranch: strings.TrimSpace(defaultBranch),
		Status:        store.RepoStatusConnecting,
		ConnectedBy:   userID,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, err
	}

	go s.connectMirror(repo)

	return repositoryPayload(repo), nil
}

// connectMirror clones the repository in the background and settles the
// status on connected or error.
func (s *Service) connectMirror(repo store.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnalysisTimeout)
	defer cancel()

	if err := s.git.Connect(ctx, repo.ID, repo.URL); err != nil {
		log.Printf("connect repository %s: %v", repo.ID, err)
		_ = s.store.UpdateRepositoryStatus(ctx, repo.ID, store.RepoStatusError, err.Error())
		return
	}

	if repo.DefaultBranch == "" {
		if branch, err := s.git.DefaultBranch(repo.ID); err == nil {
			repo.DefaultBranch = branch
		}
	}

	commit := ""
	if head, err := s.git.HeadCommit(repo.ID, repo.DefaultBranch); err == nil {
		commit = head.Hash
	}
	if err := s.store.MarkRepositorySynced(ctx, repo.ID, commit); err != nil {
		log.Printf("mark repository %s synced: %v", repo.ID, err)
	}
	if err := s.store.UpdateRepositoryStatus(ctx, repo.ID, store.RepoStatusConnected, ""); err != nil {
		log.Printf("mark repository %s connected: %v", repo.ID, err)
		return
	}
	s.indexRepository(ctx, repo.ID)
}

func (s *Service) ListRepositories(ctx context.Context) ([]map[string]any, error) {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(repos))
	for _, repo := range repos {
		items = append(items, repositoryPayload(repo))
	}
	return items, nil
}

func (s *Service) GetRepository(ctx context.Context, repoID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	payload := repositoryPayload(repo)

	if repo.Status == store.RepoStatusConnected {
		if branches, err := s.git.Branches(repoID); err == nil {
			payload["branches"] = branches
		}
		if history, err := s.git.History(repoID, repo.DefaultBranch, 20); err == nil {
			commits := make([]map[string]any, 0, len(history))
			for _, commit := range history {
				commits = append(commits, map[string]any{
					"hash":    commit.Hash,
					"message": commit.Message,
					"author":  commit.Author,
					"date":    commit.CreatedAt,
				})
			}
			payload["recentCommits"] = commits
		}
	}
	return payload, nil
}

func (s *Service) SyncRepository(ctx context.Context, repoID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if repo.Status == store.RepoStatusConnecting || repo.Status == store.RepoStatusSyncing {
		return nil, domainError(http.StatusConflict, "SYNC_IN_PROGRESS", "Repository is already syncing", nil)
	}
	if err := s.store.UpdateRepositoryStatus(ctx, repoID, store.RepoStatusSyncing, ""); err != nil {
		return nil, err
	}
	repo.Status = store.RepoStatusSyncing

	go s.syncMirror(repo)

	return repositoryPayload(repo), nil
}

func (s *Service) syncMirror(repo store.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnalysisTimeout)
	defer cancel()

	if err := s.git.Sync(ctx, repo.ID); err != nil {
		log.Printf("sync repository %s: %v", repo.ID, err)
		_ = s.store.UpdateRepositoryStatus(ctx, repo.ID, store.RepoStatusError, err.Error())
		return
	}

	commit := ""
	if head, err := s.git.HeadCommit(repo.ID, repo.DefaultBranch); err == nil {
		commit = head.Hash
	}
	if err := s.store.MarkRepositorySynced(ctx, repo.ID, commit); err != nil {
		log.Printf("mark repository %s synced: %v", repo.ID, err)
	}
	if err := s.store.UpdateRepositoryStatus(ctx, repo.ID, store.RepoStatusConnected, ""); err != nil {
		log.Printf("mark repository %s connected: %v", repo.ID, err)
		return
	}
	s.indexRepository(ctx, repo.ID)
}

func (s *Service) RemoveRepository(ctx context.Context, repoID string) error {
	count, err := s.store.CountAnalysesForRepository(ctx, repoID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "REPOSITORY_IN_USE",
			fmt.Sprintf("Repository has %d analyses; delete them first", count), nil)
	}

	deleted, err := s.store.DeleteRepository(ctx, repoID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Repository not found", nil)
	}
	if err := s.git.Remove(repoID); err != nil {
		log.Printf("remove mirror %s: %v", repoID, err)
	}
	if s.search != nil {
		s.search.DeleteRepository(repoID)
	}
	return nil
}

// ── Rubrics ──

func (s *Service) CreateRubric(ctx context.Context, ownerID, name, description string, criteria []rubric.Criterion) (map[string]any, error) {
	template := rubric.Rubric{Name: name, Description: description, Criteria: criteria}
	template.Normalize()
	if err := template.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	stored := store.Rubric{
		ID:          util.NewID("rub"),
		OwnerID:     ownerID,
		Name:        template.Name,
		Description: template.Description,
		Criteria:    toStoreCriteria(template.Criteria),
	}
	if err := s.store.CreateRubric(ctx, stored); err != nil {
		return nil, err
	}
	s.indexRubric(stored)
	return rubricPayload(stored), nil
}

// ImportRubric creates a rubric from its YAML representation.
func (s *Service) ImportRubric(ctx context.Context, ownerID string, data []byte) (map[string]any, error) {
	template, err := rubric.FromYAML(data)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.CreateRubric(ctx, ownerID, template.Name, template.Description, template.Criteria)
}

func (s *Service) ListRubrics(ctx context.Context, ownerID string) ([]map[string]any, error) {
	rubrics, err := s.store.ListRubrics(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(rubrics))
	for _, stored := range rubrics {
		items = append(items, rubricPayload(stored))
	}
	return items, nil
}

func (s *Service) GetRubric(ctx context.Context, rubricID string) (map[string]any, error) {
	stored, err := s.store.GetRubric(ctx, rubricID)
	if err != nil {
		return nil, err
	}
	return rubricPayload(stored), nil
}

// UpdateRubric replaces a rubric's content. Editors may only touch their own
// rubrics; admins may edit any.
func (s *Service) UpdateRubric(ctx context.Context, rubricID, name, description string, criteria []rubric.Criterion, session Session) (map[string]any, error) {
	existing, err := s.store.GetRubric(ctx, rubricID)
	if err != nil {
		return nil, err
	}
	if !s.Can(session.Role, rbac.ActionAdmin) && existing.OwnerID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the rubric owner can edit it", nil)
	}

	template := rubric.Rubric{Name: name, Description: description, Criteria: criteria}
	template.Normalize()
	if err := template.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	existing.Name = template.Name
	existing.Description = template.Description
	existing.Criteria = toStoreCriteria(template.Criteria)
	updated, err := s.store.UpdateRubric(ctx, existing)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Rubric not found", nil)
	}
	s.indexRubric(existing)
	return rubricPayload(existing), nil
}

func (s *Service) DeleteRubric(ctx context.Context, rubricID string) error {
	count, err := s.store.CountAnalysesForRubric(ctx, rubricID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "RUBRIC_IN_USE",
			fmt.Sprintf("Rubric has %d analyses; delete them first", count), nil)
	}
	deleted, err := s.store.DeleteRubric(ctx, rubricID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Rubric not found", nil)
	}
	if s.search != nil {
		s.search.DeleteRubric(rubricID)
	}
	return nil
}

// ExportRubric renders a rubric as YAML for download.
func (s *Service) ExportRubric(ctx context.Context, rubricID string) ([]byte, string, error) {
	stored, err := s.store.GetRubric(ctx, rubricID)
	if err != nil {
		return nil, "", err
	}
	template := toRubricTemplate(stored)
	data, err := template.ToYAML()
	if err != nil {
		return nil, "", err
	}
	return data, rubric.Slug(template.Name) + ".yaml", nil
}

// ── Analyses ──

func (s *Service) StartAnalysis(ctx context.Context, repositoryID, rubricID, ref string, session Session) (map[string]any, error) {
	if !s.allowAnalysis(session.UserID) {
		return nil, domainError(http.StatusTooManyRequests, "RATE_LIMITED",
			fmt.Sprintf("Limit of %d analyses per minute reached", s.cfg.AnalysisPerMinute), nil)
	}

	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.Status != store.RepoStatusConnected {
		return nil, domainError(http.StatusConflict, "REPOSITORY_NOT_READY",
			fmt.Sprintf("Repository is %s; wait for it to connect", repo.Status), nil)
	}
	stored, err := s.store.GetRubric(ctx, rubricID)
	if err != nil {
		return nil, err
	}

	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = repo.DefaultBranch
	}

	analysis := store.Analysis{
		ID:           "an-" + uuid.NewString(),
		RepositoryID: repo.ID,
		RubricID:     stored.ID,
		Ref:          ref,
		Status:       store.AnalysisStatusQueued,
		RequestedBy:  session.UserID,
	}
	if err := s.store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, err
	}

	go s.runAnalysis(analysis, repo, stored)

	return analysisPayload(analysis), nil
}

// runAnalysis executes one queued run in the background: snapshot, review,
// persist, then the optional side effects (archive, index, notify).
func (s *Service) runAnalysis(analysis store.Analysis, repo store.Repository, stored store.Rubric) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnalysisTimeout)
	defer cancel()

	started := time.Now()
	if err := s.store.MarkAnalysisRunning(ctx, analysis.ID); err != nil {
		log.Printf("mark analysis %s running: %v", analysis.ID, err)
		return
	}

	fail := func(err error) {
		log.Printf("analysis %s failed: %v", analysis.ID, err)
		_ = s.store.FailAnalysis(ctx, analysis.ID, err.Error(), time.Since(started).Milliseconds())
	}

	snapshot, err := s.git.CollectSnapshot(repo.ID, analysis.Ref, s.cfg.AnalysisMaxFiles, s.cfg.AnalysisMaxFileBytes)
	if err != nil {
		fail(fmt.Errorf("collect snapshot: %w", err))
		return
	}

	template := toRubricTemplate(stored)
	report, err := s.engine.Review(ctx, analyzer.Request{
		RepositoryName: repo.Name,
		RepositoryURL:  repo.URL,
		Ref:            analysis.Ref,
		Commit:         snapshot.Commit.Hash,
		Rubric:         template,
		Snapshot:       snapshot,
	})
	if err != nil {
		fail(fmt.Errorf("review: %w", err))
		return
	}

	analysis.Commit = snapshot.Commit.Hash
	analysis.Status = store.AnalysisStatusCompleted
	analysis.Engine = report.Engine
	analysis.Score = report.Total
	analysis.MaxScore = report.MaxTotal
	analysis.Summary = report.Summary
	analysis.DurationMS = time.Since(started).Milliseconds()

	if s.artifacts != nil {
		if raw, err := json.Marshal(report); err == nil {
			if key, err := s.artifacts.PutReport(ctx, analysis.ID, raw); err == nil {
				analysis.ArtifactKey = key
			} else {
				log.Printf("archive report %s: %v", analysis.ID, err)
			}
		}
	}

	scores := make([]store.AnalysisScore, 0, len(report.Scores))
	for _, score := range report.Scores {
		scores = append(scores, store.AnalysisScore{
			AnalysisID:  analysis.ID,
			CriterionID: score.CriterionID,
			Title:       score.Title,
			Score:       score.Score,
			MaxScore:    score.MaxScore,
			Rationale:   score.Rationale,
		})
	}
	findings := make([]store.Finding, 0, len(report.Findings))
	for _, finding := range report.Findings {
		findings = append(findings, store.Finding{
			ID:          util.NewID("fnd"),
			AnalysisID:  analysis.ID,
			CriterionID: finding.CriterionID,
			Severity:    finding.Severity,
			Path:        finding.Path,
			Line:        finding.Line,
			Message:     finding.Message,
			Suggestion:  finding.Suggestion,
		})
	}

	if err := s.store.CompleteAnalysis(ctx, analysis, scores, findings); err != nil {
		fail(fmt.Errorf("persist report: %w", err))
		return
	}

	if s.search != nil {
		s.search.IndexAnalysis(search.AnalysisRecord{
			ID:           analysis.ID,
			Summary:      analysis.Summary,
			Ref:          analysis.Ref,
			Status:       analysis.Status,
			RepositoryID: analysis.RepositoryID,
			RubricID:     analysis.RubricID,
		})
	}

	s.notifyAnalysisCompleted(ctx, analysis, repo)
}

func (s *Service) notifyAnalysisCompleted(ctx context.Context, analysis store.Analysis, repo store.Repository) {
	if !s.SMTPConfigured() {
		return
	}
	requester, err := s.store.GetUserByID(ctx, analysis.RequestedBy)
	if err != nil || requester.Email == "" {
		return
	}
	reportURL := s.cfg.PublicBaseURL + dashboard.AnalysisDetailPath(analysis.ID)
	score := fmt.Sprintf("%.1f / %.1f", analysis.Score, analysis.MaxScore)
	if err := s.email.SendAnalysisCompletedEmail(requester.Email, requester.Name, repo.Name, analysis.Ref, score, reportURL); err != nil {
		log.Printf("notify %s about analysis %s: %v", requester.Email, analysis.ID, err)
	}
}

// allowAnalysis enforces the per-user analyses-per-minute budget with a
// sliding window.
func (s *Service) allowAnalysis(userID string) bool {
	if s.cfg.AnalysisPerMinute <= 0 {
		return true
	}

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	recent := s.rateStamps[userID][:0]
	for _, stamp := range s.rateStamps[userID] {
		if stamp.After(cutoff) {
			recent = append(recent, stamp)
		}
	}
	if len(recent) >= s.cfg.AnalysisPerMinute {
		s.rateStamps[userID] = recent
		return false
	}
	s.rateStamps[userID] = append(recent, now)
	return true
}

func (s *Service) ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]map[string]any, error) {
	analyses, err := s.store.ListAnalyses(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(analyses))
	for _, analysis := range analyses {
		items = append(items, analysisPayload(analysis))
	}
	return items, nil
}

func (s *Service) GetAnalysis(ctx context.Context, analysisID string) (map[string]any, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	payload := analysisPayload(analysis)

	if repo, err := s.store.GetRepository(ctx, analysis.RepositoryID); err == nil {
		payload["repositoryName"] = repo.Name
		payload["repositoryUrl"] = repo.URL
	}
	if stored, err := s.store.GetRubric(ctx, analysis.RubricID); err == nil {
		payload["rubricName"] = stored.Name
	}
	if analysis.Status == store.AnalysisStatusCompleted {
		scores, err := s.store.ListAnalysisScores(ctx, analysisID)
		if err != nil {
			return nil, err
		}
		findings, err := s.store.ListFindings(ctx, analysisID)
		if err != nil {
			return nil, err
		}
		payload["scores"] = scorePayloads(scores)
		payload["findings"] = findingPayloads(findings)
		if analysis.ArtifactKey != "" && s.artifacts != nil {
			if url, err := s.artifacts.ReportURL(ctx, analysis.ArtifactKey); err == nil {
				payload["reportUrl"] = url
			}
		}
	}
	return payload, nil
}

// AnalysisReport assembles the full report of a completed analysis.
func (s *Service) AnalysisReport(ctx context.Context, analysisID string) (export.ReportData, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return export.ReportData{}, err
	}
	if analysis.Status != store.AnalysisStatusCompleted {
		return export.ReportData{}, domainError(http.StatusConflict, "ANALYSIS_NOT_COMPLETED",
			fmt.Sprintf("Analysis is %s; only completed analyses have reports", analysis.Status), nil)
	}

	data := export.ReportData{
		AnalysisID: analysis.ID,
		Ref:        analysis.Ref,
		Commit:     analysis.Commit,
		Engine:     analysis.Engine,
		Summary:    analysis.Summary,
		Score:      analysis.Score,
		MaxScore:   analysis.MaxScore,
	}
	if analysis.CompletedAt != nil {
		data.CompletedAt = *analysis.CompletedAt
	}
	if repo, err := s.store.GetRepository(ctx, analysis.RepositoryID); err == nil {
		data.RepositoryName = repo.Name
		data.RepositoryURL = repo.URL
	}
	if stored, err := s.store.GetRubric(ctx, analysis.RubricID); err == nil {
		data.RubricName = stored.Name
	}

	scores, err := s.store.ListAnalysisScores(ctx, analysisID)
	if err != nil {
		return export.ReportData{}, err
	}
	for _, score := range scores {
		data.Scores = append(data.Scores, export.ScoreRow{
			Criterion: score.Title,
			Score:     score.Score,
			MaxScore:  score.MaxScore,
			Rationale: score.Rationale,
		})
	}
	findings, err := s.store.ListFindings(ctx, analysisID)
	if err != nil {
		return export.ReportData{}, err
	}
	for _, finding := range findings {
		data.Findings = append(data.Findings, export.FindingRow{
			Severity: finding.Severity,
			Path:     finding.Path,
			Line:     finding.Line,
			Message:  finding.Message,
		})
	}
	return data, nil
}

// ExportAnalysis renders a completed analysis as a downloadable document.
func (s *Service) ExportAnalysis(ctx context.Context, analysisID string, format export.Format) (*export.Result, error) {
	data, err := s.AnalysisReport(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return s.export.Export(data, format)
}

func (s *Service) DeleteAnalysis(ctx context.Context, analysisID string) error {
	deleted, err := s.store.DeleteAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Analysis not found", nil)
	}
	if s.search != nil {
		s.search.DeleteAnalysis(analysisID)
	}
	return nil
}

// ── Search ──

func (s *Service) Search(ctx context.Context, q, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		Text:       q,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// ── Dashboard ──

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	repositories, analyses, rubrics, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"repositories": repositories,
		"analyses":     analyses,
		"rubrics":      rubrics,
	}, nil
}

// ── Payload helpers ──

func repositoryPayload(repo store.Repository) map[string]any {
	payload := map[string]any{
		"id":            repo.ID,
		"name":          repo.Name,
		"url":           repo.URL,
		"defaultBranch": repo.DefaultBranch,
		"status":        repo.Status,
		"connectedBy":   repo.ConnectedBy,
		"createdAt":     repo.CreatedAt,
		"updatedAt":     repo.UpdatedAt,
	}
	if repo.Error != "" {
		payload["error"] = repo.Error
	}
	if repo.LastCommit != "" {
		payload["lastCommit"] = repo.LastCommit
	}
	if repo.LastSyncedAt != nil {
		payload["lastSyncedAt"] = repo.LastSyncedAt
	}
	return payload
}

func rubricPayload(stored store.Rubric) map[string]any {
	criteria := make([]map[string]any, 0, len(stored.Criteria))
	maxTotal := 0.0
	for _, criterion := range stored.Criteria {
		criteria = append(criteria, map[string]any{
			"id":          criterion.ID,
			"title":       criterion.Title,
			"description": criterion.Description,
			"weight":      criterion.Weight,
			"maxScore":    criterion.MaxScore,
		})
		maxTotal += criterion.Weight * criterion.MaxScore
	}
	return map[string]any{
		"id":          stored.ID,
		"ownerId":     stored.OwnerID,
		"name":        stored.Name,
		"description": stored.Description,
		"criteria":    criteria,
		"maxTotal":    maxTotal,
		"createdAt":   stored.CreatedAt,
		"updatedAt":   stored.UpdatedAt,
	}
}

func analysisPayload(analysis store.Analysis) map[string]any {
	payload := map[string]any{
		"id":           analysis.ID,
		"repositoryId": analysis.RepositoryID,
		"rubricId":     analysis.RubricID,
		"ref":          analysis.Ref,
		"status":       analysis.Status,
		"requestedBy":  analysis.RequestedBy,
		"createdAt":    analysis.CreatedAt,
	}
	if analysis.Commit != "" {
		payload["commit"] = analysis.Commit
	}
	if analysis.Engine != "" {
		payload["engine"] = analysis.Engine
	}
	if analysis.Status == store.AnalysisStatusCompleted {
		payload["score"] = analysis.Score
		payload["maxScore"] = analysis.MaxScore
		payload["summary"] = analysis.Summary
		payload["durationMs"] = analysis.DurationMS
	}
	if analysis.Status == store.AnalysisStatusFailed {
		payload["error"] = analysis.Error
	}
	if analysis.StartedAt != nil {
		payload["startedAt"] = analysis.StartedAt
	}
	if analysis.CompletedAt != nil {
		payload["completedAt"] = analysis.CompletedAt
	}
	return payload
}

func scorePayloads(scores []store.AnalysisScore) []map[string]any {
	items := make([]map[string]any, 0, len(scores))
	for _, score := range scores {
		items = append(items, map[string]any{
			"criterionId": score.CriterionID,
			"title":       score.Title,
			"score":       score.Score,
			"maxScore":    score.MaxScore,
			"rationale":   score.Rationale,
		})
	}
	return items
}

func findingPayloads(findings []store.Finding) []map[string]any {
	items := make([]map[string]any, 0, len(findings))
	for _, finding := range findings {
		item := map[string]any{
			"id":       finding.ID,
			"severity": finding.Severity,
			"path":     finding.Path,
			"line":     finding.Line,
			"message":  finding.Message,
		}
		if finding.CriterionID != "" {
			item["criterionId"] = finding.CriterionID
		}
		if finding.Suggestion != "" {
			item["suggestion"] = finding.Suggestion
		}
		items = append(items, item)
	}
	return items
}

func toStoreCriteria(criteria []rubric.Criterion) []store.RubricCriterion {
	out := make([]store.RubricCriterion, 0, len(criteria))
	for _, criterion := range criteria {
		out = append(out, store.RubricCriterion{
			ID:          criterion.ID,
			Title:       criterion.Title,
			Description: criterion.Description,
			Weight:      criterion.Weight,
			MaxScore:    criterion.MaxScore,
		})
	}
	return out
}

func toRubricTemplate(stored store.Rubric) rubric.Rubric {
	criteria := make([]rubric.Criterion, 0, len(stored.Criteria))
	for _, criterion := range stored.Criteria {
		criteria = append(criteria, rubric.Criterion{
			ID:          criterion.ID,
			Title:       criterion.Title,
			Description: criterion.Description,
			Weight:      criterion.Weight,
			MaxScore:    criterion.MaxScore,
		})
	}
	return rubric.Rubric{Name: stored.Name, Description: stored.Description, Criteria: criteria}
}

func (s *Service) indexRubric(stored store.Rubric) {
	if s.search == nil {
		return
	}
	s.search.IndexRubric(search.RubricRecord{
		ID:          stored.ID,
		Name:        stored.Name,
		Description: stored.Description,
		OwnerID:     stored.OwnerID,
	})
}

func (s *Service) indexRepository(ctx context.Context, repoID string) {
	if s.search == nil {
		return
	}
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return
	}
	s.search.IndexRepository(search.RepositoryRecord{
		ID:     repo.ID,
		Name:   repo.Name,
		URL:    repo.URL,
		Status: repo.Status,
	})
}
