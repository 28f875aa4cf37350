// Package gitrepo manages local mirrors of connected repositories. Each
// repository ID maps to one bare mirror clone under the base directory;
// mirrors are read-only snapshots of the remote, refreshed by Sync.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"critique/api/internal/store"
)

// ErrMirrorMissing is returned when no mirror exists for a repository ID.
var ErrMirrorMissing = errors.New("repository mirror not found")

// SnapshotFile is one reviewable source file from a commit tree.
type SnapshotFile struct {
	Path      string
	Content   string
	Truncated bool
}

// Snapshot is the reviewable slice of a repository at one commit.
type Snapshot struct {
	Commit     store.CommitInfo
	Files      []SnapshotFile
	TotalFiles int
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Connect creates the bare mirror clone for a repository. Leftovers from an
// interrupted earlier attempt are removed first; a failed clone cleans up
// after itself so Connect can be retried.
func (s *Service) Connect(ctx context.Context, repoID, url string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := s.mirrorPath(repoID)
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clear stale mirror: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat mirror path: %w", err)
	}

	if _, err := git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
		URL:    url,
		Mirror: true,
	}); err != nil {
		_ = os.RemoveAll(path)
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

// Sync fetches the remote into the mirror. An up-to-date mirror is success.
func (s *Service) Sync(ctx context.Context, repoID string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Force:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// Remove deletes the mirror for a disconnected repository.
func (s *Service) Remove(repoID string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.mirrorPath(repoID)); err != nil {
		return fmt.Errorf("remove mirror: %w", err)
	}
	return nil
}

// DefaultBranch reports the branch the mirror's HEAD points at.
func (s *Service) DefaultBranch(repoID string) (string, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// Branches lists the mirror's branch names, sorted.
func (s *Service) Branches(repoID string) ([]string, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()

	names := make([]string, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// HeadCommit resolves a ref (branch, tag, or hash; empty means HEAD) to its
// commit.
func (s *Service) HeadCommit(repoID, ref string) (store.CommitInfo, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := resolveCommit(repo, ref)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return toCommitInfo(commitObj), nil
}

// History returns up to limit commits reachable from ref, newest first.
func (s *Service) History(repoID, ref string, limit int) ([]store.CommitInfo, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return nil, err
	}
	commitObj, err := resolveCommit(repo, ref)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: commitObj.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// CollectSnapshot walks the commit tree at ref and gathers reviewable source
// files. Vendored and generated directories are skipped, binaries and
// unrecognized extensions are skipped, oversized files are truncated, and at
// most maxFiles files are returned in path order. TotalFiles counts every
// reviewable file seen before the cap.
func (s *Service) CollectSnapshot(repoID, ref string, maxFiles, maxFileBytes int) (Snapshot, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(repoID)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := resolveCommit(repo, ref)
	if err != nil {
		return Snapshot{}, err
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit tree: %w", err)
	}

	candidates := make([]*object.File, 0)
	err = tree.Files().ForEach(func(file *object.File) error {
		if !reviewablePath(file.Name) {
			return nil
		}
		if binary, err := file.IsBinary(); err != nil || binary {
			return nil
		}
		candidates = append(candidates, file)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk commit tree: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})

	snapshot := Snapshot{
		Commit:     toCommitInfo(commitObj),
		Files:      make([]SnapshotFile, 0, maxFiles),
		TotalFiles: len(candidates),
	}
	for _, file := range candidates {
		if maxFiles > 0 && len(snapshot.Files) >= maxFiles {
			break
		}
		content, err := file.Contents()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read %s: %w", file.Name, err)
		}
		truncated := false
		if maxFileBytes > 0 && len(content) > maxFileBytes {
			content = truncateAtRune(content, maxFileBytes)
			truncated = true
		}
		snapshot.Files = append(snapshot.Files, SnapshotFile{
			Path:      file.Name,
			Content:   content,
			Truncated: truncated,
		})
	}
	return snapshot, nil
}

// truncateAtRune cuts s to at most max bytes without splitting a UTF-8
// sequence at the cut point.
func truncateAtRune(s string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (s *Service) open(repoID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.mirrorPath(repoID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrMirrorMissing
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	return repo, nil
}

func (s *Service) mirrorPath(repoID string) string {
	return filepath.Join(s.baseDir, repoID)
}

func (s *Service) repoLock(repoID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[repoID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[repoID] = lock
	return lock
}

func resolveCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return nil, fmt.Errorf("load HEAD commit: %w", err)
		}
		return commitObj, nil
	}

	if branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		commitObj, err := repo.CommitObject(branchRef.Hash())
		if err != nil {
			return nil, fmt.Errorf("load branch commit %s: %w", ref, err)
		}
		return commitObj, nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", ref, err)
	}
	return commitObj, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

var reviewableExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true,
	".cs": true, ".php": true, ".swift": true, ".scala": true,
	".sh": true, ".sql": true, ".tf": true,
	".yaml": true, ".yml": true, ".toml": true, ".json": true,
	".md": true,
}

var skippedDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"third_party":  true,
	"testdata":     true,
	".git":         true,
}

func reviewablePath(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if skippedDirs[segment] {
			return false
		}
	}
	return reviewableExtensions[strings.ToLower(filepath.Ext(path))]
}
