package gitws

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/common/config"
	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/events/bus"
)

// worktreesDirName holds per-run worktrees under the git root, away from the
// canonical clones.
const worktreesDirName = ".acp-remote-worktrees"

// Workspace is a materialised per-run checkout.
type Workspace struct {
	RunID      string
	RepoDir    string // canonical clone shared across runs
	Workdir    string // per-run worktree the agent runs in
	BranchName string
	Remote     Remote
}

// Target describes the branch a run's changes were pushed to. It is attached
// to responses as result._meta.target.
type Target struct {
	URL      string `json:"url"`
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

// NotifyFunc receives coarse progress milestones during workspace
// preparation and push.
type NotifyFunc func(stage, message string, extra map[string]any)

// Manager maps remotes to local clones and materialises worktrees. All git
// work on one clone is serialised by a per-directory mutex; distinct clones
// proceed in parallel.
type Manager struct {
	cfg    config.GitConfig
	logger *logger.Logger
	bus    bus.EventBus

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager creates a workspace manager. The event bus is optional; when
// set, progress milestones are also published to git.progress.<runId>.
func NewManager(cfg config.GitConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "git-workspace")),
		bus:       eventBus,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) getRepoLock(repoDir string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoDir]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoDir] = lock
	return lock
}

// EnsureRepoWorkdir resolves the local clone for a remote, creating it if
// needed, and materialises a per-run worktree at the requested revision.
func (m *Manager) EnsureRepoWorkdir(ctx context.Context, remote Remote, runID string, notify NotifyFunc) (*Workspace, error) {
	parsed, err := parseRemoteURL(remote.URL)
	if err != nil {
		return nil, err
	}
	if remote.Revision == "" && remote.Branch == "" {
		return nil, fmt.Errorf("remote has neither revision nor branch")
	}

	gitRoot, matchKind := resolveGitRoot(remote.URL, m.cfg.Root, m.cfg.RootMap)
	if gitRoot == "" {
		return nil, fmt.Errorf("no git root configured")
	}
	if matchKind != "" {
		m.logger.Debug("git root resolved from map",
			zap.String("root", gitRoot),
			zap.String("match", matchKind))
	}
	if err := os.MkdirAll(gitRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create git root: %w", err)
	}

	repoDir, err := m.ensureClone(ctx, gitRoot, parsed, remote.URL, runID, notify)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		RunID:      runID,
		RepoDir:    repoDir,
		Workdir:    filepath.Join(gitRoot, worktreesDirName, parsed.repoName(), runID),
		BranchName: branchNameForRun(runID),
		Remote:     remote,
	}

	lock := m.getRepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	m.notify(notify, runID, "git/fetch", "Fetching origin", nil)
	if out, err := m.git(ctx, repoDir, "fetch", "--prune", "origin"); err != nil {
		return nil, fmt.Errorf("git fetch failed: %s", out)
	}

	revision := remote.Revision
	if revision == "" {
		revision = "origin/" + remote.Branch
	}

	// A stale worktree from a crashed run may occupy the workdir.
	if _, err := os.Stat(ws.Workdir); err == nil {
		_, _ = m.git(ctx, repoDir, "worktree", "remove", "--force", ws.Workdir)
		_ = os.RemoveAll(ws.Workdir)
	}

	m.notify(notify, runID, "git/worktree", "Creating worktree", map[string]any{"branch": ws.BranchName})
	if err := os.MkdirAll(filepath.Dir(ws.Workdir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}
	if out, err := m.git(ctx, repoDir, "worktree", "add", "-B", ws.BranchName, ws.Workdir, revision); err != nil {
		return nil, fmt.Errorf("git worktree add failed: %s", out)
	}

	m.logger.Info("workspace ready",
		zap.String("run_id", runID),
		zap.String("repo_dir", repoDir),
		zap.String("workdir", ws.Workdir),
		zap.String("branch", ws.BranchName))
	return ws, nil
}

// ensureClone finds or creates the canonical clone for a remote under the
// git root. Candidate layouts are probed in order; an existing directory is
// adopted only when its origin points at the same repository.
func (m *Manager) ensureClone(ctx context.Context, gitRoot string, parsed parsedRemote, remoteURL, runID string, notify NotifyFunc) (string, error) {
	candidates := cloneCandidates(gitRoot, parsed)

	for _, dir := range candidates {
		if !isGitDir(dir) {
			continue
		}
		if origin, err := m.originURL(ctx, dir); err == nil && sameRepo(origin, remoteURL) {
			m.notify(notify, runID, "git/open", "Using existing clone", nil)
			return m.adoptClone(ctx, dir, remoteURL)
		}
	}

	// Nothing at a predicted path; any direct child of the root with a
	// matching origin will do.
	if entries, err := os.ReadDir(gitRoot); err == nil {
		for _, entry := range entries {
			dir := filepath.Join(gitRoot, entry.Name())
			if !entry.IsDir() || entry.Name() == worktreesDirName || !isGitDir(dir) {
				continue
			}
			if origin, err := m.originURL(ctx, dir); err == nil && sameRepo(origin, remoteURL) {
				m.notify(notify, runID, "git/open", "Using existing clone", nil)
				return m.adoptClone(ctx, dir, remoteURL)
			}
		}
	}

	for _, dir := range candidates {
		lock := m.getRepoLock(dir)
		lock.Lock()
		if _, err := os.Stat(dir); err == nil {
			// Another run cloned here while we scanned; adopt when it
			// matches, otherwise try the next candidate.
			if isGitDir(dir) {
				if origin, err := m.originURL(ctx, dir); err == nil && sameRepo(origin, remoteURL) {
					lock.Unlock()
					return dir, nil
				}
			}
			lock.Unlock()
			continue
		}
		m.notify(notify, runID, "git/clone", "Cloning repository", map[string]any{"url": redactURL(remoteURL)})
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			lock.Unlock()
			return "", fmt.Errorf("failed to create clone parent: %w", err)
		}
		if out, err := m.git(ctx, gitRoot, "clone", remoteURL, dir); err != nil {
			lock.Unlock()
			return "", fmt.Errorf("git clone failed: %s", out)
		}
		lock.Unlock()
		return dir, nil
	}

	return "", fmt.Errorf("all candidate clone directories exist but none matches %s", redactURL(remoteURL))
}

// adoptClone points origin at the requested URL when it drifted (for example
// an http clone being reused over ssh).
func (m *Manager) adoptClone(ctx context.Context, dir, remoteURL string) (string, error) {
	origin, err := m.originURL(ctx, dir)
	if err == nil && origin != remoteURL {
		if out, err := m.git(ctx, dir, "remote", "set-url", "origin", remoteURL); err != nil {
			return "", fmt.Errorf("failed to update origin: %s", out)
		}
	}
	return dir, nil
}

// originURL reads the configured origin URL as written in the clone's config.
// `git remote get-url` reports the URL after insteadOf rewriting, which would
// defeat the same-repo comparison wherever rewrites are in effect.
func (m *Manager) originURL(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "config", "--get", "remote.origin.url")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// cloneCandidates lists plausible clone directories for a remote, deduped
// with order preserved.
func cloneCandidates(gitRoot string, parsed parsedRemote) []string {
	segs := parsed.segments()
	raw := []string{
		filepath.Join(gitRoot, parsed.repoName()),
		filepath.Join(append([]string{gitRoot, parsed.host}, segs...)...),
		filepath.Join(append([]string{gitRoot}, segs...)...),
	}
	if owner := parsed.owner(); owner != "" {
		raw = append(raw,
			filepath.Join(gitRoot, owner, parsed.repoName()),
			filepath.Join(gitRoot, owner+"-"+parsed.repoName()),
		)
	}
	raw = append(raw, filepath.Join(gitRoot, parsed.host, parsed.repoName()))

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, dir := range raw {
		if !seen[dir] {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	return out
}

// EnsureCommittedAndPushed commits any working-tree changes in the run's
// worktree and pushes the run branch. The returned Target carries the pushed
// branch and revision; a push failure returns an error but the commit, if
// any, remains local.
func (m *Manager) EnsureCommittedAndPushed(ctx context.Context, ws *Workspace, notify NotifyFunc) (*Target, error) {
	lock := m.getRepoLock(ws.RepoDir)
	lock.Lock()
	defer lock.Unlock()

	status, err := m.git(ctx, ws.Workdir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %s", status)
	}

	if strings.TrimSpace(status) != "" {
		m.notify(notify, ws.RunID, "git/commit", "Committing changes", nil)
		if out, err := m.git(ctx, ws.Workdir, "add", "-A"); err != nil {
			return nil, fmt.Errorf("git add failed: %s", out)
		}
		message := fmt.Sprintf("ACP remote run changes (%s)", time.Now().UTC().Format(time.RFC3339))
		if out, err := m.git(ctx, ws.Workdir,
			"-c", "user.name="+m.userName(),
			"-c", "user.email="+m.userEmail(),
			"commit", "-m", message); err != nil {
			return nil, fmt.Errorf("git commit failed: %s", out)
		}
	}

	head, err := m.git(ctx, ws.Workdir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse failed: %s", head)
	}
	revision := strings.TrimSpace(head)

	if m.cfg.Push {
		m.notify(notify, ws.RunID, "git/push", "Pushing "+ws.BranchName, nil)
		if out, err := m.git(ctx, ws.Workdir, "push", "-u", "origin", ws.BranchName); err != nil {
			pushErr := fmt.Errorf("git push failed: %s", redactURL(out))
			m.notify(notify, ws.RunID, "git/push", pushErr.Error(), nil)
			return nil, pushErr
		}
	}

	return &Target{
		URL:      ws.Remote.URL,
		Branch:   ws.BranchName,
		Revision: revision,
	}, nil
}

// CleanupWorkspace removes the per-run worktree. Both the git-side removal
// and the filesystem delete are best-effort.
func (m *Manager) CleanupWorkspace(ctx context.Context, ws *Workspace) {
	lock := m.getRepoLock(ws.RepoDir)
	lock.Lock()
	defer lock.Unlock()

	if out, err := m.git(ctx, ws.RepoDir, "worktree", "remove", "--force", ws.Workdir); err != nil {
		m.logger.Debug("worktree remove failed", zap.String("output", out))
	}
	if err := os.RemoveAll(ws.Workdir); err != nil {
		m.logger.Debug("workdir delete failed", zap.Error(err))
	}
	m.logger.Info("workspace cleaned up", zap.String("run_id", ws.RunID), zap.String("workdir", ws.Workdir))
}

func (m *Manager) userName() string {
	if m.cfg.UserName != "" {
		return m.cfg.UserName
	}
	return "ACP Remote"
}

func (m *Manager) userEmail() string {
	if m.cfg.UserEmail != "" {
		return m.cfg.UserEmail
	}
	return "acp-remote@localhost"
}

// git runs one git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(output)), fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(output), nil
}

func isGitDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// notify forwards a milestone to the per-run callback and, when a bus is
// wired, publishes it on git.progress.<runId> for external observers.
func (m *Manager) notify(fn NotifyFunc, runID, stage, message string, extra map[string]any) {
	if fn != nil {
		fn(stage, message, extra)
	}
	if m.bus != nil {
		data := map[string]any{"stage": stage, "message": message, "runId": runID}
		for k, v := range extra {
			data[k] = v
		}
		if err := m.bus.Publish(context.Background(), "git.progress."+runID, bus.NewEvent(stage, "gitws", data)); err != nil {
			m.logger.Debug("progress publish failed", zap.Error(err))
		}
	}
}
