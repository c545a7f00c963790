package broker

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acprelay/acprelay/internal/common/config"
)

const gitRemoteURL = "https://example.test/acme/ultimate.git"

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// seedOrigin creates a local bare repo reachable through gitRemoteURL via
// git's insteadOf rewriting, and returns its path and head revision.
func seedOrigin(t *testing.T) (bareDir, headSHA string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	base := t.TempDir()
	bareDir = filepath.Join(base, "origin.git")
	runGit(t, base, "init", "--bare", bareDir)

	seedDir := filepath.Join(base, "seed")
	require.NoError(t, os.MkdirAll(seedDir, 0o755))
	runGit(t, seedDir, "init")
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("seed\n"), 0o644))
	runGit(t, seedDir, "add", "-A")
	runGit(t, seedDir, "-c", "user.name=Test", "-c", "user.email=t@example.test", "commit", "-m", "initial")
	runGit(t, seedDir, "push", bareDir, "HEAD:refs/heads/main")
	headSHA = runGit(t, seedDir, "rev-parse", "HEAD")

	t.Setenv("GIT_CONFIG_COUNT", "1")
	t.Setenv("GIT_CONFIG_KEY_0", "url."+bareDir+".insteadOf")
	t.Setenv("GIT_CONFIG_VALUE_0", gitRemoteURL)
	return bareDir, headSHA
}

func TestSessionNewWithGitWorkspace(t *testing.T) {
	bareDir, headSHA := seedOrigin(t)

	var gitRoot string
	b := newTestBroker(t, writeAgentScript(t, sessionAgent), func(cfg *config.Config) {
		gitRoot = cfg.Git.Root
		cfg.Git.UserName = "ACP Test"
		cfg.Git.UserEmail = "acp@example.test"
		cfg.Git.Push = true
	})
	ws := b.dial(t)

	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{
			"cwd": "",
			"_meta": map[string]any{
				"remote": map[string]any{
					"url":      gitRemoteURL,
					"branch":   "main",
					"revision": headSHA,
				},
			},
		},
	})
	resp := readUntilResponse(t, ws, 1)

	result := resp["result"].(map[string]any)
	require.Equal(t, "S", result["sessionId"])

	meta := result["_meta"].(map[string]any)
	target := meta["target"].(map[string]any)
	assert.Equal(t, gitRemoteURL, target["url"])
	assert.True(t, strings.HasPrefix(target["branch"].(string), "agent/changes-"))
	assert.Equal(t, headSHA, target["revision"], "no agent changes yet, so the base revision is pushed")

	// The origin must have the run branch.
	pushed := runGit(t, bareDir, "rev-parse", "refs/heads/"+target["branch"].(string))
	assert.Equal(t, headSHA, pushed)

	// The clone lands under <gitRoot>/<repoName> and the session records its
	// worktree.
	assert.DirExists(t, filepath.Join(gitRoot, "ultimate"))
	rec, ok := b.server.Registry().Get("S")
	require.True(t, ok)
	require.NotNil(t, rec.Git)
	assert.DirExists(t, rec.Git.Workdir)
	assert.True(t, strings.HasPrefix(rec.Git.Workdir, filepath.Join(gitRoot, ".acp-remote-worktrees", "ultimate")))
}

func TestSessionNewWithoutRevisionFallsBackToPlainSession(t *testing.T) {
	seedOrigin(t)
	b := newTestBroker(t, writeAgentScript(t, sessionAgent), nil)
	ws := b.dial(t)

	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{
			"cwd":   "",
			"_meta": map[string]any{"remote": map[string]any{"url": gitRemoteURL, "branch": "main"}},
		},
	})
	resp := readUntilResponse(t, ws, 1)

	result := resp["result"].(map[string]any)
	require.Equal(t, "S", result["sessionId"])
	_, hasMeta := result["_meta"]
	assert.False(t, hasMeta, "no git run means no target annotation")

	rec, ok := b.server.Registry().Get("S")
	require.True(t, ok)
	assert.Nil(t, rec.Git)
}

func TestSessionNewBadRemoteReturnsServerError(t *testing.T) {
	b := newTestBroker(t, writeAgentScript(t, sessionAgent), nil)
	ws := b.dial(t)

	send(t, ws, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{
			"cwd":   "",
			"_meta": map[string]any{"remote": map[string]any{"url": "not-a-remote", "revision": "abc"}},
		},
	})
	resp := readUntilResponse(t, ws, 1)

	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Contains(t, errObj["message"], "unsupported remote URL")
}
