package gitws

import "strings"

// Match kinds for git-root resolution, strongest first.
const (
	matchSameRepo = "sameRepo"
	matchRepoID   = "repoId"
	matchRepoPath = "repoPath"
	matchRepoName = "repoName"
)

var matchScores = map[string]int{
	matchSameRepo: 4,
	matchRepoID:   3,
	matchRepoPath: 2,
	matchRepoName: 1,
}

// resolveGitRoot picks the local root directory for a remote. Map keys may be
// full remote URLs, host/owner/repo ids, owner/repo paths, or bare repo
// names; the strongest match wins and sameRepo short-circuits. With no match
// the default root is used.
func resolveGitRoot(remoteURL, defaultRoot string, rootMap map[string]string) (root, matchKind string) {
	remote, err := parseRemoteURL(remoteURL)
	if err != nil {
		return defaultRoot, ""
	}

	remoteID := strings.ToLower(remote.host + "/" + remote.repoPath)
	remotePath := strings.ToLower(strings.Join(lastN(remote.segments(), 2), "/"))
	remoteName := strings.ToLower(remote.repoName())

	bestScore := 0
	bestRoot := defaultRoot
	bestKind := ""
	for key, dir := range rootMap {
		kind := classifyRootKey(key, remoteURL, remoteID, remotePath, remoteName)
		if kind == matchSameRepo {
			return dir, matchSameRepo
		}
		if score := matchScores[kind]; score > bestScore {
			bestScore = score
			bestRoot = dir
			bestKind = kind
		}
	}
	return bestRoot, bestKind
}

func classifyRootKey(key, remoteURL, remoteID, remotePath, remoteName string) string {
	if sameRepoKey(key, remoteURL) {
		return matchSameRepo
	}

	normalized := strings.ToLower(strings.TrimSuffix(strings.Trim(normalizeRootKey(key), "/"), ".git"))
	switch {
	case normalized == remoteID:
		return matchRepoID
	case normalized == remotePath:
		return matchRepoPath
	case normalized == remoteName:
		return matchRepoName
	default:
		return ""
	}
}

// sameRepoKey reports whether the key itself parses as a remote URL for the
// same repository. Plain path-like keys are not URLs and never match here.
func sameRepoKey(key, remoteURL string) bool {
	if _, err := parseRemoteURL(key); err != nil {
		return false
	}
	if !strings.Contains(key, "://") && !sshShorthandRegex.MatchString(key) {
		return false
	}
	return sameRepo(key, remoteURL)
}

// normalizeRootKey reduces URL-ish keys to host/path form so they can be
// compared against repo ids and paths.
func normalizeRootKey(key string) string {
	key = strings.TrimSpace(key)
	for _, prefix := range []string{"ssh://", "http://", "https://"} {
		if strings.HasPrefix(key, prefix) {
			key = strings.TrimPrefix(key, prefix)
			break
		}
	}
	if at := strings.Index(key, "@"); at >= 0 && !strings.Contains(key[:at], "/") {
		key = key[at+1:]
	}
	return strings.Replace(key, ":", "/", 1)
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
