// Package gitws manages git workspaces for remote agent runs: mapping remote
// URLs to local clones, materialising per-run worktrees at a known revision,
// and committing and pushing agent changes to a per-run branch.
package gitws

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Remote carries the git metadata a session arrives with.
type Remote struct {
	URL      string `json:"url"`
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// parsedRemote is a remote URL reduced to its identifying parts.
type parsedRemote struct {
	host     string
	repoPath string // path without leading slash and trailing .git
	raw      string
}

var sshShorthandRegex = regexp.MustCompile(`^([^@/]+)@([^:/]+):(.+)$`)

// parseRemoteURL recognises SSH shorthand (user@host:path) and the
// ssh/http/https URL forms. Anything else is unsupported.
func parseRemoteURL(remote string) (parsedRemote, error) {
	trimmed := strings.TrimSpace(remote)
	if trimmed == "" {
		return parsedRemote{}, fmt.Errorf("empty remote URL")
	}

	if m := sshShorthandRegex.FindStringSubmatch(trimmed); m != nil && !strings.Contains(trimmed, "://") {
		return parsedRemote{
			host:     m[2],
			repoPath: strings.TrimSuffix(strings.Trim(m[3], "/"), ".git"),
			raw:      trimmed,
		}, nil
	}

	if strings.HasPrefix(trimmed, "ssh://") || strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return parsedRemote{}, fmt.Errorf("failed to parse remote URL: %w", err)
		}
		return parsedRemote{
			host:     parsed.Host,
			repoPath: strings.TrimSuffix(strings.Trim(parsed.Path, "/"), ".git"),
			raw:      trimmed,
		}, nil
	}

	return parsedRemote{}, fmt.Errorf("unsupported remote URL: %s", redactURL(trimmed))
}

// sameRepo reports whether two remote URLs identify the same repository:
// equal lowercased (host, repoPath), or equal raw strings as a fallback for
// unparseable forms.
func sameRepo(a, b string) bool {
	pa, errA := parseRemoteURL(a)
	pb, errB := parseRemoteURL(b)
	if errA == nil && errB == nil {
		return strings.EqualFold(pa.host, pb.host) && strings.EqualFold(pa.repoPath, pb.repoPath)
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// segments returns the repoPath split on slashes, empties removed.
func (p parsedRemote) segments() []string {
	parts := strings.Split(p.repoPath, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// repoName is the last path segment.
func (p parsedRemote) repoName() string {
	segs := p.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// owner is the second-to-last path segment, when present.
func (p parsedRemote) owner() string {
	segs := p.segments()
	if len(segs) < 2 {
		return ""
	}
	return segs[len(segs)-2]
}

var sanitizeRunIDRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeRunID makes a run id safe for use in a branch name.
func sanitizeRunID(runID string) string {
	return strings.Trim(sanitizeRunIDRegex.ReplaceAllString(runID, "-"), "-")
}

// branchNameForRun derives the per-run branch from the run id.
func branchNameForRun(runID string) string {
	sanitized := sanitizeRunID(runID)
	if len(sanitized) > 24 {
		sanitized = sanitized[:24]
	}
	return "agent/changes-" + sanitized
}

var urlCredentialsRegex = regexp.MustCompile(`(?i)(//)([^/@\s]+)@`)

// redactURL strips user:password credentials embedded in URLs before they
// reach logs or client-visible messages.
func redactURL(s string) string {
	return urlCredentialsRegex.ReplaceAllString(s, "$1***@")
}
