package domain

import "strings"

type ValidationResult struct {
	FailedRules []string `json:"failed_rules"`
}

func ValidationPassed(r ValidationResult) bool {
	return len(r.FailedRules) == 0
}

// ValidateEvent checks a normalized repository event before it is allowed
// to trigger runs. Rules are named so callers can return the full failure
// list instead of stopping at the first problem.
func ValidateEvent(ev Event) ValidationResult {
	failed := make([]string, 0)

	if ev.Kind != EventPush && ev.Kind != EventPullRequest {
		failed = append(failed, "event.kind_supported")
	}
	if !validRepoSlug(ev.Repo) {
		failed = append(failed, "event.repo_format")
	}
	if strings.TrimSpace(ev.Branch) == "" {
		failed = append(failed, "event.branch_required")
	}
	if !validCommitSHA(ev.CommitSHA) {
		failed = append(failed, "event.commit_sha_format")
	}
	if !validCloneURL(ev.CloneURL) {
		failed = append(failed, "event.clone_url_format")
	}
	if ev.Kind == EventPullRequest && strings.TrimSpace(ev.SourceBranch) == "" {
		failed = append(failed, "event.source_branch_required")
	}

	return ValidationResult{FailedRules: failed}
}

func validRepoSlug(repo string) bool {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && parts[1] != ""
}

func validCommitSHA(sha string) bool {
	if len(sha) != 40 {
		return false
	}
	for _, r := range sha {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

func validCloneURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	return strings.HasPrefix(raw, "https://") ||
		strings.HasPrefix(raw, "http://") ||
		strings.HasPrefix(raw, "ssh://") ||
		strings.HasPrefix(raw, "git@") ||
		strings.HasPrefix(raw, "file://")
}
