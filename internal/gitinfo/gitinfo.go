// Package gitinfo resolves the commit and branch a pipeline run is built
// from. Resolution order: explicit values, CI environment variables, then
// the git CLI in the build context directory.
package gitinfo

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Info identifies the revision being built and shipped.
type Info struct {
	Commit string
	Branch string
}

// ShortCommit returns the abbreviated commit hash used as an image tag.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// commitEnvVars and branchEnvVars are checked in order. FERRY_* take
// precedence so operators can override what the CI runner exports.
var (
	commitEnvVars = []string{"FERRY_COMMIT", "GITHUB_SHA", "CI_COMMIT_SHA"}
	branchEnvVars = []string{"FERRY_BRANCH", "GITHUB_REF_NAME", "CI_COMMIT_BRANCH"}
)

// Resolve determines commit and branch for the given context directory.
// Explicit values win over everything; empty fields fall through to the
// environment and finally to `git rev-parse`.
func Resolve(contextDir, explicitCommit, explicitBranch string) (Info, error) {
	info := Info{
		Commit: explicitCommit,
		Branch: explicitBranch,
	}

	if info.Commit == "" {
		info.Commit = firstEnv(commitEnvVars)
	}
	if info.Branch == "" {
		info.Branch = firstEnv(branchEnvVars)
	}

	if info.Commit == "" {
		commit, err := gitOutput(contextDir, "rev-parse", "HEAD")
		if err != nil {
			return info, fmt.Errorf("unable to resolve commit: not in environment and %w", err)
		}
		info.Commit = commit
	}

	if info.Branch == "" {
		branch, err := gitOutput(contextDir, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return info, fmt.Errorf("unable to resolve branch: not in environment and %w", err)
		}
		info.Branch = branch
	}

	log.Debug().
		Str("commit", info.ShortCommit()).
		Str("branch", info.Branch).
		Msg("Revision resolved")

	return info, nil
}

func firstEnv(names []string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
