package workspace

import "errors"

// Sentinel errors for the workspace package. Using sentinels instead of
// ad-hoc fmt.Errorf allows callers to match with errors.Is for reliable
// error handling, matching the idiom the rest of jobctl follows.
var (
	// ErrDetachedHEAD is returned when a job's enclosing repo is in
	// detached HEAD state and self-healing did not apply.
	ErrDetachedHEAD = errors.New("detached HEAD: workspace provisioning requires a named branch")

	// ErrDetachedSelfHealFailed is returned when automatic recovery from
	// detached HEAD state fails.
	ErrDetachedSelfHealFailed = errors.New("detached HEAD self-heal failed")

	// ErrNotGitRepo is returned when jobctl is invoked outside a git
	// repository.
	ErrNotGitRepo = errors.New("not a git repository (jobctl must run from inside the repo being worked on)")

	// ErrResolveHEAD is returned when the base branch's HEAD commit cannot
	// be resolved.
	ErrResolveHEAD = errors.New("unable to resolve HEAD commit for job branch creation")

	// ErrBranchCollision is returned after repeated failed attempts to
	// create a job branch.
	ErrBranchCollision = errors.New("failed to create job branch after repeated attempts")

	// ErrForeignWorkspace is returned when a workspace's .git does not
	// resolve to the job's own bare repository, violating the no-shared-
	// target-repo invariant (spec.md §3.6).
	ErrForeignWorkspace = errors.New("workspace .git does not resolve to this job's target repository")

	// ErrNoChanges is returned by Commit when the working tree has no
	// staged changes to commit. The orchestrator tolerates this error.
	ErrNoChanges = errors.New("no changes to commit")

	// ErrRepoUnclean is returned when a merge-preview base branch has
	// uncommitted changes that persist after repeated polling.
	ErrRepoUnclean = errors.New("base repository has uncommitted changes")

	// ErrMergeConflict is returned when a preview diff cannot be computed
	// because the job branch and base branch cannot be compared.
	ErrMergeConflict = errors.New("unable to compute merge preview")
)
