package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
}

func TestGetRepoRootAndCurrentBranch(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	root, err := GetRepoRoot(repo, 5*time.Second)
	if err != nil {
		t.Fatalf("GetRepoRoot: %v", err)
	}
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	resolvedRepo, _ := filepath.EvalSymlinks(repo)
	if resolvedRoot != resolvedRepo {
		t.Fatalf("GetRepoRoot = %q, want %q", resolvedRoot, resolvedRepo)
	}

	branch, err := GetCurrentBranch(repo, 5*time.Second)
	if err != nil {
		t.Fatalf("GetCurrentBranch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("branch = %q, want main", branch)
	}
}

func TestEnsureAttachedBranchHealsDetachedHEAD(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	cmd := exec.Command("git", "checkout", "--detach", "HEAD")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("detach HEAD: %v: %s", err, out)
	}

	if _, err := GetCurrentBranch(repo, 5*time.Second); err != ErrDetachedHEAD {
		t.Fatalf("expected ErrDetachedHEAD, got %v", err)
	}

	branch, healed, err := EnsureAttachedBranch(repo, 5*time.Second, "jobctl/test")
	if err != nil {
		t.Fatalf("EnsureAttachedBranch: %v", err)
	}
	if !healed {
		t.Fatalf("expected healing to occur")
	}
	if branch == "" || branch == "HEAD" {
		t.Fatalf("unexpected healed branch %q", branch)
	}

	current, err := GetCurrentBranch(repo, 5*time.Second)
	if err != nil {
		t.Fatalf("GetCurrentBranch after heal: %v", err)
	}
	if current != branch {
		t.Fatalf("current branch = %q, want %q", current, branch)
	}
}

func TestProvisionCreatesSymlinkedWorktree(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-abc123")

	if err := Provision(repo, jobDir, "abc123", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	layout := NewLayout(jobDir)
	if _, err := os.Stat(layout.TargetGit); err != nil {
		t.Fatalf("target.git missing: %v", err)
	}
	if _, err := os.Stat(layout.WorkspaceDir); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}

	gitFile := filepath.Join(layout.WorkspaceDir, ".git")
	info, err := os.Lstat(gitFile)
	if err != nil {
		t.Fatalf("lstat .git: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf(".git is not a symlink")
	}

	if err := VerifyOwnership(layout); err != nil {
		t.Fatalf("VerifyOwnership: %v", err)
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-xyz789")

	if err := Provision(repo, jobDir, "xyz789", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	layout := NewLayout(jobDir)
	marker := filepath.Join(layout.WorkspaceDir, "scratch.txt")
	if err := os.WriteFile(marker, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Provision(repo, jobDir, "xyz789", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("expected stale workspace to be wiped, marker still present")
	}
}

func TestGitStatusReportsUntrackedAndStaged(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-status1")
	if err := Provision(repo, jobDir, "status1", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	layout := NewLayout(jobDir)

	if err := os.WriteFile(filepath.Join(layout.WorkspaceDir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	status, err := GitStatus(layout, 5*time.Second)
	if err != nil {
		t.Fatalf("GitStatus: %v", err)
	}
	if len(status.Untracked) != 1 || status.Untracked[0] != "new.txt" {
		t.Fatalf("Untracked = %v, want [new.txt]", status.Untracked)
	}
	if len(status.RecentCommits) == 0 {
		t.Fatalf("expected at least one recent commit")
	}
}

func TestCommitNoChangesReturnsSentinel(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-nochanges")
	if err := Provision(repo, jobDir, "nochanges", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	layout := NewLayout(jobDir)

	_, err := Commit(layout, nil, "nothing changed", nil, 5*time.Second)
	if err != ErrNoChanges {
		t.Fatalf("Commit = %v, want ErrNoChanges", err)
	}
}

func TestCommitStagesEvidenceAndCommits(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-commit1")
	if err := Provision(repo, jobDir, "commit1", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	layout := NewLayout(jobDir)

	evidencePath := filepath.Join(layout.WorkspaceDir, "evidence.txt")
	if err := os.WriteFile(evidencePath, []byte("proof"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Commit(layout, []string{"evidence.txt"}, "step 1 complete", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Hash == "" {
		t.Fatalf("expected non-empty commit hash")
	}
	found := false
	for _, f := range result.Committed {
		if f == "evidence.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Committed = %v, want evidence.txt present", result.Committed)
	}
}

func TestMergePreviewWritesPatchFile(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	jobsRoot := t.TempDir()
	jobDir := filepath.Join(jobsRoot, "job-preview1")
	if err := Provision(repo, jobDir, "preview1", "main", 10*time.Second, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	layout := NewLayout(jobDir)

	if err := os.WriteFile(filepath.Join(layout.WorkspaceDir, "change.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(layout, []string{"change.txt"}, "work", nil, 5*time.Second); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	patchPath, err := MergePreview(layout, "preview1", "main", 5*time.Second)
	if err != nil {
		t.Fatalf("MergePreview: %v", err)
	}
	data, err := os.ReadFile(patchPath)
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty patch file")
	}
}

func TestIsEligibleForCleanup(t *testing.T) {
	now := time.Now()
	policy := DefaultCleanupPolicy()

	cases := []struct {
		name string
		in   EligibilityInput
		want bool
	}{
		{"completed job always eligible", EligibilityInput{Status: "SUCCESS", WorkspaceModified: now, Policy: policy}, true},
		{"fresh failed job not eligible", EligibilityInput{Status: "FAILED", WorkspaceModified: now, Policy: policy}, false},
		{"old failed job eligible", EligibilityInput{Status: "FAILED", WorkspaceModified: now.Add(-8 * 24 * time.Hour), Policy: policy}, true},
		{"preserved failed job never eligible", EligibilityInput{Status: "FAILED", WorkspaceModified: now.Add(-30 * 24 * time.Hour), Policy: CleanupPolicy{PreserveFailedJobs: true, CleanupFailedJobsAfter: 7 * 24 * time.Hour}}, false},
		{"active job not eligible", EligibilityInput{Status: "IN_PROGRESS", WorkspaceModified: now.Add(-30 * 24 * time.Hour), Policy: policy}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsEligibleForCleanup(tc.in, now); got != tc.want {
				t.Errorf("IsEligibleForCleanup(%+v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestArchiveDryRunDoesNotWrite(t *testing.T) {
	jobDir := t.TempDir()
	layout := NewLayout(jobDir)
	if err := os.MkdirAll(layout.WorkspaceDir, 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := Archive(layout, "dryrun1", true)
	if err != nil {
		t.Fatalf("Archive dry-run: %v", err)
	}
	if _, err := os.Stat(result.ArchivePath); !os.IsNotExist(err) {
		t.Fatalf("expected dry-run to not create archive file")
	}
}

func TestArchiveThenDelete(t *testing.T) {
	jobDir := t.TempDir()
	layout := NewLayout(jobDir)
	if err := os.MkdirAll(layout.WorkspaceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layout.WorkspaceDir, "f.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(layout.TargetGit, 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := Archive(layout, "archive1", false)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(result.ArchivePath); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}
	if _, err := os.Stat(result.MetadataPath); err != nil {
		t.Fatalf("archive metadata missing: %v", err)
	}

	if err := Delete(layout); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(layout.WorkspaceDir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace dir removed")
	}
	if _, err := os.Stat(layout.TargetGit); !os.IsNotExist(err) {
		t.Fatalf("expected target.git removed")
	}
}

func TestPruneBackupsKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"20260101_000000.backup",
		"20260102_000000.backup",
		"20260103_000000.backup",
		"20260104_000000.backup",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := PruneBackups(dir, 2); err != nil {
		t.Fatalf("PruneBackups: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Name() == names[0] || e.Name() == names[1] {
			t.Fatalf("expected oldest backups pruned, found %s", e.Name())
		}
	}
}

func TestDiscoverAttachFiles(t *testing.T) {
	jobDir := t.TempDir()
	layout := NewLayout(jobDir)
	if err := os.MkdirAll(layout.WorkspaceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	mentioned := filepath.Join(layout.WorkspaceDir, "design.md")
	unmentioned := filepath.Join(layout.WorkspaceDir, "unrelated.txt")
	if err := os.WriteFile(mentioned, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(unmentioned, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := DiscoverAttachFiles("please review design.md for context", layout, "", nil)
	if err != nil {
		t.Fatalf("DiscoverAttachFiles: %v", err)
	}
	if len(files) != 1 || files[0] != mentioned {
		t.Fatalf("files = %v, want [%s]", files, mentioned)
	}
}

func TestPidAlive(t *testing.T) {
	if !PidAlive(os.Getpid()) {
		t.Fatalf("expected current process to be alive")
	}
	if PidAlive(0) {
		t.Fatalf("expected pid 0 to be reported dead")
	}
}
