// Package safety centralizes jobctl's threat model and the runtime guards
// that enforce it, adapted from the teacher's internal/safety/doc.go
// (structured as a threat-to-mitigation table) but rewritten for the
// threats a single-host job orchestrator actually faces rather than the
// teacher's hook/vibe-check/push-gate surface, which has no jobctl analog.
//
// # Threat Model
//
// T1 - Command Injection: evidence file names, attachment paths, and role
// names flow from job manifests (themselves edited by hand or by the
// executor's replies) into subprocess invocation. Mitigated by never
// building a shell string: internal/executor.Invoke always calls
// exec.CommandContext with an argv slice, so shell metacharacters in any
// of those strings are inert.
//
// T2 - Path Traversal: evidence paths named in a history entry, or
// attachment paths discovered by internal/workspace.DiscoverAttachFiles,
// could escape the job's workspace via ".." sequences, an absolute path,
// or a symlink. Mitigated by ConfineToRoot, which resolves symlinks on
// both the candidate path and the root and rejects anything that does
// not resolve to a descendant of the root.
//
// T3 - Lock File Spoofing: internal/lockmgr's advisory lock is a JSON
// file recording a PID and hostname, not an OS-enforced flock. A
// hand-edited or attacker-written lock file could claim a PID that is
// alive but belongs to an unrelated process, or a hostname that makes a
// stale lock look current. Mitigated by internal/recovery.Reattachment
// cross-checking the lock's recorded PID against OS-level liveness
// (internal/workspace.PidAlive) rather than trusting the file's
// existence alone, and by ValidHostname rejecting lock payloads whose
// hostname does not match the current host when deciding whether a lock
// is reattachable from this machine.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
)

// ErrPathEscapesRoot is returned by ConfineToRoot when candidate resolves
// outside root.
var ErrPathEscapesRoot = fmt.Errorf("path escapes confinement root")

// ConfineToRoot resolves candidate (joined to root if relative) and root
// through any symlinks and verifies the result is root itself or a
// descendant of it. It returns the resolved absolute path on success.
//
// Candidate paths that do not yet exist on disk (e.g. an evidence file
// named in a history entry before it's written) are resolved
// lexically instead: EvalSymlinks requires the path to exist, so a
// missing path is checked with filepath.Clean + Abs and rejected only on
// ".."/absolute escape, not on a missing-file error.
func ConfineToRoot(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		resolvedRoot = absRoot
	}

	joined := candidate
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(absRoot, candidate)
	}
	joined = filepath.Clean(joined)

	resolved, err := filepath.EvalSymlinks(joined)
	if os.IsNotExist(err) {
		resolved = joined
	} else if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return "", ErrPathEscapesRoot
	}
	if rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", ErrPathEscapesRoot
	}
	if rel == "." {
		return resolvedRoot, nil
	}
	return resolved, nil
}

// ValidHostname reports whether a lock payload's recorded hostname
// matches the current host, per T3: a reattachment decision should never
// treat a lock written by a different machine as something this
// process can validate liveness for.
func ValidHostname(lockHostname string) bool {
	if lockHostname == "" {
		return false
	}
	current, err := os.Hostname()
	if err != nil {
		return false
	}
	return current == lockHostname
}
