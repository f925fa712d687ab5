package safety

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfineToRootAllowsDescendant(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "evidence.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolved, err := ConfineToRoot(root, "evidence.txt")
	if err != nil {
		t.Fatalf("ConfineToRoot: %v", err)
	}
	if filepath.Base(resolved) != "evidence.txt" {
		t.Errorf("resolved = %q, want a path ending in evidence.txt", resolved)
	}
}

func TestConfineToRootAllowsNestedDescendant(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub", "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := ConfineToRoot(root, filepath.Join("sub", "dir", "file.txt")); err != nil {
		t.Fatalf("ConfineToRoot: %v", err)
	}
}

func TestConfineToRootRejectsParentEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ConfineToRoot(root, "../escaped.txt")
	if err != ErrPathEscapesRoot {
		t.Fatalf("err = %v, want ErrPathEscapesRoot", err)
	}
}

func TestConfineToRootRejectsDeepParentEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ConfineToRoot(root, filepath.Join("sub", "..", "..", "escaped.txt"))
	if err != ErrPathEscapesRoot {
		t.Fatalf("err = %v, want ErrPathEscapesRoot", err)
	}
}

func TestConfineToRootRejectsAbsoluteEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ConfineToRoot(root, "/etc/passwd")
	if err != ErrPathEscapesRoot {
		t.Fatalf("err = %v, want ErrPathEscapesRoot", err)
	}
}

func TestConfineToRootAllowsMissingFileWithinRoot(t *testing.T) {
	root := t.TempDir()
	// The candidate doesn't exist yet (e.g. an evidence file named before
	// the executor has written it); this must still resolve, not error.
	resolved, err := ConfineToRoot(root, "not-yet-written.txt")
	if err != nil {
		t.Fatalf("ConfineToRoot: %v", err)
	}
	if filepath.Dir(resolved) == "" {
		t.Errorf("resolved = %q, want non-empty", resolved)
	}
}

func TestConfineToRootRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	_, err := ConfineToRoot(root, "link.txt")
	if err != ErrPathEscapesRoot {
		t.Fatalf("err = %v, want ErrPathEscapesRoot", err)
	}
}

func TestValidHostnameMatchesCurrentHost(t *testing.T) {
	current, err := os.Hostname()
	if err != nil {
		t.Skipf("os.Hostname unavailable: %v", err)
	}
	if !ValidHostname(current) {
		t.Errorf("ValidHostname(%q) = false, want true", current)
	}
}

func TestValidHostnameRejectsOtherHost(t *testing.T) {
	if ValidHostname("definitely-not-this-host.invalid") {
		t.Error("ValidHostname should reject a foreign hostname")
	}
}

func TestValidHostnameRejectsEmpty(t *testing.T) {
	if ValidHostname("") {
		t.Error("ValidHostname should reject an empty hostname")
	}
}
