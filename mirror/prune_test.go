package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/etnz/apt-mirror/config"
)

func pruneGroups(t *testing.T, serverURL, output string, dryRun bool) PruneDone {
	t.Helper()

	target := testTarget(t, fmt.Sprintf("deb %s/debian bookworm main", serverURL))

	groups, err := GroupForPrune([]*config.Target{target}, output)
	if err != nil {
		t.Fatalf("grouping failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups", len(groups))
	}

	groups[0].DryRun = dryRun

	ctx := NewPruneContext(groups[0], NewProgress())

	result := Run(ctx, PruneSteps())
	done, ok := result.(PruneDone)
	if !ok {
		t.Fatalf("prune result = %v", result)
	}

	return done
}

func TestPruneRemovesUnreferencedFiles(t *testing.T) {
	serverURL, output, root := seedMirror(t)

	junk := filepath.Join(root, "pool", "main", "old", "stale_0.9_amd64.deb")
	os.MkdirAll(filepath.Dir(junk), 0o755)
	os.WriteFile(junk, []byte("stale"), 0o644)

	kept := filepath.Join(root, "pool", "main", "p", "pkg", "pkg_1.0_amd64.deb")

	// dry run reports without deleting
	done := pruneGroups(t, serverURL, output, true)
	if done.Files != 1 {
		t.Errorf("dry run counted %d files", done.Files)
	}
	if _, err := os.Stat(junk); err != nil {
		t.Errorf("dry run must not delete: %v", err)
	}

	done = pruneGroups(t, serverURL, output, false)
	if done.Files != 1 {
		t.Errorf("pruned %d files", done.Files)
	}

	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Errorf("unreferenced file survived")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("referenced artifact deleted: %v", err)
	}

	for _, rel := range []string{
		"dists/bookworm/Release",
		"dists/bookworm/main/binary-amd64/Packages",
		"dists/bookworm/main/binary-amd64/Packages.gz",
	} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Errorf("referenced metadata deleted: %s", rel)
		}
	}
}

func TestPruneRemovesDanglingSymlinks(t *testing.T) {
	serverURL, output, root := seedMirror(t)

	dangling := filepath.Join(root, "pool", "dangling")
	if err := os.Symlink("does-not-exist", dangling); err != nil {
		t.Fatal(err)
	}

	done := pruneGroups(t, serverURL, output, false)
	if done.Files != 1 {
		t.Errorf("pruned %d files", done.Files)
	}
	if _, err := os.Lstat(dangling); !os.IsNotExist(err) {
		t.Errorf("dangling symlink survived")
	}
}

func TestPruneExcludesNestedRoots(t *testing.T) {
	serverURL, output, root := seedMirror(t)

	// a file under an excluded subtree must survive even when unreferenced
	nested := filepath.Join(root, "nested-mirror", "data")
	os.MkdirAll(filepath.Dir(nested), 0o755)
	os.WriteFile(nested, []byte("other mirror"), 0o644)

	target := testTarget(t, fmt.Sprintf("deb %s/debian bookworm main", serverURL))
	groups, err := GroupForPrune([]*config.Target{target}, output)
	if err != nil {
		t.Fatal(err)
	}
	groups[0].ExcludePaths = append(groups[0].ExcludePaths, filepath.Join(root, "nested-mirror"))

	ctx := NewPruneContext(groups[0], NewProgress())
	if result := Run(ctx, PruneSteps()); result.Err() != nil {
		t.Fatalf("prune failed: %v", result)
	}

	if _, err := os.Stat(nested); err != nil {
		t.Errorf("excluded path was touched: %v", err)
	}
}
