package content

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func put(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSyncRefreshesWebDirsAndSeedsScenariosOnce(t *testing.T) {
	bundle := t.TempDir()
	root := filepath.Join(t.TempDir(), "OpenVetSim")
	put(t, filepath.Join(bundle, "sim-ii", "router.php"), "v1")
	put(t, filepath.Join(bundle, "sim-mgr", "index.php"), "mgr")
	put(t, filepath.Join(bundle, "scenarios", "default", "main.xml"), "bundled")

	res, err := Sync(bundle, root, nil)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !slices.Equal(res.Refreshed, []string{"sim-ii", "sim-mgr"}) || !res.Seeded {
		t.Fatalf("result = %+v", res)
	}
	if fi, err := os.Stat(filepath.Join(root, "simlogs", "video")); err != nil || !fi.IsDir() {
		t.Fatalf("simlogs/video missing: %v", err)
	}

	// user edits a scenario, a stale file sits in a web dir, the bundle is updated
	put(t, filepath.Join(root, "scenarios", "default", "main.xml"), "edited")
	put(t, filepath.Join(root, "sim-ii", "stale.php"), "old")
	put(t, filepath.Join(bundle, "sim-ii", "router.php"), "v2")

	res, err = Sync(bundle, root, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Seeded {
		t.Fatal("scenarios must not be reseeded")
	}
	if got := read(t, filepath.Join(root, "sim-ii", "router.php")); got != "v2" {
		t.Fatalf("router.php = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "sim-ii", "stale.php")); !os.IsNotExist(err) {
		t.Fatal("stale web file survived refresh")
	}
	if got := read(t, filepath.Join(root, "scenarios", "default", "main.xml")); got != "edited" {
		t.Fatalf("user scenario clobbered: %q", got)
	}
}

func TestSyncEmptyBundle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	res, err := Sync(t.TempDir(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Refreshed) != 0 || res.Seeded {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(root, "simlogs", "video")); err != nil {
		t.Fatal(err)
	}
}
