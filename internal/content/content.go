// Package content prepares the engine's web root from the files shipped with
// a packaged install.
package content

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// WebDirs are the web applications served by the engine's web server. They
// are replaced on every sync so updates take effect.
var WebDirs = []string{"sim-ii", "sim-mgr", "sim-ctl", "sim-player"}

const scenariosDir = "scenarios"

// Result lists what a Sync changed.
type Result struct {
	Refreshed []string `json:"refreshed"`
	Seeded    bool     `json:"seeded"`
}

// Sync copies bundled content from bundle into root:
// web directories are always replaced, scenarios are copied only when root
// has none yet, and simlogs/video is created if missing.
func Sync(bundle, root string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	if err := os.MkdirAll(root, 0o755); err != nil {
		return res, fmt.Errorf("create content root: %w", err)
	}
	for _, dir := range WebDirs {
		src := filepath.Join(bundle, dir)
		if !isDir(src) {
			continue
		}
		dest := filepath.Join(root, dir)
		if err := os.RemoveAll(dest); err != nil {
			return res, fmt.Errorf("remove %s: %w", dest, err)
		}
		if err := os.CopyFS(dest, os.DirFS(src)); err != nil {
			return res, fmt.Errorf("copy %s: %w", dir, err)
		}
		res.Refreshed = append(res.Refreshed, dir)
	}

	src := filepath.Join(bundle, scenariosDir)
	dest := filepath.Join(root, scenariosDir)
	if isDir(src) {
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			if err := os.CopyFS(dest, os.DirFS(src)); err != nil {
				return res, fmt.Errorf("seed scenarios: %w", err)
			}
			res.Seeded = true
		}
	}

	if err := os.MkdirAll(filepath.Join(root, "simlogs", "video"), 0o755); err != nil {
		return res, fmt.Errorf("create simlogs: %w", err)
	}
	logger.Info("content synced", "root", root, "refreshed", res.Refreshed, "seeded_scenarios", res.Seeded)
	return res, nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
