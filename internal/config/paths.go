package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// BinaryPath resolves the engine executable for the configured install mode:
//
//	packaged:    <resources>/bin/<name>[.exe]
//	development: <app>/../OpenVetSim/build/bin/<name>[.exe]
func (c *Config) BinaryPath() string {
	return binaryPath(c.Engine, runtime.GOOS)
}

// ContentRoot is the directory exported to the engine as its web root.
func (c *Config) ContentRoot() string {
	return contentRoot(c.Engine, runtime.GOOS, os.Getenv, os.UserConfigDir)
}

// SyncContent reports whether bundled content should be copied into the
// content root before the engine starts.
func (c *Config) SyncContent() bool {
	if c.Engine.SyncContent != nil {
		return *c.Engine.SyncContent
	}
	return c.Engine.Packaged && runtime.GOOS == "darwin"
}

func binaryPath(e EngineConfig, goos string) string {
	if e.BinaryPath != "" {
		return filepath.Clean(e.BinaryPath)
	}
	name := executableName(e.BinaryName, goos)
	if e.Packaged {
		return filepath.Join(e.ResourcesDir, "bin", name)
	}
	return filepath.Join(appDir(e), "..", "OpenVetSim", "build", "bin", name)
}

func contentRoot(e EngineConfig, goos string, getenv func(string) string, userConfigDir func() (string, error)) string {
	if e.ContentRoot != "" {
		return filepath.Clean(e.ContentRoot)
	}
	if !e.Packaged {
		return filepath.Clean(filepath.Join(appDir(e), ".."))
	}
	if goos == "windows" {
		base := getenv("PROGRAMDATA")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "OpenVetSim")
	}
	base, err := userConfigDir()
	if err != nil || base == "" {
		base = filepath.Join(os.TempDir(), "simvisor")
	}
	return filepath.Join(base, "OpenVetSim")
}

func executableName(name, goos string) string {
	if goos == "windows" && !strings.EqualFold(filepath.Ext(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// appDir defaults to the directory holding the supervisor executable.
func appDir(e EngineConfig) string {
	if e.AppDir != "" {
		return e.AppDir
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}
