package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

// LocateFileFold finds name inside dir, ignoring case. It fails with
// core.ErrDirectoryNotFound or core.ErrFileNotFound.
func LocateFileFold(dir, name string) (string, error) {
	return core.FindFileFold(dir, name)
}

// executableName adds the platform suffix to name.
func executableName(goos, name string) string {
	if goos == core.GOOSWindows && filepath.Ext(name) != ".exe" {
		return name + ".exe"
	}
	return name
}

// ExecutableCandidates lists, in probing order, where the host executable may
// live relative to dataDir.
func ExecutableCandidates(dataDir, name string) []string {
	name = executableName(runtime.GOOS, name)
	return []string{
		filepath.Join(dataDir, "..", name),
		filepath.Join(dataDir, "..", "..", name),
		filepath.Join(".", name),
	}
}

// LocateExecutable returns the first candidate of ExecutableCandidates that
// the platform can run.
func LocateExecutable(dataDir, name string) (string, error) {
	candidates := ExecutableCandidates(dataDir, name)
	for _, candidate := range candidates {
		if launchable(runtime.GOOS, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (looked in %v)", core.ErrFileNotFound, name, candidates)
}

// launchable reports whether path is a regular file. Outside Windows it must
// also carry an executable bit.
func launchable(goos, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return goos == core.GOOSWindows || core.IsExecutable(info)
}

// Launcher starts a detached process.
type Launcher interface {
	Launch(ctx context.Context, path string, args ...string) error
}

// Restarter relaunches the host and exits the current process.
type Restarter struct {
	launcher Launcher
	// Exit terminates the process. Replaced in tests.
	Exit func(code int)
}

// NewRestarter creates a restarter backed by core.ProcessLauncher
func NewRestarter() *Restarter {
	return NewRestarterWithLauncher(core.NewProcessLauncher())
}

// NewRestarterWithLauncher creates a restarter with a custom launcher
// This is useful for testing without spawning processes
func NewRestarterWithLauncher(launcher Launcher) *Restarter {
	return &Restarter{launcher: launcher, Exit: os.Exit}
}

// Restart launches the executable at path, then exits whether or not the
// launch succeeded.
func (r *Restarter) Restart(ctx context.Context, path string) {
	if path == "" {
		zap.L().Error("Host executable not found, exiting without relaunch")
	} else if err := r.launcher.Launch(ctx, path); err != nil {
		zap.L().Error("Failed to relaunch host", zap.String("path", path), zap.Error(err))
	} else {
		zap.L().Info("Relaunched host", zap.String("path", path))
	}

	_ = zap.L().Sync()
	r.Exit(0)
}

// Interface guard for core.ProcessLauncher
var _ Launcher = &core.ProcessLauncher{}
