package sim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/host"
)

// Host is a simulated host process. It becomes ready once readyAfter has
// passed since it was created, or when MarkReady is called.
type Host struct {
	clock      clockwork.Clock
	started    time.Time
	readyAfter time.Duration
	dataDir    string
	manager    *Manager

	ready   atomic.Bool
	reloads atomic.Int32
}

// NewHost creates a host with a real clock
func NewHost(manager *Manager, dataDir string, readyAfter time.Duration) *Host {
	return NewHostWithClock(manager, dataDir, readyAfter, clockwork.NewRealClock())
}

// NewHostWithClock creates a host with a custom clock
// This is useful for testing with a fake clock
func NewHostWithClock(manager *Manager, dataDir string, readyAfter time.Duration, clock clockwork.Clock) *Host {
	return &Host{
		clock:      clock,
		started:    clock.Now(),
		readyAfter: readyAfter,
		dataDir:    dataDir,
		manager:    manager,
	}
}

// Boot runs the host's first build and initializes the resulting module.
// Initializer failures are logged; only a failed build is returned.
func (h *Host) Boot(ctx context.Context) error {
	if err := h.manager.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to discover components: %w", err)
	}
	if err := h.manager.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}
	for _, err := range InitializeAll(h.manager.ActiveModule()) {
		zap.L().Error("Unit failed to initialize", zap.Error(err))
	}
	return nil
}

// Ready reports whether the start-up sequence has finished.
func (h *Host) Ready() bool {
	if h.ready.Load() {
		return true
	}
	if h.clock.Since(h.started) >= h.readyAfter {
		h.ready.Store(true)
		return true
	}
	return false
}

// MarkReady ends the start-up sequence immediately.
func (h *Host) MarkReady() {
	h.ready.Store(true)
}

// HotReloadConfig points the host at the active module.
func (h *Host) HotReloadConfig() error {
	active := h.manager.ActiveModule()
	if active == nil {
		return errors.New("no active module to reload the configuration from")
	}
	h.reloads.Add(1)
	fields := []zap.Field{zap.String("module", active.Name())}
	if mod, ok := active.(*Module); ok {
		fields = append(fields, zap.Int("generation", mod.Generation()))
	}
	zap.L().Info("Reloaded host configuration", fields...)
	return nil
}

// Reloads counts successful HotReloadConfig calls.
func (h *Host) Reloads() int {
	return int(h.reloads.Load())
}

func (h *Host) DataDir() string { return h.dataDir }

// RequestRebuild asks for a fresh compile of all components, the way the
// host does when its component list changes.
func (h *Host) RequestRebuild(ctx context.Context) error {
	zap.L().Info("Rebuild requested")
	h.manager.SetCompiled(false)
	return h.manager.Rebuild(ctx)
}

// Loader records engine binaries pulled into the process.
type Loader struct {
	mu     sync.Mutex
	loaded []string
}

// Load checks that path is a regular file and records it.
func (l *Loader) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("failed to load %s: not a regular file", path)
	}

	l.mu.Lock()
	l.loaded = append(l.loaded, path)
	l.mu.Unlock()

	zap.L().Info("Loaded engine binary", zap.String("path", path), zap.Int64("size", info.Size()))
	return nil
}

// Loaded lists the paths loaded so far.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loaded...)
}

// Interface guards
var (
	_ host.Host         = &Host{}
	_ host.BinaryLoader = &Loader{}
)
