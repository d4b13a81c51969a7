package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/tasks"
)

// Presenter renders a notification's text. It must not block waiting for the
// acknowledgement; that arrives later through Dialog.Acknowledge.
type Presenter interface {
	Present(ctx context.Context, text string) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, text string) error

func (f PresenterFunc) Present(ctx context.Context, text string) error {
	return f(ctx, text)
}

// DialogState describes where a dialog is in its lifecycle.
type DialogState string

const (
	DialogHidden  DialogState = "hidden"
	DialogPending DialogState = "pending"
	DialogActive  DialogState = "active"
)

// Dialog is a modal Notifier. Show defers presentation to the interface
// context until the host is ready, and holds the core context while the
// dialog stays visible.
type Dialog struct {
	scheduler     *tasks.Scheduler
	presenter     Presenter
	ready         func() bool
	pollInterval  time.Duration
	blockInterval time.Duration

	mu    sync.Mutex
	state DialogState
	text  string
	onAck func()
}

// DialogOption configures a Dialog.
type DialogOption func(*Dialog)

// WithPollInterval sets how often the host readiness is checked.
func WithPollInterval(d time.Duration) DialogOption {
	return func(dlg *Dialog) { dlg.pollInterval = d }
}

// WithBlockInterval sets how often the core context re-checks the dialog.
func WithBlockInterval(d time.Duration) DialogOption {
	return func(dlg *Dialog) { dlg.blockInterval = d }
}

// NewDialog creates a dialog presented through presenter once ready reports
// true. A nil ready is treated as always ready.
func NewDialog(scheduler *tasks.Scheduler, presenter Presenter, ready func() bool, opts ...DialogOption) *Dialog {
	if ready == nil {
		ready = func() bool { return true }
	}
	d := &Dialog{
		scheduler:     scheduler,
		presenter:     presenter,
		ready:         ready,
		pollInterval:  tasks.DefaultPollInterval,
		blockInterval: tasks.DefaultBlockInterval,
		state:         DialogHidden,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// setStateLocked must be called with mu held.
func (d *Dialog) setStateLocked(state DialogState) {
	old := d.state
	d.state = state
	core.LogStateTransition("dialog", string(old), string(state))
}

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsShowing reports whether a notification is pending or visible.
func (d *Dialog) IsShowing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != DialogHidden
}

// Text returns the text of the current notification, if any.
func (d *Dialog) Text() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DialogHidden {
		return "", false
	}
	return d.text, true
}

// Show schedules text for presentation. onAck runs once the user
// acknowledges it; nil means nothing to do.
func (d *Dialog) Show(text string, onAck func()) error {
	if onAck == nil {
		onAck = func() {}
	}

	d.mu.Lock()
	if d.state != DialogHidden {
		d.mu.Unlock()
		return ErrAlreadyShowing
	}
	d.text = text
	d.onAck = onAck
	d.setStateLocked(DialogPending)
	d.mu.Unlock()

	err := d.scheduler.Submit(tasks.ContextInterface, func(ctx context.Context) {
		if err := d.scheduler.WaitUntil(ctx, d.ready, d.present, d.pollInterval); err != nil {
			zap.L().Error("Failed to wait for host readiness", zap.Error(err))
			d.reset()
		}
	}, 0)
	if err != nil {
		d.reset()
		return fmt.Errorf("failed to schedule notification: %w", err)
	}
	return nil
}

func (d *Dialog) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = ""
	d.onAck = nil
	d.setStateLocked(DialogHidden)
}

// present runs on the interface context once the host is ready.
func (d *Dialog) present(ctx context.Context) {
	d.mu.Lock()
	text := d.text
	d.setStateLocked(DialogActive)
	d.mu.Unlock()

	if err := d.presenter.Present(ctx, text); err != nil {
		// A notification that cannot be rendered counts as acknowledged so
		// its callback still runs.
		zap.L().Error("Failed to present notification", zap.Error(err))
		d.Acknowledge()
		return
	}

	err := d.scheduler.Submit(tasks.ContextCore, func(coreCtx context.Context) {
		if err := d.scheduler.BlockWhile(coreCtx, d.IsShowing, d.blockInterval); err != nil {
			zap.L().Debug("Stopped holding the core context", zap.Error(err))
		}
	}, 0)
	if err != nil {
		zap.L().Warn("Failed to hold the core context", zap.Error(err))
	}
}

// Acknowledge dismisses the visible notification and runs its callback.
// It returns false when nothing is visible, so a second acknowledgement of
// the same notification does nothing.
func (d *Dialog) Acknowledge() (acked bool) {
	d.mu.Lock()
	if d.state != DialogActive {
		d.mu.Unlock()
		return false
	}
	onAck := d.onAck
	d.text = ""
	d.onAck = nil
	d.setStateLocked(DialogHidden)
	d.mu.Unlock()

	acked = true
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("notification callback", r)
		}
	}()
	onAck()
	return acked
}

// Interface guard for Dialog
var _ Notifier = &Dialog{}
