// Package tui provides the terminal output of a hotpatch host: a spinner while
// waiting on the host, notices for notifications, and markdown summaries.
// Everything is written to stderr so stdout stays free for the control server.
//
// The package is script-friendly:
//   - Progress messages only appear when stderr is a TTY
//   - Colors are automatically disabled when piping or when NO_COLOR is set
//   - Notices are always shown, as plain text when colors are off
//
// Environment Variables:
//   - NO_COLOR or HOTPATCH_NO_COLOR: Disable colors (respects https://no-color.org/)
//   - TERM=dumb: Disable colors
//   - HOTPATCH_QUIET: Disable progress and info output
//
// Example usage:
//
//	tui.Progress("Waiting for the host...")
//	tui.ProgressSuccess("Host ready")
//
//	dialog := notify.NewDialog(scheduler, tui.Default().Presenter("Press Enter to acknowledge"), host.Ready)
package tui

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dorcha-inc/hotpatch/internal/notify"
)

// Color definitions using ansi package
var (
	colorGreen  = lipgloss.ANSIColor(2) // ANSI green
	colorYellow = lipgloss.ANSIColor(3) // ANSI yellow
	colorBlue   = lipgloss.ANSIColor(4) // ANSI blue
	colorGray   = lipgloss.ANSIColor(8) // ANSI gray (bright black)
)

// UI provides terminal UI functionality with automatic TTY detection
type UI struct {
	// stdoutIsTTY indicates if stdout is connected to a terminal
	stdoutIsTTY bool
	// stderrIsTTY indicates if stderr is connected to a terminal
	stderrIsTTY bool
	// enabled indicates if progress output should be shown (TTY + not disabled)
	enabled bool
	// colorEnabled indicates if colors should be used
	colorEnabled bool

	mu sync.Mutex
	// currentSpinner tracks the current spinner state
	currentSpinner *spinnerState
	// markdownRenderer for rendering markdown content
	markdownRenderer *glamour.TermRenderer
}

type spinnerState struct {
	started time.Time
	ticker  clockwork.Ticker
	message string
	done    chan struct{}
	stopped chan struct{}
}

var (
	// defaultUI is the default UI instance
	defaultUI    *UI
	spinnerClock clockwork.Clock = clockwork.NewRealClock()

	// stderrRenderer is a renderer that uses stderr for TTY detection
	stderrRenderer = lipgloss.NewRenderer(os.Stderr)

	successStyle  = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGreen).Bold(true)
	spinnerStyle  = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorBlue)
	hintStyle     = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGray)
	headlineStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Bold(true)
	noticeStyle   = lipgloss.NewStyle().Renderer(stderrRenderer).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorYellow).
			Padding(0, 1)
)

func init() {
	defaultUI = New()
}

// New creates a new UI instance with automatic TTY detection
func New() *UI {
	stdoutIsTTY := IsTerminal(os.Stdout)
	stderrIsTTY := IsTerminal(os.Stderr)

	ui := &UI{
		stdoutIsTTY:  stdoutIsTTY,
		stderrIsTTY:  stderrIsTTY,
		enabled:      stderrIsTTY && !isDisabled(),
		colorEnabled: stderrIsTTY && !isColorDisabled(),
	}

	if ui.colorEnabled {
		width := 80
		if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
			width = w
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			ui.markdownRenderer = renderer
		}
	}

	return ui
}

// IsTerminal checks if a file descriptor is connected to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// isDisabled checks if UI is explicitly disabled via environment variables
func isDisabled() bool {
	if val := os.Getenv("HOTPATCH_QUIET"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		return true // Any non-empty value means disabled
	}
	return false
}

// isColorDisabled checks if colors are explicitly disabled
func isColorDisabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	if os.Getenv("HOTPATCH_NO_COLOR") != "" {
		return true
	}
	return os.Getenv("TERM") == "dumb"
}

// Enabled returns whether progress output should be shown
func (u *UI) Enabled() bool {
	return u.enabled
}

// ColorEnabled returns whether colors should be used
func (u *UI) ColorEnabled() bool {
	return u.colorEnabled
}

// StdoutIsTTY returns whether stdout is a terminal
func (u *UI) StdoutIsTTY() bool {
	return u.stdoutIsTTY
}

// StderrIsTTY returns whether stderr is a terminal
func (u *UI) StderrIsTTY() bool {
	return u.stderrIsTTY
}

func (u *UI) spinnerFrame(state *spinnerState) string {
	if !u.colorEnabled {
		return "..."
	}
	elapsed := spinnerClock.Since(state.started)
	frame := int(elapsed/spinner.Line.FPS) % len(spinner.Line.Frames)
	return spinnerStyle.Render(spinner.Line.Frames[frame])
}

// stopSpinnerLocked stops the animation and clears its line. Must be called
// with mu held.
func (u *UI) stopSpinnerLocked() {
	state := u.currentSpinner
	if state == nil {
		return
	}
	state.ticker.Stop()
	close(state.done)
	<-state.stopped
	fmt.Fprint(os.Stderr, "\r", ansi.EraseLine(2))
	u.currentSpinner = nil
}

// Progress shows message next to a spinner that animates in the background
// until ProgressSuccess is called. Calling it again with the same message only
// redraws the current frame.
func (u *UI) Progress(message string) {
	if !u.enabled {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner != nil && u.currentSpinner.message == message {
		fmt.Fprintf(os.Stderr, "\r%s %s", u.spinnerFrame(u.currentSpinner), message)
		return
	}
	u.stopSpinnerLocked()

	state := &spinnerState{
		started: spinnerClock.Now(),
		message: message,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		ticker:  spinnerClock.NewTicker(100 * time.Millisecond),
	}
	u.currentSpinner = state

	fmt.Fprintf(os.Stderr, "\r%s %s", u.spinnerFrame(state), state.message)

	go func() {
		defer close(state.stopped)
		for {
			select {
			case <-state.ticker.Chan():
				fmt.Fprintf(os.Stderr, "\r%s %s", u.spinnerFrame(state), state.message)
			case <-state.done:
				return
			}
		}
	}()
}

// ProgressSuccess stops the spinner and shows a success message. An empty
// message repeats the spinner's message.
func (u *UI) ProgressSuccess(message string) {
	if !u.enabled {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner == nil {
		zap.L().Error("ProgressSuccess called without a spinner")
		return
	}

	if message == "" {
		message = u.currentSpinner.message
	}
	u.stopSpinnerLocked()

	symbol := "✓"
	if u.colorEnabled {
		symbol = successStyle.Render(symbol)
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", symbol, message)
}

// Info prints an informational message to stderr unless HOTPATCH_QUIET is set
func (u *UI) Info(format string, args ...any) {
	if isDisabled() {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// Hint prints a dimmed line to stderr
func (u *UI) Hint(content string) {
	if u.colorEnabled {
		content = hintStyle.Render(content)
	}
	fmt.Fprintln(os.Stderr, content)
}

// noticeWidth is the wrap width of a notice body rendered as markdown.
const noticeWidth = 72

// RenderNotice lays out a notification: the first line as a headline, the
// rest as body, then hint. Colored output is boxed with the body rendered as
// markdown; plain output is framed by rules as wide as the longest line.
func (u *UI) RenderNotice(text, hint string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	if !u.colorEnabled {
		if hint != "" {
			lines = append(lines, "", hint)
		}
		width := 0
		for _, line := range lines {
			width = max(width, ansi.StringWidth(line))
		}
		rule := strings.Repeat("=", max(width, 1))
		return rule + "\n" + strings.Join(lines, "\n") + "\n" + rule
	}

	parts := []string{headlineStyle.Render(lines[0])}
	if len(lines) > 1 {
		parts = append(parts, u.renderNoticeBody(strings.Join(lines[1:], "\n")))
	}
	if hint != "" {
		parts = append(parts, "", hintStyle.Render(hint))
	}
	return noticeStyle.Render(strings.Join(parts, "\n"))
}

// renderNoticeBody renders body through RenderMarkdown, keeping the raw text
// when rendering fails.
func (u *UI) renderNoticeBody(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	rendered, err := u.RenderMarkdown(body, noticeWidth)
	if err != nil {
		zap.L().Debug("Failed to render notice as markdown", zap.Error(err))
		return body
	}
	lines := strings.Split(strings.Trim(rendered, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

// Notice writes a notification to stderr, stopping any running spinner first.
func (u *UI) Notice(text, hint string) {
	u.mu.Lock()
	u.stopSpinnerLocked()
	u.mu.Unlock()

	fmt.Fprintln(os.Stderr, u.RenderNotice(text, hint))
}

// Presenter returns a notify.Presenter writing notices through u.
func (u *UI) Presenter(hint string) notify.Presenter {
	return notify.PresenterFunc(func(_ context.Context, text string) error {
		u.Notice(text, hint)
		return nil
	})
}

// RenderMarkdown renders markdown content using glamour.
// Returns plain text if stderr is not a TTY or if colors are disabled.
func (u *UI) RenderMarkdown(content string, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("width must be greater than 0")
	}

	if !u.stderrIsTTY || !u.colorEnabled {
		return content, nil
	}

	renderer := u.markdownRenderer
	if renderer == nil {
		var err error
		renderer, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content, err
		}
	}

	return renderer.Render(content)
}

// Default returns the default UI instance
func Default() *UI {
	return defaultUI
}

// Reset resets the default UI instance (useful for testing)
func Reset() {
	defaultUI = New()
}

// Convenience functions that use the default UI instance

// Info prints an informational message using the default UI
func Info(format string, args ...any) {
	defaultUI.Info(format, args...)
}

// Hint prints a dimmed line using the default UI
func Hint(content string) {
	defaultUI.Hint(content)
}

// Progress prints a progress message using the default UI
func Progress(message string) {
	defaultUI.Progress(message)
}

// ProgressSuccess stops spinner and shows success using the default UI
func ProgressSuccess(message string) {
	defaultUI.ProgressSuccess(message)
}
