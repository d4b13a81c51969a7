// Package notify defines the contract used to present a message to the user
// and wait for its acknowledgement, plus the reference Dialog implementation.
//
// At most one notification may be pending or visible at a time. Asking for a
// second one fails with ErrAlreadyShowing; requests are never queued.
package notify

import (
	"errors"
	"strings"
)

// ErrAlreadyShowing is returned by Show while another notification is pending
// or visible.
var ErrAlreadyShowing = errors.New("notify: a notification is already showing")

// Footer lines appended to every error notification.
const (
	FooterComponents = "Some components may not function correctly."
	FooterLogs       = "Check the output logs for more information."
)

// Notifier presents a message and runs onAck once the user acknowledges it.
type Notifier interface {
	IsShowing() bool
	Show(text string, onAck func()) error
}

// Part is one piece of a message: either a single line or a list of lines.
type Part struct {
	lines []string
}

// Line returns a part holding a single line.
func Line(s string) Part {
	return Part{lines: []string{s}}
}

// Lines returns a part holding every given line, in order.
func Lines(ss ...string) Part {
	return Part{lines: append([]string(nil), ss...)}
}

// Flatten returns the lines of every part, in order.
func Flatten(parts ...Part) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p.lines...)
	}
	return out
}

// ErrorMessage joins the parts one per line and appends the standard footer.
func ErrorMessage(parts ...Part) string {
	var sb strings.Builder
	for _, line := range Flatten(parts...) {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(FooterComponents)
	sb.WriteString("\n")
	sb.WriteString(FooterLogs)
	return sb.String()
}
