package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Causes returns err followed by every error it wraps, outermost first and
// root cause last. Side-data wrappers created by WithData are skipped.
func Causes(err error) []error {
	var out []error
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(*annotated); ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Root returns the innermost cause of err.
func Root(err error) error {
	causes := Causes(err)
	if len(causes) == 0 {
		return nil
	}
	return causes[len(causes)-1]
}

// Message returns err's own message without the text contributed by its causes.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if s, ok := err.(interface{ summary() string }); ok {
		return s.summary()
	}
	msg := err.Error()
	if next := errors.Unwrap(err); next != nil {
		msg = strings.TrimSuffix(msg, ": "+next.Error())
	}
	return msg
}

// KindName returns a short label for err: its Kind when it has one, otherwise
// the name of its Go type.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	if k, ok := err.(interface{ Kind() Kind }); ok {
		return string(k.Kind())
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		name = name[dot+1:]
	}
	return name
}

// siteOf returns the recorded site of err, or a site naming its type when err
// was not built by this package.
func siteOf(err error) Site {
	if s, ok := err.(interface{ Site() Site }); ok && !s.Site().IsZero() {
		return s.Site()
	}
	return Site{Context: strings.TrimPrefix(fmt.Sprintf("%T", err), "*")}
}

// Trace returns the sites of err's chain, root cause first.
func Trace(err error) []Site {
	causes := Causes(err)
	sites := make([]Site, 0, len(causes))
	for i := len(causes) - 1; i >= 0; i-- {
		sites = append(sites, siteOf(causes[i]))
	}
	return sites
}

// TrailLines renders Trace as a call trail: "At" for the root cause and "Via"
// for every site between it and the outermost error.
func TrailLines(err error) []string {
	sites := Trace(err)
	lines := make([]string, 0, len(sites))
	for i, site := range sites {
		prefix := "Via"
		if i == 0 {
			prefix = "At"
		}
		lines = append(lines, prefix+" "+site.String())
	}
	return lines
}

// Report formats err and its whole cause chain for the logs, followed by any
// attached side-data. Values spanning several lines are indented.
func Report(err error) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Error report...\n")

	for i, cause := range Causes(err) {
		sb.WriteString("\n")
		if i > 0 {
			sb.WriteString("Caused by ")
		}
		fmt.Fprintf(&sb, "[%s] %s\n", KindName(cause), Message(cause))
		fmt.Fprintf(&sb, "  at %s", siteOf(cause))
	}

	if data := Data(err); len(data) > 0 {
		sb.WriteString("\n\nAttached data:")
		for _, d := range data {
			value := strings.ReplaceAll(fmt.Sprint(d.Value), "\n", "\n    ")
			fmt.Fprintf(&sb, "\n  %s => %s", d.Key, value)
		}
	}

	return sb.String()
}
