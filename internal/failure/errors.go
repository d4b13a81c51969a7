// Package failure defines the error taxonomy used to pick a recovery path when
// a reload attempt goes wrong, plus the helpers that turn an error chain into
// log reports and user-facing call trails.
package failure

import (
	"errors"
	"fmt"
)

// Kind tags an error with the recovery path it calls for.
type Kind string

const (
	// KindInjection is an expected precondition or postcondition violation.
	KindInjection Kind = "injection"
	// KindStaticInit is a failure raised by a unit's initializer.
	KindStaticInit Kind = "static_initialization"
	// KindUnexpected is anything else.
	KindUnexpected Kind = "unexpected"
)

// Datum is a piece of structured side-data attached to an error.
type Datum struct {
	Key   string
	Value any
}

// record is embedded by every error type of this package.
type record struct {
	site Site
	data []Datum
}

func (r *record) Site() Site { return r.site }

func (r *record) attach(key string, value any) {
	r.data = append(r.data, Datum{Key: key, Value: value})
}

func (r *record) attached() []Datum { return r.data }

// InjectionError reports an expected failure discovered before or during a swap.
type InjectionError struct {
	record
	Message string
	Cause   error
}

// Injection creates an InjectionError recording the caller's site.
func Injection(message string) *InjectionError {
	return &InjectionError{record: record{site: capture(1)}, Message: message}
}

// Injectionf is Injection with a format string.
func Injectionf(format string, args ...any) *InjectionError {
	return &InjectionError{record: record{site: capture(1)}, Message: fmt.Sprintf(format, args...)}
}

// InjectionCause creates an InjectionError caused by err.
func InjectionCause(message string, err error) *InjectionError {
	return &InjectionError{record: record{site: capture(1)}, Message: message, Cause: err}
}

func (e *InjectionError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *InjectionError) Unwrap() error { return e.Cause }

func (e *InjectionError) Kind() Kind { return KindInjection }

func (e *InjectionError) summary() string { return e.Message }

// StaticInitError reports that the initializer of a unit failed.
type StaticInitError struct {
	record
	Unit  string
	Cause error
}

// StaticInit creates a StaticInitError for unit caused by err.
func StaticInit(unit string, err error) *StaticInitError {
	return &StaticInitError{record: record{site: capture(1)}, Unit: unit, Cause: err}
}

func (e *StaticInitError) Error() string {
	return e.summary()
}

func (e *StaticInitError) Unwrap() error { return e.Cause }

func (e *StaticInitError) Kind() Kind { return KindStaticInit }

func (e *StaticInitError) summary() string {
	return fmt.Sprintf("the initializer of `%s` raised an error", e.Unit)
}

// SitedError wraps a cause with a message and the site it was wrapped at.
type SitedError struct {
	record
	Message string
	Cause   error
}

// Wrap annotates err with message and the caller's site. Wrap returns nil
// when err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &SitedError{record: record{site: capture(1)}, Message: message, Cause: err}
}

// New creates a SitedError without a cause.
func New(message string) error {
	return &SitedError{record: record{site: capture(1)}, Message: message}
}

func (e *SitedError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SitedError) Unwrap() error { return e.Cause }

func (e *SitedError) summary() string { return e.Message }

// FromPanic turns a recovered panic value into an error.
func FromPanic(r any) error {
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	return &SitedError{record: record{site: capture(1)}, Message: "panic", Cause: cause}
}

// annotated carries side-data for errors that are not built by this package.
// It is transparent to Causes.
type annotated struct {
	error
	data []Datum
}

func (a *annotated) Unwrap() error { return a.error }

func (a *annotated) attached() []Datum { return a.data }

type attacher interface {
	attach(key string, value any)
}

// WithData attaches key and value to err and returns it. Errors built by this
// package carry the data themselves; any other error is wrapped.
func WithData(err error, key string, value any) error {
	if err == nil {
		return nil
	}
	if a, ok := err.(attacher); ok {
		a.attach(key, value)
		return err
	}
	if a, ok := err.(*annotated); ok {
		a.data = append(a.data, Datum{Key: key, Value: value})
		return a
	}
	return &annotated{error: err, data: []Datum{{Key: key, Value: value}}}
}

// Data collects the side-data attached along err's chain, outermost first.
func Data(err error) []Datum {
	var out []Datum
	for e := err; e != nil; e = errors.Unwrap(e) {
		if d, ok := e.(interface{ attached() []Datum }); ok {
			out = append(out, d.attached()...)
		}
	}
	return out
}

// Classify returns the kind of the outermost error in the chain that has one.
// Errors without any kind are unexpected.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if k, ok := e.(interface{ Kind() Kind }); ok {
			return k.Kind()
		}
	}
	return KindUnexpected
}

// Interface guards
var (
	_ error    = &InjectionError{}
	_ error    = &StaticInitError{}
	_ error    = &SitedError{}
	_ attacher = &InjectionError{}
	_ attacher = &StaticInitError{}
	_ attacher = &SitedError{}
)
