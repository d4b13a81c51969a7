package failure

import (
	"runtime"
	"strings"
)

// Site is the place an error was raised: the declaring context (package, or
// package and receiver type) and the operation (function or method name).
type Site struct {
	Context   string
	Operation string
}

func (s Site) String() string {
	if s.Operation == "" {
		return s.Context
	}
	return s.Context + ":" + s.Operation
}

// IsZero reports whether the site is unknown.
func (s Site) IsZero() bool {
	return s.Context == "" && s.Operation == ""
}

// capture returns the site of the caller skip frames above its own caller.
func capture(skip int) Site {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return Site{}
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	return siteFromFunction(frame.Function)
}

// siteFromFunction splits a runtime function name such as
// "github.com/x/y/reload.(*Orchestrator).swap" into its context and operation.
func siteFromFunction(name string) Site {
	if name == "" {
		return Site{}
	}
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		name = name[slash+1:]
	}
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return Site{Context: name}
	}
	return Site{Context: name[:dot], Operation: name[dot+1:]}
}
