package core

import "os"

// GetEnv retrieves an environment variable, checking both the standard name
// and a HOTPATCH-prefixed version. Returns the first non-empty value found.
func GetEnv(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return os.Getenv("HOTPATCH_" + key)
}

// InjectedEnvVar is set by the host for processes running the injected module variant.
const InjectedEnvVar = "INJECTED"

// RunningInjected reports whether the current process runs the injected module variant.
func RunningInjected() bool {
	switch GetEnv(InjectedEnvVar) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}
