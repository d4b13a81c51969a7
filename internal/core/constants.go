package core

import "fmt"

const (
	MaintainerLink    = "https://github.com/dorcha-inc/hotpatch/blob/main/MAINTAINERS.md"
	BugReportTemplate = "\n\n[NOTE]This is most likely a bug in hotpatch, please reach out to the maintainers at %s"
)

func BugReportMessage() string {
	return fmt.Sprintf(BugReportTemplate, MaintainerLink)
}

// GOOSWindows is runtime.GOOS on Windows.
const GOOSWindows = "windows"

const (
	// ComponentID is the id of the injector component inside the host's component registry.
	ComponentID = "hotpatch-injector"
	// SharedEngineID owns every patch applied through the shared engine instance.
	SharedEngineID = "dorcha.hotpatch.shared"
	// EngineBinaryName is the companion interception engine shipped next to the component.
	EngineBinaryName = "interceptor.so"
	// HostExecutableName is the host binary relaunched when a restart is required.
	HostExecutableName = "host"
)

const (
	// OrchestratorSource implements the orchestrator inside the component's source listing.
	OrchestratorSource = "orchestrator.yaml"

	// StandInSource replaces OrchestratorSource in the injected rebuild. It only
	// reports that injection already happened so the rebuilt module never
	// carries the orchestrator again.
	StandInSource = `name: hotpatch.Orchestrator
kind: stand_in
injected: true
`
)

// BootstrapOnlySources are dropped from the injected rebuild.
var BootstrapOnlySources = []string{"failures.yaml", "engine_interface.yaml"}

const (
	DefaultPollIntervalMs  = 20
	DefaultBlockIntervalMs = 20
)
