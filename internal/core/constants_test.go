package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBugReportMessage(t *testing.T) {
	// coverage, and making sure the report points at the maintainers
	bugReport := BugReportMessage()
	assert.Contains(t, bugReport, MaintainerLink)
}

func TestStandInSourceReportsInjected(t *testing.T) {
	assert.Contains(t, StandInSource, "injected: true")
	assert.NotContains(t, BootstrapOnlySources, OrchestratorSource)
}
