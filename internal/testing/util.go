// Package testing holds helpers shared by the package tests.
package testing

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

// CapturedOutput redirects os.Stdout and os.Stderr into pipes until Stop.
type CapturedOutput struct {
	OriginalStdout *os.File
	OriginalStderr *os.File

	stdoutW *os.File
	stderrW *os.File
	stdout  chan pipeResult
	stderr  chan pipeResult
}

type pipeResult struct {
	data []byte
	err  error
}

// drain reads r until EOF in the background so writers never block on a
// full pipe.
func drain(r *os.File) chan pipeResult {
	out := make(chan pipeResult, 1)
	go func() {
		defer core.LogDeferredError(r.Close)
		var buf bytes.Buffer
		_, err := io.Copy(&buf, r)
		out <- pipeResult{data: buf.Bytes(), err: err}
	}()
	return out
}

// NewCapturedOutput captures both stdout and stderr output and returns them separately
func NewCapturedOutput() (*CapturedOutput, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		core.LogDeferredError(stdoutR.Close)
		core.LogDeferredError(stdoutW.Close)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	captured := &CapturedOutput{
		OriginalStdout: os.Stdout,
		OriginalStderr: os.Stderr,
		stdoutW:        stdoutW,
		stderrW:        stderrW,
		stdout:         drain(stdoutR),
		stderr:         drain(stderrR),
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW
	return captured, nil
}

// Stop restores the original streams and returns what was written to stdout
// and stderr while capturing.
func (c *CapturedOutput) Stop() (string, string, error) {
	os.Stdout = c.OriginalStdout
	os.Stderr = c.OriginalStderr

	core.LogDeferredError(c.stdoutW.Close)
	core.LogDeferredError(c.stderrW.Close)

	stdout := <-c.stdout
	stderr := <-c.stderr
	if stdout.err != nil {
		return "", "", fmt.Errorf("failed to read captured stdout: %w", stdout.err)
	}
	if stderr.err != nil {
		return "", "", fmt.Errorf("failed to read captured stderr: %w", stderr.err)
	}

	return string(stdout.data), string(stderr.data), nil
}

// Capture runs fn while capturing its output.
func Capture(fn func()) (string, string, error) {
	captured, err := NewCapturedOutput()
	if err != nil {
		return "", "", err
	}
	fn()
	return captured.Stop()
}
