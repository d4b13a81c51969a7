// Package control exposes a running hotpatch process as an MCP server so
// operators and agents can inspect the injection and answer its prompts.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/app"
	"github.com/dorcha-inc/hotpatch/internal/core"
)

// Tool names
const (
	ToolStatus      = "status"
	ToolRebuild     = "rebuild"
	ToolAcknowledge = "acknowledge"
)

// Controller is the part of a running process the server drives.
type Controller interface {
	Status() app.Status
	RequestRebuild() error
	Acknowledge() bool
}

// NoInput is the argument type of tools that take no arguments.
type NoInput struct{}

// RebuildOutput reports whether a rebuild was scheduled.
type RebuildOutput struct {
	Scheduled bool `json:"scheduled"`
}

// AcknowledgeOutput reports whether a notification was dismissed.
type AcknowledgeOutput struct {
	Acknowledged bool `json:"acknowledged"`
}

// Server stores the state and dependencies for the control MCP server.
type Server struct {
	controller  Controller
	version     string
	mcpServer   *mcp.Server
	httpHandler *mcp.StreamableHTTPHandler
	tools       mapset.Set[string]
	calls       *xsync.MapOf[string, int]
}

// NewServer creates a control server for controller
func NewServer(controller Controller, version string) *Server {
	s := &Server{
		controller: controller,
		version:    version,
		tools:      mapset.NewSet[string](),
		calls:      xsync.NewMapOf[string, int](),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{Name: "hotpatch", Version: version}, nil)
	addTool(s, ToolStatus, "Report the injection state, the active module and any visible notification.", s.handleStatus)
	addTool(s, ToolRebuild, "Ask the host to rebuild its components, as it does when the component list changes.", s.handleRebuild)
	addTool(s, ToolAcknowledge, "Dismiss the visible notification and run its follow-up.", s.handleAcknowledge)

	s.httpHandler = mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcpServer },
		&mcp.StreamableHTTPOptions{Stateless: false},
	)
	return s
}

// addTool registers handle under name.
func addTool[Out any](s *Server, name, description string, handle func(ctx context.Context) (Out, error)) {
	mcp.AddTool(s.mcpServer, &mcp.Tool{Name: name, Description: description}, wrap(s, name, handle))
	s.tools.Add(name)
	zap.L().Debug("Registered control tool", zap.String("tool", name))
}

// wrap adapts handle to an MCP tool handler. It counts calls and turns a
// panic in handle into an error result.
func wrap[Out any](s *Server, name string, handle func(ctx context.Context) (Out, error)) func(context.Context, *mcp.CallToolRequest, NoInput) (*mcp.CallToolResult, Out, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (result *mcp.CallToolResult, output Out, err error) {
		start := time.Now()
		s.calls.Compute(name, func(old int, _ bool) (int, bool) { return old + 1, false })

		defer func() {
			if r := recover(); r != nil {
				core.LogPanicRecovery("control handler", r)
				result = errorResult(fmt.Sprintf("internal error: panic recovered in %s: %v", name, r))
				var zero Out
				output = zero
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()

		output, err = handle(ctx)
		logCall(name, time.Since(start), err)
		return nil, output, err
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func logCall(name string, d time.Duration, err error) {
	fields := []zap.Field{zap.String("tool", name), zap.Float64("duration_seconds", d.Seconds())}
	if err != nil {
		zap.L().Warn("Control call failed", append(fields, zap.Error(err))...)
		return
	}
	zap.L().Debug("Control call completed", fields...)
}

func (s *Server) handleStatus(_ context.Context) (app.Status, error) {
	return s.controller.Status(), nil
}

func (s *Server) handleRebuild(_ context.Context) (RebuildOutput, error) {
	if err := s.controller.RequestRebuild(); err != nil {
		return RebuildOutput{}, err
	}
	return RebuildOutput{Scheduled: true}, nil
}

func (s *Server) handleAcknowledge(_ context.Context) (AcknowledgeOutput, error) {
	return AcknowledgeOutput{Acknowledged: s.controller.Acknowledge()}, nil
}

// Tools lists the registered tool names.
func (s *Server) Tools() mapset.Set[string] {
	return s.tools.Clone()
}

// Calls reports how many times the named tool was called.
func (s *Server) Calls(name string) int {
	n, _ := s.calls.Load(name)
	return n
}

// Serve listens on addr using the streamable HTTP transport until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.httpHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zap.L().Info("Control server listening", zap.String("address", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("Control server shutdown error", zap.Error(err))
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Run serves one session over transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// ServeStdio serves over stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
