package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/dorcha-inc/hotpatch/internal/control"
	"github.com/dorcha-inc/hotpatch/internal/core"
)

const ctlTimeout = 30 * time.Second

// newCtlCmd creates the ctl command
func newCtlCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Drive a running hotpatch process over its control server",
		Long: `Drive a running hotpatch process started with --control ADDRESS.

Examples:
  hotpatch run --control :8090
  hotpatch ctl status --endpoint http://localhost:8090/mcp
  hotpatch ctl rebuild
  hotpatch ctl acknowledge`,
	}
	cmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://localhost:8090/mcp", "Control server endpoint")

	for _, tool := range []struct{ name, short string }{
		{control.ToolStatus, "Show the injection state"},
		{control.ToolRebuild, "Request a rebuild of the host's components"},
		{control.ToolAcknowledge, "Dismiss the visible notification"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   tool.name,
			Short: tool.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
				defer cancel()
				result, err := callControl(ctx, &mcp.StreamableClientTransport{
					Endpoint:   endpoint,
					HTTPClient: &http.Client{Timeout: ctlTimeout},
				}, tool.name)
				if err != nil {
					return err
				}
				return writeResult(os.Stdout, result)
			},
		})
	}

	return cmd
}

// callControl connects over transport and calls the named tool.
func callControl(ctx context.Context, transport mcp.Transport, tool string) (*mcp.CallToolResult, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "hotpatch-ctl", Version: version}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer session.Close() //nolint:errcheck // Ignore close errors on session

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool})
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", tool, err)
	}
	return result, nil
}

// writeResult prints the structured content of result as indented JSON, or
// its text when there is none.
func writeResult(w io.Writer, result *mcp.CallToolResult) error {
	if result.IsError {
		return fmt.Errorf("control call failed: %s", resultText(result))
	}
	if result.StructuredContent == nil {
		core.MustFprintf(w, "%s\n", resultText(result))
		return nil
	}
	data, err := json.MarshalIndent(result.StructuredContent, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	core.MustFprintf(w, "%s\n", data)
	return nil
}

func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	return ""
}
