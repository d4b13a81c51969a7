package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dorcha-inc/hotpatch/internal/app"
	"github.com/dorcha-inc/hotpatch/internal/config"
	"github.com/dorcha-inc/hotpatch/internal/control"
	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/tui"
)

// controlStdio selects the stdio transport for --control.
const controlStdio = "stdio"

type runOptions struct {
	configPath    string
	componentsDir string
	prettyLog     bool
	assumeYes     bool
	control       string
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to hotpatch.yaml config file")
	cmd.Flags().StringVar(&opts.componentsDir, "components-dir", "", "Directory containing components (overrides config file)")
	cmd.Flags().BoolVar(&opts.prettyLog, "pretty", false, "Use pretty-printed logs instead of JSON")
	cmd.Flags().BoolVarP(&opts.assumeYes, "yes", "y", false, "Acknowledge notifications automatically")
	cmd.Flags().StringVar(&opts.control, "control", "", `Serve the control tools over MCP: "stdio" or an HTTP address such as ":8090"`)
}

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the host and inject the patch engine",
		Long: `Boot the host from its component directory and inject the patch engine once
the host is ready. This is the default command when no subcommand is specified.

Send SIGHUP to request a rebuild of the host's components.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts)
		},
	}
	addRunFlags(cmd, &opts)
	return cmd
}

// runHost boots the host and runs it until a shutdown signal arrives.
func runHost(ctx context.Context, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.componentsDir != "" {
		if err := cfg.SetComponentsDir(opts.componentsDir); err != nil {
			return err
		}
	}

	if err := core.Init(resolveLogFormat(cfg, opts.prettyLog)); err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck // Ignore sync errors on stdout/stderr, they're not critical
	if err := core.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	a := app.New(cfg, tui.Default().Presenter(acknowledgeHint(opts.assumeYes)))
	defer a.Close()

	ctx, cancel := setupSignalHandling(ctx, a)
	defer cancel()

	tui.Progress("Booting host...")
	if err := a.Boot(ctx); err != nil {
		return fmt.Errorf("failed to boot host: %w", err)
	}
	tui.ProgressSuccess("Host booted")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.Run(groupCtx) })
	group.Go(func() error {
		reportAttempt(groupCtx, a)
		return nil
	})

	switch {
	case opts.assumeYes:
		group.Go(func() error {
			autoAcknowledge(groupCtx, a.Acknowledge, cfg.BlockInterval())
			return nil
		})
	case opts.control != controlStdio:
		// Reading stdin cannot be interrupted, so this goroutine is not
		// part of the group and ends with the process.
		go acknowledgeLines(os.Stdin, a.Acknowledge)
	}

	if opts.control != "" {
		srv := control.NewServer(a, version)
		group.Go(func() error { return serveControl(groupCtx, srv, opts.control) })
		if opts.control != controlStdio {
			tui.Hint(fmt.Sprintf("Control server listening on %s", opts.control))
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zap.L().Info("Host stopped")
	return nil
}

// resolveLogFormat determines the log format based on CLI flag and config
func resolveLogFormat(cfg *config.HotpatchConfig, prettyLog bool) bool {
	if !prettyLog && cfg.LogFormat == config.LogFormatPretty {
		return true
	}
	return prettyLog
}

func acknowledgeHint(assumeYes bool) string {
	if assumeYes {
		return "Continuing automatically."
	}
	return "Press Enter to continue."
}

// setupSignalHandling requests a rebuild on SIGHUP and cancels the returned
// context on SIGINT or SIGTERM.
func setupSignalHandling(ctx context.Context, a *app.App) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					zap.L().Info("Received SIGHUP, requesting a rebuild")
					if err := a.RequestRebuild(); err != nil {
						zap.L().Error("Failed to request rebuild", zap.Error(err))
					}
				case syscall.SIGINT, syscall.SIGTERM:
					zap.L().Info("Received shutdown signal")
					cancel()
					return
				}
			}
		}
	}()

	return ctx, cancel
}

// reportAttempt waits for the injection attempt and prints its outcome.
func reportAttempt(ctx context.Context, a *app.App) {
	select {
	case <-ctx.Done():
		return
	case <-a.Done():
	}

	status := a.Status()
	if status.Completed {
		tui.Info("Patch engine injected (module generation %d)\n", status.Generation)
		return
	}
	tui.Info("Patch engine injection %s: %s\n", status.State, status.Error)
}

// acknowledgeLines acknowledges the visible notification for every line
// read from r until r is exhausted.
func acknowledgeLines(r io.Reader, acknowledge func() bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if acknowledge() {
			zap.L().Debug("Notification acknowledged from input")
		}
	}
	if err := scanner.Err(); err != nil {
		zap.L().Warn("Stopped reading acknowledgements", zap.Error(err))
	}
}

// autoAcknowledge acknowledges whatever is visible every interval until ctx
// is done.
func autoAcknowledge(ctx context.Context, acknowledge func() bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if acknowledge() {
				zap.L().Info("Notification acknowledged automatically")
			}
		}
	}
}

// serveControl starts the control server on the transport named by target.
func serveControl(ctx context.Context, srv *control.Server, target string) error {
	if target == controlStdio {
		zap.L().Info("Starting control server on stdio")
		return srv.ServeStdio(ctx)
	}
	return srv.Serve(ctx, target)
}
