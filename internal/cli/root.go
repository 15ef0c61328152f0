// Package cli is the ddlbot command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ddlbot/internal/app"
	"ddlbot/internal/config"
	"ddlbot/internal/pusher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// NewRootCmd builds the command tree. Running the root without a
// subcommand is the same as "serve".
func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ddlbot",
		Short:         "Announce new UCloud assignments to Telegram, TickTick and friends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	var asJSON bool
	push := &cobra.Command{
		Use:   "push",
		Short: "Run one fetch and delivery cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfgPath, func(ctx context.Context, a *app.App) error {
				rep, err := a.Pusher().Run(ctx, pusher.TriggerCLI)
				if perr := printReport(cmd.OutOrStdout(), rep, asJSON); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	push.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot, scheduler and HTTP API until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		push,
		&cobra.Command{
			Use:   "purge",
			Short: "Forget every announced assignment",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), cfgPath, func(ctx context.Context, a *app.App) error {
					if err := a.Pusher().Purge(ctx); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "Database cleared")
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the config file and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := config.NewManager(cfgPath).Load(); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
				return err
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ddlbot %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func withApp(ctx context.Context, cfgPath string, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, cfgPath, app.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.Stop(context.Background(), app.StopOneShot))
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(err, a.Stop(stopCtx, app.StopFatalError))
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		// The supervisor context is derived from ctx, so a signal closes both.
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func printReport(w io.Writer, rep pusher.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s\n", rep.RunID, rep.Outcome)
	fmt.Fprintf(&b, "outstanding: %d, new: %d\n", rep.Fetched, len(rep.Unseen))
	for _, s := range rep.Sinks {
		line := fmt.Sprintf("  %s: %s", s.Name, s.Status)
		if s.Error != "" {
			line += " (" + s.Error + ")"
		}
		b.WriteString(line + "\n")
	}
	if rep.Error != "" {
		fmt.Fprintf(&b, "failed at %s: %s\n", rep.Step, rep.Error)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
