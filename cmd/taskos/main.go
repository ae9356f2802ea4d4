package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskos/internal/app"
	logx "taskos/pkg/logx"
)

var version = "dev"

var (
	cfgPath    string
	daemonMode bool
)

var rootCmd = &cobra.Command{
	Use:   "taskos",
	Short: "taskos - task scheduler with memory accounting and interrupts",
	Long: `taskos runs recurring and time-of-day tasks against a fixed memory budget,
persists them across restarts and dispatches timer and file interrupts.
Without a subcommand it starts the scheduler and an interactive shell.`,
	SilenceUsage: true,
	RunE:         runInteractive,
}

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Run one shell command against the saved state and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "taskos", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (json or yaml); defaults apply when empty")
	rootCmd.Flags().BoolVar(&daemonMode, "daemon", false, "run without the interactive shell until SIGINT/SIGTERM")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// The app logger may never have been built (bad config), so report
		// through a standalone console logger.
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	if daemonMode {
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
	} else {
		if err := a.Shell().Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			reason = app.StopFatalError
			fmt.Fprintln(cmd.ErrOrStderr(), "shell:", err)
		} else if ctx.Err() == nil {
			reason = app.StopShellExit
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return errors.Join(err, stopErr)
	}
	if reason == app.StopShellExit {
		fmt.Fprintln(cmd.OutOrStdout(), "Shut down complete.")
	}
	return stopErr
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	execErr := a.Shell().Exec(ctx, strings.Join(args, " "), cmd.OutOrStdout())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return errors.Join(execErr, a.Stop(stopCtx, app.StopOneShot))
}
