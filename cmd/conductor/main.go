// Command conductor runs the agent orchestration daemon and its helper
// commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/basket/go-conductor/internal/config"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Agent orchestration and streaming execution engine",
		Long: `Conductor runs generative agent tasks, chains them into pipelines,
and streams every task's output to any number of observers over SSE,
WebSocket and NATS.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&home, "home", "", "conductor home directory (default $CONDUCTOR_HOME or ~/.conductor)")

	load := func() (config.Config, error) {
		if home != "" {
			return config.LoadFrom(home)
		}
		return config.Load()
	}

	cmd.AddCommand(serveCmd(load))
	cmd.AddCommand(kindsCmd(load))
	cmd.AddCommand(statusCmd(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor version %s (build: %s, %s)\n", version, buildTime, runtime.Version())
		},
	})
	return cmd
}

type configLoader func() (config.Config, error)
