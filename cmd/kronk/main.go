// Package main is the kronk CLI: it initializes projects, supervises the
// daemon process, and talks to a running daemon over its unix socket.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kronklabs/kronk/internal/config"
	"github.com/kronklabs/kronk/internal/ipc"
)

var version = "dev" // populated by ldflags

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kronk",
		Short:         "kronk - a persistent local agent",
		Long:          `kronk runs a single-user agent daemon with tiered memory, dynamic tools, a task queue, and filesystem watchers, driven over a local socket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildInitCmd(),
		buildStatusCmd(),
		buildStartCmd(),
		buildStopCmd(),
		buildRestartCmd(),
		buildUICmd(),
		buildChatCmd(),
		buildLogsCmd(),
		buildMemoryCmd(),
		buildJournalCmd(),
		buildToolsCmd(),
		buildQueueCmd(),
		buildWatchCmd(),
		buildConstitutionCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// loadProject resolves the project directory and its config.
func loadProject() (*config.Project, *config.Config, error) {
	project, err := config.ResolveProject()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(project)
	if err != nil {
		return nil, nil, err
	}
	return project, cfg, nil
}

// dialDaemon connects to a running daemon or explains how to start one.
func dialDaemon(project *config.Project, cfg *config.Config) (*ipc.Client, error) {
	c, err := ipc.Dial(project.SocketPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("daemon is not running (run 'kronk start')")
	}
	return c, nil
}

// daemonAlive reports whether something answers on the project socket.
func daemonAlive(project *config.Project, cfg *config.Config) bool {
	c, err := ipc.Dial(project.SocketPath(cfg))
	if err != nil {
		return false
	}
	defer c.Close()

	ctx, cancel := contextWithTimeout(2 * time.Second)
	defer cancel()
	return c.Call(ctx, "ping", nil, nil) == nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
