package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func buildInitCmd() *cobra.Command {
	var (
		name     string
		provider string
		model    string
		vector   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a kronk project in the current directory",
		Long: `Create the project directory with a default constitution, config, and
database, and seed the core memories.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context(), name, provider, model, vector)
		},
	}
	cmd.Flags().StringVar(&name, "name", "kronk", "Agent display name")
	cmd.Flags().StringVar(&provider, "provider", "ollama", "LLM provider (ollama|openai|anthropic)")
	cmd.Flags().StringVar(&model, "model", "", "Model name (provider default when empty)")
	cmd.Flags().BoolVar(&vector, "vector", false, "Enable vector search (needs an embedding model)")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func buildStartCmd() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), foreground)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground instead of detaching")
	return cmd
}

func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd.Context())
		},
	}
}

func buildRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRestart(cmd.Context())
		},
	}
}

func buildUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Stream live daemon events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUI(cmd.Context())
		},
	}
}

func buildChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent interactively",
		Long: `Read messages from standard input and send each through the agent.
Shell-tool confirmation prompts are answered inline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context())
		},
	}
}

func buildLogsCmd() *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLogs(lines, follow)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing as the log grows")
	return cmd
}

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage memories",
	}

	var (
		tier       string
		limit      int
		importance float64
		tags       string
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(cmd.Context(), "memory.list", map[string]any{
				"tier": tier, "limit": limit,
			})
		},
	}
	listCmd.Flags().StringVar(&tier, "tier", "", "Filter by tier (system2|working|system1)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	rememberCmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"content": strings.Join(args, " ")}
			if tier != "" {
				params["tier"] = tier
			}
			if cmd.Flags().Changed("importance") {
				params["importance"] = importance
			}
			if tags != "" {
				params["tags"] = strings.Split(tags, ",")
			}
			return callAndPrint(cmd.Context(), "agent.remember", params)
		},
	}
	rememberCmd.Flags().StringVar(&tier, "tier", "", "Memory tier (default working)")
	rememberCmd.Flags().Float64Var(&importance, "importance", 0, "Importance override in [0,1]")
	rememberCmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags")

	recallCmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd.Context(), "agent.recall", map[string]any{
				"query": strings.Join(args, " "), "limit": limit,
			})
		},
	}
	recallCmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")

	cmd.AddCommand(
		listCmd,
		rememberCmd,
		recallCmd,
		&cobra.Command{
			Use:   "stats",
			Short: "Show per-tier memory statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAndPrint(cmd.Context(), "memory.stats", nil)
			},
		},
		&cobra.Command{
			Use:   "decay",
			Short: "Apply importance decay now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAndPrint(cmd.Context(), "agent.decay", nil)
			},
		},
	)
	return cmd
}

func buildJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the agent journal",
	}

	var limit int

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(cmd.Context(), "journal.recent", map[string]any{"n": limit})
		},
	}
	recentCmd.Flags().IntVarP(&limit, "lines", "n", 20, "Number of entries")

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search journal entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd.Context(), "journal.search", map[string]any{
				"query": strings.Join(args, " "), "limit": limit,
			})
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 20, "Maximum results")

	reflectCmd := &cobra.Command{
		Use:   "reflect",
		Short: "Summarize recent activity into a reflection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(cmd.Context(), "agent.reflect", map[string]any{"window": limit})
		},
	}
	reflectCmd.Flags().IntVar(&limit, "window", 20, "Entries to reflect over")

	cmd.AddCommand(recentCmd, searchCmd, reflectCmd)
	return cmd
}

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and toggle tools",
	}

	var enabledOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(cmd.Context(), "tools.list", map[string]any{"enabledOnly": enabledOnly})
		},
	}
	listCmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled tools")

	cmd.AddCommand(
		listCmd,
		&cobra.Command{
			Use:   "enable <name>",
			Short: "Enable a tool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "tools.enable", map[string]any{"name": args[0]})
			},
		},
		&cobra.Command{
			Use:   "disable <name>",
			Short: "Disable a tool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "tools.disable", map[string]any{"name": args[0]})
			},
		},
	)
	return cmd
}

func buildQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the task queue",
	}

	var (
		payload    string
		priority   int
		maxRetries int
		status     string
		limit      int
	)

	addCmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var retries *int
			if cmd.Flags().Changed("max-retries") {
				retries = &maxRetries
			}
			return runQueueAdd(cmd.Context(), args[0], payload, priority, retries)
		},
	}
	addCmd.Flags().StringVar(&payload, "payload", "", "Task payload as a JSON object")
	addCmd.Flags().IntVar(&priority, "priority", 0, "Priority (higher runs first)")
	addCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(cmd.Context(), "queue.list", map[string]any{
				"status": status, "limit": limit,
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	cmd.AddCommand(
		addCmd,
		listCmd,
		&cobra.Command{
			Use:   "cancel <taskId>",
			Short: "Cancel a pending task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "queue.cancel", map[string]any{"taskId": args[0]})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show queue statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAndPrint(cmd.Context(), "queue.stats", nil)
			},
		},
	)
	return cmd
}

func buildWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage filesystem watchers",
	}

	var (
		action       string
		actionConfig string
		debounceMs   int
		disabled     bool
	)

	addCmd := &cobra.Command{
		Use:   "add <pattern>",
		Short: "Create a watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchAdd(cmd.Context(), args[0], action, actionConfig, debounceMs, !disabled)
		},
	}
	addCmd.Flags().StringVar(&action, "action", "run", "Action on change (run|memory|queue)")
	addCmd.Flags().StringVar(&actionConfig, "config", "", "Action configuration as a JSON object")
	addCmd.Flags().IntVar(&debounceMs, "debounce", 0, "Debounce window in milliseconds")
	addCmd.Flags().BoolVar(&disabled, "disabled", false, "Create the watcher disabled")

	cmd.AddCommand(
		addCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List watchers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAndPrint(cmd.Context(), "watcher.list", nil)
			},
		},
		&cobra.Command{
			Use:   "rm <watcherId>",
			Short: "Delete a watcher",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "watcher.delete", map[string]any{"watcherId": args[0]})
			},
		},
		&cobra.Command{
			Use:   "enable <watcherId>",
			Short: "Enable a watcher",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "watcher.enable", map[string]any{"watcherId": args[0], "enabled": true})
			},
		},
		&cobra.Command{
			Use:   "disable <watcherId>",
			Short: "Disable a watcher",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(cmd.Context(), "watcher.enable", map[string]any{"watcherId": args[0], "enabled": false})
			},
		},
	)
	return cmd
}

func buildConstitutionCmd() *cobra.Command {
	var showPath bool
	cmd := &cobra.Command{
		Use:   "constitution",
		Short: "Print the agent constitution",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConstitution(showPath)
		},
	}
	cmd.Flags().BoolVar(&showPath, "path", false, "Print the constitution file path instead")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfig()
		},
	}
}
