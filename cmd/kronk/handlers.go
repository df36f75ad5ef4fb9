package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/internal/config"
	"github.com/kronklabs/kronk/internal/daemon"
	"github.com/kronklabs/kronk/internal/ipc"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// callAndPrint is the shared path for verbs that are a single RPC call.
func callAndPrint(ctx context.Context, method string, params map[string]any) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	c, err := dialDaemon(project, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var result any
	if err := c.Call(ctx, method, params, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func runInit(ctx context.Context, name, provider, model string, vector bool) error {
	project, err := config.ResolveProject()
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Name = name
	cfg.Provider = provider
	cfg.Model = model
	cfg.UseVectorSearch = vector

	if err := daemon.Init(ctx, project, cfg); err != nil {
		return err
	}
	fmt.Printf("Initialized %s at %s\n", cfg.Name, project.Dir)
	return nil
}

func runStatus(ctx context.Context) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}

	var st daemon.Status
	if c, err := dialDaemon(project, cfg); err == nil {
		defer c.Close()
		if err := c.Call(ctx, "agent.status", nil, &st); err != nil {
			return err
		}
	} else {
		offline, err := daemon.ProjectStatus(ctx, project, cfg)
		if err != nil {
			return err
		}
		st = *offline
	}

	fmt.Printf("Initialized: %v\n", st.Initialized)
	if !st.Initialized {
		fmt.Println("Run 'kronk init' to set up a project here.")
		return nil
	}
	if st.Running {
		fmt.Printf("Running:     true (pid %d)\n", st.PID)
		fmt.Printf("Agent state: %s\n", st.State)
	} else {
		fmt.Println("Running:     false")
	}
	fmt.Printf("Name:        %s\n", st.Config.Name)
	fmt.Printf("Provider:    %s (%s)\n", st.Config.Provider, st.Config.Model)
	fmt.Printf("Memories:    system2=%d working=%d system1=%d\n",
		st.MemoryCount["system2"], st.MemoryCount["working"], st.MemoryCount["system1"])
	fmt.Printf("Journal:     %d entries\n", st.JournalCount)
	fmt.Printf("Tools:       %d\n", st.ToolCount)
	return nil
}

func runStart(ctx context.Context, foreground bool) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	if daemonAlive(project, cfg) {
		return fmt.Errorf("daemon already running")
	}

	if foreground || os.Getenv("KRONK_DAEMON") == "1" {
		return runDaemonForeground(ctx, project, cfg)
	}
	return spawnDaemon(project, cfg)
}

func runDaemonForeground(ctx context.Context, project *config.Project, cfg *config.Config) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	if os.Getenv("KRONK_DAEMON") == "1" {
		logFile, err := os.OpenFile(project.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		slog.SetDefault(slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	d, err := daemon.New(project, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// spawnDaemon re-execs this binary detached, logging to the project log
// file.
func spawnDaemon(project *config.Project, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	logFile, err := os.OpenFile(project.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "start", "--foreground")
	cmd.Env = append(os.Environ(), "KRONK_DAEMON=1", "KRONK_PATH="+project.Base)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detach daemon: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if daemonAlive(project, cfg) {
			fmt.Printf("Daemon started (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up; check %s", project.LogPath())
}

func runStop(ctx context.Context) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	c, err := dialDaemon(project, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Call(ctx, "shutdown", nil, nil); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !daemonAlive(project, cfg) {
			fmt.Println("Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop; pid %d may need a signal", daemon.ReadPid(project, cfg))
}

func runRestart(ctx context.Context) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	if daemonAlive(project, cfg) {
		if err := runStop(ctx); err != nil {
			return err
		}
	}
	return spawnDaemon(project, cfg)
}

func runUI(ctx context.Context) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	c, err := dialDaemon(project, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st daemon.Status
	if err := c.Call(ctx, "agent.status", nil, &st); err != nil {
		return err
	}
	fmt.Printf("%s — %s (%s), state %s\n", st.Config.Name, st.Config.Provider, st.Config.Model, st.State)
	fmt.Println("Streaming events (ctrl-c to exit)")

	if err := c.Subscribe(ctx, []string{"*"}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			payload := ""
			if len(ev.Payload) > 0 {
				raw, _ := json.Marshal(ev.Payload)
				payload = " " + string(raw)
			}
			fmt.Printf("%s  %s%s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Name, payload)
		}
	}
}

func runChat(ctx context.Context) error {
	project, cfg, err := loadProject()
	if err != nil {
		return err
	}
	c, err := dialDaemon(project, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Confirmation prompts arrive as events while a run is in flight.
	if err := c.Subscribe(ctx, []string{"shell:confirm"}); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("Chatting with %s. Type 'exit' to quit.\n", cfg.Name)
	for {
		fmt.Print("> ")
		var message string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			message = strings.TrimSpace(line)
		}
		if message == "" {
			continue
		}
		if message == "exit" || message == "quit" {
			return nil
		}

		if err := chatTurn(ctx, c, message, lines); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// chatTurn sends one message and answers any confirmation prompts raised
// while the run executes.
func chatTurn(ctx context.Context, c *ipc.Client, message string, lines <-chan string) error {
	type runOutcome struct {
		result agent.RunResult
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		var result agent.RunResult
		err := c.Call(ctx, "agent.run", map[string]any{"message": message}, &result)
		done <- runOutcome{result, err}
	}()

	events := c.Events
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-done:
			if out.err != nil {
				return out.err
			}
			if !out.result.Success {
				return fmt.Errorf("%s", out.result.Error)
			}
			fmt.Println(out.result.Response)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != "shell:confirm" {
				continue
			}
			confirmID, _ := ev.Payload["confirmId"].(string)
			command, _ := ev.Payload["command"].(string)
			fmt.Printf("\nAllow shell command %q? [y/N] ", command)

			approved := false
			select {
			case answer, ok := <-lines:
				if ok {
					answer = strings.ToLower(strings.TrimSpace(answer))
					approved = answer == "y" || answer == "yes"
				}
			case <-ctx.Done():
			}
			if err := c.Call(ctx, "confirm.resolve", map[string]any{
				"confirmId": confirmID, "approved": approved,
			}, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}
}

func runLogs(lines int, follow bool) error {
	project, _, err := loadProject()
	if err != nil {
		return err
	}
	path := project.LogPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file at %s", path)
		}
		return err
	}
	for _, line := range tailLines(string(data), lines) {
		fmt.Println(line)
	}
	if !follow {
		return nil
	}

	offset := int64(len(data))
	for {
		time.Sleep(500 * time.Millisecond)
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		if info.Size() > offset {
			if _, err := f.Seek(offset, 0); err != nil {
				f.Close()
				return err
			}
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				fmt.Println(scanner.Text())
			}
			offset = info.Size()
		}
		f.Close()
	}
}

func tailLines(data string, n int) []string {
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func runQueueAdd(ctx context.Context, taskType, payload string, priority int, maxRetries *int) error {
	params := map[string]any{
		"type":     taskType,
		"priority": priority,
	}
	if maxRetries != nil {
		params["maxRetries"] = *maxRetries
	}
	if payload != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		params["payload"] = decoded
	}
	return callAndPrint(ctx, "queue.add", params)
}

func runWatchAdd(ctx context.Context, pattern, action, actionConfig string, debounceMs int, enabled bool) error {
	params := map[string]any{
		"pattern": pattern,
		"action":  action,
		"enabled": enabled,
	}
	if debounceMs > 0 {
		params["debounceMs"] = debounceMs
	}
	if actionConfig != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(actionConfig), &decoded); err != nil {
			return fmt.Errorf("config must be a JSON object: %w", err)
		}
		params["actionConfig"] = decoded
	}
	return callAndPrint(ctx, "watcher.create", params)
}

func runConstitution(showPath bool) error {
	project, _, err := loadProject()
	if err != nil {
		return err
	}
	if showPath {
		fmt.Println(project.ConstitutionPath())
		return nil
	}
	fmt.Print(project.Constitution())
	return nil
}

func runConfig() error {
	_, cfg, err := loadProject()
	if err != nil {
		return err
	}
	return printJSON(cfg)
}
