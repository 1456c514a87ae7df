package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/agentq/internal/api"
	"github.com/kalambet/agentq/internal/bus"
	"github.com/kalambet/agentq/internal/composer"
	"github.com/kalambet/agentq/internal/config"
	"github.com/kalambet/agentq/internal/engine"
	"github.com/kalambet/agentq/internal/feed"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/notify"
	"github.com/kalambet/agentq/internal/prefs"
	"github.com/kalambet/agentq/internal/runner"
	"github.com/kalambet/agentq/internal/scheduler"
	"github.com/kalambet/agentq/internal/search"
	"github.com/kalambet/agentq/internal/storage"
	"github.com/kalambet/agentq/internal/telegram"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agentq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "agentq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "agentq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	monitors, err := scheduler.LoadMonitors(cfg.FeedsFile())
	if err != nil {
		return fmt.Errorf("loading feed monitors: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("agentq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("agentq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := engine.Detect(engine.DetectConfig{
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.OpenRouter.APIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, gateway.Local(), cfg.Runner.LocalDefault, os.Stderr); err != nil {
		// Jobs fail with a transport error until the engine comes up.
		slog.Warn("local inference engine not ready", "error", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	jobStore, err := openJobStore(cfg, store)
	if err != nil {
		return err
	}

	var (
		natsClient *bus.Client
		events     runner.EventPublisher
		tgClient   *telegram.Client
	)
	sinks := notify.Multi{notify.LogSink{Logger: slog.Default()}}

	if cfg.NATS.URL != "" {
		natsClient, err = bus.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer natsClient.Close()
		events = bus.NewEvents(natsClient)
		sinks = append(sinks, notify.NewNATSSink(natsClient, ""))
	}
	if cfg.Telegram.BotToken != "" {
		tgClient = telegram.NewClient(cfg.Telegram.BotToken)
		sinks = append(sinks, notify.NewTelegramSink(tgClient, cfg.Telegram.ChatID))
	}

	submitter := &jobs.Submitter{
		Store:        jobStore,
		DefaultModel: cfg.Runner.LocalDefault,
		OnEnqueue:    announceJob(events, sinks, cfg.Telegram.ChatID),
	}

	run := runner.New(runner.Deps{
		Store:    jobStore,
		Engine:   gateway,
		Search:   search.NewDuckDuckGo("", 0),
		Memory:   store,
		Notifier: sinks,
		Events:   events,
		Composer: composer.New(0),
	}, runner.Options{
		StaleAfter:   cfg.Runner.StaleAfter,
		ModelTimeout: cfg.Runner.ModelTimeout,
		MaxAttempts:  cfg.Runner.MaxAttempts,
		Policy: runner.ModelPolicy{
			LocalDefault: cfg.Runner.LocalDefault,
			AllowPaid:    cfg.Runner.AllowPaid,
		},
		Workspace:    cfg.WorkspaceDir(),
		HistoryTurns: cfg.Runner.HistoryTurns,
		OwnerChat:    cfg.Telegram.ChatID,
	})

	sched := scheduler.New(store, feed.NewReader(nil, 0), sinks, monitors, scheduler.Options{
		Interval:  cfg.Feeds.Interval,
		PostDelay: cfg.Feeds.PostDelay,
	})

	appHandler := api.NewAppHandler(api.AppDeps{
		Submitter: submitter,
		Jobs:      jobStore,
		Notifier:  sinks,
		Feeds:     sched,
		OwnerChat: cfg.Telegram.ChatID,
		Token:     apiToken,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if natsClient != nil {
		sub, err := natsClient.ServeSubmit(submitter)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", bus.SubjectJobSubmit, err)
		}
		defer sub.Unsubscribe()
		slog.Info("NATS intake started", "subject", bus.SubjectJobSubmit)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		run.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if tgClient != nil {
		bot := telegram.NewBot(tgClient, cfg.Telegram.ChatID, telegram.BotDeps{
			Submitter:    submitter,
			Jobs:         jobStore,
			Prefs:        prefs.New(),
			Memory:       store,
			Feeds:        sched,
			DefaultModel: cfg.Runner.LocalDefault,
		})
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Submitter: submitter, Jobs: jobStore})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "agentq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openJobStore(cfg config.Config, store *storage.Store) (jobs.Store, error) {
	if cfg.Jobs.Backend != "dir" {
		return store, nil
	}
	ds, err := jobs.OpenDirStore(cfg.JobsDir())
	if err != nil {
		return nil, fmt.Errorf("opening job directory: %w", err)
	}
	return ds, nil
}

// announceJob publishes the pending event for a new job and tells the owner
// about submissions that did not come from the chat itself.
func announceJob(events runner.EventPublisher, sink notify.Sink, ownerChat string) func(context.Context, *jobs.Job) {
	return func(ctx context.Context, job *jobs.Job) {
		if events != nil {
			if err := events.PublishJobEvent(ctx, jobs.EventFor(job, jobs.StatePending, "")); err != nil {
				slog.Warn("publishing job event", "job_id", job.ID, "error", err)
			}
		}
		if job.Source == jobs.SourceTelegram {
			return
		}
		notify.Send(ctx, sink, ownerChat, notify.SubmittedMessage(string(job.Type), job.Prompt, job.ID))
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("agentq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop agentq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to agentq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	if resp, err := client.Get(serverURL(cfg) + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s:%d", cfg.Server.Host, cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		resp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Default model", "%s", cfg.Runner.LocalDefault)
	printStatus("Paid models", "%s", onOff(cfg.Runner.AllowPaid))
	printStatus("Job store", "%s", cfg.Jobs.Backend)
	printStatus("Telegram", "%s", onOff(cfg.Telegram.BotToken != ""))
	printStatus("NATS", "%s", onOff(cfg.NATS.URL != ""))

	if running {
		if c, err := newAPIClient(); err == nil {
			if counts, err := jobCounts(ctx, c); err == nil {
				printStatus("Jobs", "%s", formatCounts(counts))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// jobCounts fetches the number of jobs in each state.
func jobCounts(ctx context.Context, c *apiClient) (map[string]int, error) {
	resp, err := c.get(ctx, "/jobs/stats")
	if err != nil {
		return nil, err
	}
	var counts map[string]int
	if err := decodeJSON(resp, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(jobs.States))
	for _, st := range jobs.States {
		parts = append(parts, fmt.Sprintf("%d %s", counts[string(st)], st))
	}
	return strings.Join(parts, ", ")
}
