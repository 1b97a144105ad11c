package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/m0wer/aibot/internal/api"
	"github.com/m0wer/aibot/internal/bot"
	"github.com/m0wer/aibot/internal/config"
	"github.com/m0wer/aibot/internal/ollama"
	"github.com/m0wer/aibot/internal/queue"
	"github.com/m0wer/aibot/internal/speech"
	"github.com/m0wer/aibot/internal/storage"
	"github.com/m0wer/aibot/internal/telegram"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aibot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running aibot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aibot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "aibot.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "aibot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("aibot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("aibot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check local inference readiness and warm up the model.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.Model, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	fabric := queue.New(store, time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)

	tg := telegram.New(cfg.Telegram.Token)
	speechEngine := speech.NewEngine(
		speech.NewClient(cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.STTModel, cfg.Speech.TTSModel, cfg.Speech.TTSVoice),
		nil,
	)

	orch := bot.New(store, fabric, tg, bot.Options{
		Mode:          bot.DeliveryMode(cfg.Delivery.Mode),
		Model:         cfg.Ollama.Model,
		ContextWindow: time.Duration(cfg.Context.WindowMinutes) * time.Minute,
		ContextLimit:  cfg.Context.Limit,
		Timeouts: bot.Timeouts{
			LLM: time.Duration(cfg.Timeouts.LLMSeconds) * time.Second,
			TTS: time.Duration(cfg.Timeouts.TTSSeconds) * time.Second,
			STT: time.Duration(cfg.Timeouts.STTSeconds) * time.Second,
		},
	})

	// In-process worker on all queues. Standalone workers (aibot worker)
	// may run alongside against the same database.
	worker := queue.NewWorker(fabric, []string{queue.Default, queue.High, queue.GPU},
		time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)
	bot.NewWorkers(orch, ollamaClient, speechEngine, cfg.Ollama.Model).Register(worker)

	if err := tg.SetMyCommands(ctx, bot.Commands()); err != nil {
		slog.Warn("registering bot commands", "error", err)
	}

	// Updates arrive by webhook when a public URL is configured, long
	// polling otherwise. Each update runs on its own goroutine; per-user
	// ordering is enforced downstream.
	handleUpdate := func(_ context.Context, u telegram.Update) {
		go orch.HandleUpdate(ctx, u)
	}

	topRouter := chi.NewRouter()
	topRouter.Mount("/", api.NewAppHandler(api.AppDeps{Store: store, Token: cfg.Telegram.Token}))

	useWebhook := cfg.Telegram.WebhookURL != ""
	if useWebhook {
		// Serves POST /hooks/telegram/{token}; the configured public URL
		// must point at that path.
		topRouter.Mount("/hooks", telegram.WebhookHandler(tg, handleUpdate))
		if err := tg.SetWebhook(ctx, cfg.Telegram.WebhookURL); err != nil {
			return fmt.Errorf("setting webhook: %w", err)
		}
		slog.Info("webhook registered", "url", cfg.Telegram.WebhookURL)
	} else {
		if err := tg.DeleteWebhook(ctx); err != nil {
			slog.Warn("deleting stale webhook", "error", err)
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// MCP server over stdio exposes the same pipeline to local MCP clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:         store,
		Fabric:        fabric,
		Model:         cfg.Ollama.Model,
		ContextWindow: time.Duration(cfg.Context.WindowMinutes) * time.Minute,
		ContextLimit:  cfg.Context.Limit,
		ChatTimeout:   time.Duration(cfg.Timeouts.LLMSeconds) * time.Second,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if !useWebhook {
		poller := telegram.NewPoller(tg, handleUpdate, 30*time.Second)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
		slog.Info("long polling started")
	}

	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "aibot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("aibot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop aibot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to aibot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	speechResp, err := client.Get(cfg.Speech.BaseURL + "/health")
	if err != nil {
		printStatus("Speech", "not running")
	} else {
		speechResp.Body.Close()
		printStatus("Speech", "running at %s", cfg.Speech.BaseURL)
	}

	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Delivery", "%s", cfg.Delivery.Mode)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
