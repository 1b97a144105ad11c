package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/m0wer/aibot/internal/bot"
	"github.com/m0wer/aibot/internal/config"
	"github.com/m0wer/aibot/internal/ollama"
	"github.com/m0wer/aibot/internal/queue"
	"github.com/m0wer/aibot/internal/speech"
	"github.com/m0wer/aibot/internal/storage"
	"github.com/m0wer/aibot/internal/telegram"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone queue worker",
	Long: `Run a standalone queue worker against the shared database.

Workers claim jobs from the given queues and execute them. Several workers
may run concurrently, in addition to the one embedded in the server; a job
is only ever executed by one of them.

Examples:
  aibot worker
  aibot worker --queues gpu
  aibot worker --queues default,high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queuesStr, _ := cmd.Flags().GetString("queues")
		return runWorker(queuesStr)
	},
}

func init() {
	workerCmd.Flags().String("queues", "default,high,gpu", "comma-separated queues to consume")
}

func runWorker(queuesStr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	var queues []string
	for _, q := range strings.Split(queuesStr, ",") {
		q = strings.TrimSpace(q)
		switch q {
		case queue.Default, queue.High, queue.GPU:
			queues = append(queues, q)
		case "":
		default:
			return fmt.Errorf("unknown queue %q", q)
		}
	}
	if len(queues) == 0 {
		return fmt.Errorf("no queues to consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.Model, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	fabric := queue.New(store, time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)

	tg := telegram.New(cfg.Telegram.Token)
	speechEngine := speech.NewEngine(
		speech.NewClient(cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.STTModel, cfg.Speech.TTSModel, cfg.Speech.TTSVoice),
		nil,
	)

	// The orchestrator is needed worker-side for push-mode delivery and
	// timing records; in relay mode only the latter is used.
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

	worker := queue.NewWorker(fabric, queues, time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)
	bot.NewWorkers(orch, ollamaClient, speechEngine, cfg.Ollama.Model).Register(worker)

	printStep("Consuming queues: %s", strings.Join(queues, ", "))
	worker.Run(ctx)
	return nil
}
