package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "telegram.token", typ: kString, env: "AIBOT_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.webhook_url", typ: kString, env: "AIBOT_TELEGRAM_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookURL },
	},
	{
		key: "server.port", typ: kInt, env: "AIBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "AIBOT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "AIBOT_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "speech.base_url", typ: kString, env: "AIBOT_SPEECH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.BaseURL },
	},
	{
		key: "speech.api_key", typ: kString, env: "AIBOT_SPEECH_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Speech.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.APIKey },
	},
	{
		key: "speech.stt_model", typ: kString, env: "AIBOT_SPEECH_STT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.STTModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.STTModel },
	},
	{
		key: "speech.tts_model", typ: kString, env: "AIBOT_SPEECH_TTS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.TTSModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.TTSModel },
	},
	{
		key: "speech.tts_voice", typ: kString, env: "AIBOT_SPEECH_TTS_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Speech.TTSVoice = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.TTSVoice },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "delivery.mode", typ: kString, env: "AIBOT_DELIVERY_MODE",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Delivery.Mode },
	},
	{
		key: "context.window_minutes", typ: kInt, env: "AIBOT_CONTEXT_WINDOW_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Context.WindowMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.WindowMinutes },
	},
	{
		key: "context.limit", typ: kInt, env: "AIBOT_CONTEXT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Context.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.Limit },
	},
	{
		key: "timeouts.llm_seconds", typ: kInt, env: "AIBOT_TIMEOUTS_LLM_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.LLMSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Timeouts.LLMSeconds },
	},
	{
		key: "timeouts.tts_seconds", typ: kInt, env: "AIBOT_TIMEOUTS_TTS_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.TTSSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Timeouts.TTSSeconds },
	},
	{
		key: "timeouts.stt_seconds", typ: kInt, env: "AIBOT_TIMEOUTS_STT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.STTSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Timeouts.STTSeconds },
	},
	{
		key: "queue.poll_interval_ms", typ: kInt, env: "AIBOT_QUEUE_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.PollIntervalMS },
	},
	{
		key: "log.level", typ: kString, env: "AIBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
