package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig
	Server   ServerConfig
	Ollama   OllamaConfig
	Speech   SpeechConfig
	Storage  StorageConfig
	Delivery DeliveryConfig
	Context  ContextConfig
	Timeouts TimeoutConfig
	Queue    QueueConfig
	Log      LogConfig
}

type TelegramConfig struct {
	Token      string
	WebhookURL string
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type SpeechConfig struct {
	BaseURL  string
	APIKey   string
	STTModel string
	TTSModel string
	TTSVoice string
}

type StorageConfig struct {
	DataDir string
}

type DeliveryConfig struct {
	// Mode is "relay" (handler awaits the result and sends the reply) or
	// "push" (workers send the reply themselves).
	Mode string
}

type ContextConfig struct {
	WindowMinutes int
	Limit         int
}

type TimeoutConfig struct {
	LLMSeconds int
	TTSSeconds int
	STTSeconds int
}

type QueueConfig struct {
	PollIntervalMS int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "gemma3:4b",
		},
		Speech: SpeechConfig{
			BaseURL:  "http://localhost:8000",
			STTModel: "Systran/faster-whisper-small",
			TTSModel: "speaches-ai/Kokoro-82M-v1.0-ONNX",
			TTSVoice: "af_heart",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Delivery: DeliveryConfig{
			Mode: "relay",
		},
		Context: ContextConfig{
			WindowMinutes: 60,
			Limit:         20,
		},
		Timeouts: TimeoutConfig{
			LLMSeconds: 60,
			TTSSeconds: 30,
			STTSeconds: 120,
		},
		Queue: QueueConfig{
			PollIntervalMS: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.aibot.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/aibot/config.json
// and secrets live in $XDG_DATA_HOME/aibot/secrets.json or environment
// variables.
//
// Environment variables (AIBOT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for secrets still empty.
	if cfg.Telegram.Token == "" {
		if v, err := kc.Get("aibot", "telegram_token"); err == nil && v != "" {
			cfg.Telegram.Token = v
		}
	}
	if cfg.Speech.APIKey == "" {
		if v, err := kc.Get("aibot", "speech_api_key"); err == nil && v != "" {
			cfg.Speech.APIKey = v
		}
	}

	if cfg.Telegram.Token == "" {
		msg := "missing required config: Telegram bot token. " +
			"Set it via environment variable AIBOT_TELEGRAM_TOKEN" +
			tokenHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	switch cfg.Delivery.Mode {
	case "relay", "push":
	default:
		return Config{}, fmt.Errorf("invalid delivery.mode %q: must be \"relay\" or \"push\"", cfg.Delivery.Mode)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
