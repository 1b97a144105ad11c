package bot

// Job types dispatched over the queue fabric.
const (
	JobTypeConversation = "conversation"
	JobTypeTTS          = "tts"
	JobTypeSTT          = "stt"
)

// ConversationJob asks a worker to run one inference turn. The context
// snapshot travels with the job so the worker never re-reads history that
// may have moved on by the time it runs.
type ConversationJob struct {
	UserID       int64          `json:"user_id"`
	Content      string         `json:"content"`
	IsAudio      bool           `json:"is_audio"`
	ChatID       int64          `json:"chat_id"`
	MessageID    int64          `json:"message_id"`
	SystemPrompt string         `json:"system_prompt"`
	Context      []ContextEntry `json:"context"`
}

// ConversationResult is the generated reply text.
type ConversationResult struct {
	Text string `json:"text"`
}

// TTSJob asks a worker to synthesize speech for a reply. When the delivery
// fields are set the worker sends the voice note itself; otherwise the
// enqueuer awaits the result and sends it.
type TTSJob struct {
	Text      string `json:"text"`
	UserID    int64  `json:"user_id,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
}

// TTSResult carries the synthesized audio. Empty Audio means synthesis was
// skipped (no text to speak).
type TTSResult struct {
	Audio           []byte  `json:"audio_bytes,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// STT failure classes carried in STTResult. User-level speech failures are
// results, not job failures: the job itself ran fine.
const (
	STTErrorDecode         = "decode"
	STTErrorUnintelligible = "unintelligible"
	STTErrorBackend        = "backend"
)

// STTJob asks a worker to transcribe a voice note.
type STTJob struct {
	UserID    int64  `json:"user_id"`
	Audio     []byte `json:"audio_bytes"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Forwarded bool   `json:"forwarded"`
}

// STTResult is the transcript, or the failure class when the audio could
// not be turned into text.
type STTResult struct {
	Transcript string `json:"transcript,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}
