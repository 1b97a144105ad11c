package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m0wer/aibot/internal/ollama"
	"github.com/m0wer/aibot/internal/queue"
	"github.com/m0wer/aibot/internal/speech"
	"github.com/m0wer/aibot/internal/storage"
)

// Inference runs one chat completion.
type Inference interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) (string, error)
}

// Speech converts between text and audio.
type Speech interface {
	Synthesize(ctx context.Context, text string) (speech.Audio, error)
	Transcribe(ctx context.Context, voiceNote []byte) (speech.Transcript, error)
}

// Workers binds the job handlers to their backends. The same binding is used
// whether the workers run in-process with the orchestrator or as standalone
// queue consumers.
type Workers struct {
	orch   *Orchestrator
	llm    Inference
	speech Speech
	model  string
	logger *slog.Logger
}

// NewWorkers creates the handler set for the given backends.
func NewWorkers(orch *Orchestrator, llm Inference, sp Speech, model string) *Workers {
	return &Workers{
		orch:   orch,
		llm:    llm,
		speech: sp,
		model:  model,
		logger: slog.Default(),
	}
}

// Register attaches the handlers to a queue worker.
func (w *Workers) Register(worker *queue.Worker) {
	worker.Handle(JobTypeConversation, w.handleConversation)
	worker.Handle(JobTypeTTS, w.handleTTS)
	worker.Handle(JobTypeSTT, w.handleSTT)
}

// handleConversation runs one inference turn. In push mode the worker also
// owns persistence and delivery of the reply.
func (w *Workers) handleConversation(ctx context.Context, job storage.Job) (any, error) {
	var p ConversationJob
	if err := queue.Unmarshal(job.PayloadJSON, &p); err != nil {
		return nil, err
	}

	start := time.Now()
	messages := BuildMessages(p.SystemPrompt, p.Context, p.Content, p.IsAudio)
	text, err := w.llm.Chat(ctx, w.model, messages)
	if err != nil {
		if w.orch.opts.Mode == DeliveryPush && p.ChatID != 0 {
			w.orch.reply(ctx, p.ChatID, MsgResponseTimeout, p.MessageID)
		}
		return nil, err
	}
	w.orch.recordTiming(p.UserID, "ollama_response", time.Since(start), p.MessageID)

	if w.orch.opts.Mode == DeliveryPush {
		w.deliverReply(ctx, p, text, start)
	}

	return ConversationResult{Text: text}, nil
}

// deliverReply persists and sends the reply from the worker side. Mirrors
// the relay-mode sequence: text first, then the voice leg.
func (w *Workers) deliverReply(ctx context.Context, p ConversationJob, text string, start time.Time) {
	user, err := w.orch.store.GetUser(p.UserID)
	if err != nil {
		w.logger.Error("resolving user for delivery", "user_id", p.UserID, "error", err)
		return
	}

	dbStart := time.Now()
	if _, err := w.orch.store.SaveMessage(user.ID, text, false); err != nil {
		w.logger.Error("saving reply", "user_id", user.ID, "error", err)
	}
	w.orch.recordTiming(user.ID, "database_operation", time.Since(dbStart), p.MessageID)

	sendStart := time.Now()
	if err := w.orch.channel.SendMessage(ctx, p.ChatID, text, p.MessageID); err != nil {
		w.logger.Error("sending text reply", "chat_id", p.ChatID, "error", err)
		return
	}
	w.orch.recordTiming(user.ID, "send_text_response", time.Since(sendStart), p.MessageID)

	// The voice leg chains through the queue; the TTS worker sends the
	// voice note itself. No await here, the worker must stay free.
	if _, err := w.orch.fabric.Enqueue(queue.High, JobTypeTTS, TTSJob{
		Text:      text,
		UserID:    user.ID,
		ChatID:    p.ChatID,
		MessageID: p.MessageID,
	}); err != nil {
		w.logger.Error("enqueueing tts job", "user_id", user.ID, "error", err)
	}
	w.orch.recordTiming(user.ID, "total_processing", time.Since(start), p.MessageID)
}

// handleTTS synthesizes speech for a reply. Empty input is a normal outcome
// carried as an empty result, not a job failure.
func (w *Workers) handleTTS(ctx context.Context, job storage.Job) (any, error) {
	var p TTSJob
	if err := queue.Unmarshal(job.PayloadJSON, &p); err != nil {
		return nil, err
	}

	start := time.Now()
	audio, err := w.speech.Synthesize(ctx, p.Text)
	if err != nil {
		if errors.Is(err, speech.ErrNoAudio) {
			return TTSResult{}, nil
		}
		return nil, err
	}

	res := TTSResult{
		Audio:           audio.Data,
		DurationSeconds: audio.Duration.Seconds(),
	}

	// Delivery fields present means the worker owns sending the voice
	// note. Failures degrade to text-only; the text reply is already out.
	if p.ChatID != 0 {
		w.orch.recordTiming(p.UserID, "text_to_speech", time.Since(start), p.MessageID)
		sendStart := time.Now()
		if err := w.orch.channel.SendVoice(ctx, p.ChatID, audio.Data, audio.Duration, p.MessageID); err != nil {
			w.logger.Error("sending voice reply", "chat_id", p.ChatID, "error", err)
			return res, nil
		}
		w.orch.recordTiming(p.UserID, "send_voice_response", time.Since(sendStart), p.MessageID)
	}

	return res, nil
}

// handleSTT transcribes a voice note. Speech-level failures come back as
// result codes so the turn can answer with the right apology; only payload
// or infrastructure problems fail the job.
func (w *Workers) handleSTT(ctx context.Context, job storage.Job) (any, error) {
	var p STTJob
	if err := queue.Unmarshal(job.PayloadJSON, &p); err != nil {
		return nil, err
	}

	start := time.Now()
	tr, err := w.speech.Transcribe(ctx, p.Audio)
	if tr.Transcode > 0 {
		w.orch.recordTiming(p.UserID, "audio_conversion", tr.Transcode, p.MessageID)
	}
	w.orch.recordTiming(p.UserID, "speech_to_text", time.Since(start), p.MessageID)

	res := STTResult{Transcript: tr.Text}
	switch {
	case errors.Is(err, speech.ErrDecode):
		res = STTResult{ErrorCode: STTErrorDecode}
	case errors.Is(err, speech.ErrUnintelligible):
		res = STTResult{ErrorCode: STTErrorUnintelligible}
	case err != nil:
		w.logger.Error("transcription backend failed", "user_id", p.UserID, "error", err)
		res = STTResult{ErrorCode: STTErrorBackend}
	}

	if w.orch.opts.Mode == DeliveryPush {
		w.continueVoiceTurn(ctx, p, res)
	}

	return res, nil
}

// continueVoiceTurn chains a completed transcription into the conversation
// pipeline from the worker side.
func (w *Workers) continueVoiceTurn(ctx context.Context, p STTJob, res STTResult) {
	if res.ErrorCode != "" {
		w.orch.reply(ctx, p.ChatID, STTErrorMessage(res.ErrorCode), p.MessageID)
		return
	}

	user, err := w.orch.store.GetUser(p.UserID)
	if err != nil {
		w.logger.Error("resolving user for voice turn", "user_id", p.UserID, "error", err)
		w.orch.reply(ctx, p.ChatID, MsgAudioError, p.MessageID)
		return
	}

	unlock := w.orch.lockUser(user.ID)
	defer unlock()

	w.orch.runTextTurn(ctx, user, p.ChatID, p.MessageID, TranscriptLabel(res.Transcript, p.Forwarded), true)
}
