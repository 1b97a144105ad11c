// Package bot turns inbound channel events into queued jobs and drives the
// reply sequence: text first, then voice.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/m0wer/aibot/internal/queue"
	"github.com/m0wer/aibot/internal/storage"
	"github.com/m0wer/aibot/internal/telegram"
)

// DeliveryMode selects, once at startup, who sends the reply.
type DeliveryMode string

const (
	// DeliveryPush enqueues only; the worker that runs the job persists
	// and sends the reply itself.
	DeliveryPush DeliveryMode = "push"

	// DeliveryRelay has the orchestrator await the job result under a
	// deadline and send the reply itself.
	DeliveryRelay DeliveryMode = "relay"
)

// Fixed user-facing fallbacks. Every failure path must leave the user with
// at least one of these; silence is the worst-case bug.
const (
	MsgResponseTimeout    = "Sorry, I couldn't come up with a response in time. Please try again."
	MsgAudioError         = "Sorry, there was an error processing the audio."
	MsgAudioNotUnderstood = "Sorry, I couldn't understand the audio."
)

// ChannelClient is the outbound half of the messaging channel.
type ChannelClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
	SendVoice(ctx context.Context, chatID int64, audio []byte, duration time.Duration, replyTo int64) error
	DownloadVoice(ctx context.Context, fileID string) ([]byte, error)
}

// Timeouts bound how long the orchestrator waits on each job stage.
type Timeouts struct {
	LLM time.Duration
	TTS time.Duration
	STT time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Mode          DeliveryMode
	Model         string // shown in the welcome message
	ContextWindow time.Duration
	ContextLimit  int
	Timeouts      Timeouts
}

// Orchestrator converts one channel event into zero or more jobs,
// coordinates their execution, and produces the final observable reply.
type Orchestrator struct {
	store   *storage.Store
	fabric  *queue.Fabric
	channel ChannelClient
	opts    Options
	logger  *slog.Logger

	flightMu sync.Mutex
	flights  map[int64]*sync.Mutex
}

// New creates an Orchestrator.
func New(store *storage.Store, fabric *queue.Fabric, channel ChannelClient, opts Options) *Orchestrator {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = time.Hour
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 20
	}
	if opts.Timeouts.LLM <= 0 {
		opts.Timeouts.LLM = 60 * time.Second
	}
	if opts.Timeouts.TTS <= 0 {
		opts.Timeouts.TTS = 30 * time.Second
	}
	if opts.Timeouts.STT <= 0 {
		opts.Timeouts.STT = 120 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = DeliveryRelay
	}
	return &Orchestrator{
		store:   store,
		fabric:  fabric,
		channel: channel,
		opts:    opts,
		logger:  slog.Default(),
		flights: make(map[int64]*sync.Mutex),
	}
}

// lockUser serializes turns per user: one in-flight turn, later turns queue
// behind it so rapid double-sends cannot interleave context.
func (o *Orchestrator) lockUser(userID int64) func() {
	o.flightMu.Lock()
	mu, ok := o.flights[userID]
	if !ok {
		mu = &sync.Mutex{}
		o.flights[userID] = mu
	}
	o.flightMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// HandleUpdate is the entry point for one inbound channel event. Callers
// run it on its own goroutine; it serves one event to completion.
func (o *Orchestrator) HandleUpdate(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}

	switch {
	case msg.IsCommand():
		o.HandleCommand(ctx, msg)
	case msg.Voice != nil:
		audio, err := o.channel.DownloadVoice(ctx, msg.Voice.FileID)
		if err != nil {
			o.logger.Error("downloading voice note", "chat_id", msg.Chat.ID, "error", err)
			o.reply(ctx, msg.Chat.ID, MsgAudioError, msg.MessageID)
			return
		}
		o.HandleVoiceTurn(ctx, msg.From.ID, msg.Chat.ID, msg.MessageID, audio, msg.IsForwarded())
	case msg.Text != "":
		o.HandleTextTurn(ctx, msg.From.ID, msg.Chat.ID, msg.MessageID, msg.Text)
	}
}

// HandleTextTurn runs one text turn for the channel user.
func (o *Orchestrator) HandleTextTurn(ctx context.Context, telegramID, chatID, messageID int64, text string) {
	user, err := o.store.GetOrCreateUser(telegramID)
	if err != nil {
		o.logger.Error("resolving user", "telegram_id", telegramID, "error", err)
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}

	unlock := o.lockUser(user.ID)
	defer unlock()

	o.runTextTurn(ctx, user, chatID, messageID, text, false)
}

// HandleVoiceTurn runs one voice turn: transcription on the GPU queue, then
// the same pipeline as a text turn, tagged audio-derived.
func (o *Orchestrator) HandleVoiceTurn(ctx context.Context, telegramID, chatID, messageID int64, audio []byte, forwarded bool) {
	user, err := o.store.GetOrCreateUser(telegramID)
	if err != nil {
		o.logger.Error("resolving user", "telegram_id", telegramID, "error", err)
		o.reply(ctx, chatID, MsgAudioError, messageID)
		return
	}

	unlock := o.lockUser(user.ID)
	defer unlock()

	start := time.Now()
	handle, err := o.fabric.Enqueue(queue.GPU, JobTypeSTT, STTJob{
		UserID:    user.ID,
		Audio:     audio,
		ChatID:    chatID,
		MessageID: messageID,
		Forwarded: forwarded,
	})
	if err != nil {
		o.logger.Error("enqueueing stt job", "user_id", user.ID, "error", err)
		o.reply(ctx, chatID, MsgAudioError, messageID)
		return
	}
	o.logger.Debug("stt job enqueued", "user_id", user.ID, "job_id", handle.ID, "elapsed", time.Since(start))

	if o.opts.Mode == DeliveryPush {
		// The STT worker chains into the conversation pipeline itself.
		return
	}

	job, err := o.fabric.Await(ctx, handle, o.opts.Timeouts.STT)
	if err != nil {
		o.logger.Warn("stt stage failed", "user_id", user.ID, "job_id", handle.ID, "error", err)
		o.reply(ctx, chatID, MsgAudioError, messageID)
		return
	}

	var res STTResult
	if err := queue.Unmarshal(job.ResultJSON, &res); err != nil {
		o.logger.Error("decoding stt result", "job_id", handle.ID, "error", err)
		o.reply(ctx, chatID, MsgAudioError, messageID)
		return
	}
	if res.ErrorCode != "" {
		o.reply(ctx, chatID, STTErrorMessage(res.ErrorCode), messageID)
		return
	}

	o.runTextTurn(ctx, user, chatID, messageID, TranscriptLabel(res.Transcript, forwarded), true)
}

// STTErrorMessage maps an STT failure class to its user-facing message.
// Backend failures share the decode message; telemetry keeps them apart.
func STTErrorMessage(code string) string {
	if code == STTErrorUnintelligible {
		return MsgAudioNotUnderstood
	}
	return MsgAudioError
}

// runTextTurn persists the inbound turn, snapshots context, and dispatches
// the conversation job. The caller holds the user's flight lock.
func (o *Orchestrator) runTextTurn(ctx context.Context, user storage.User, chatID, messageID int64, content string, isAudio bool) {
	start := time.Now()

	saved, err := o.store.SaveMessage(user.ID, content, true)
	if err != nil {
		o.logger.Error("saving inbound message", "user_id", user.ID, "error", err)
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}

	history, err := o.store.RecentMessages(user.ID, o.opts.ContextWindow, o.opts.ContextLimit)
	if err != nil {
		o.logger.Error("loading context", "user_id", user.ID, "error", err)
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}
	history = DropMessage(history, saved.ID)

	handle, err := o.fabric.Enqueue(queue.Default, JobTypeConversation, ConversationJob{
		UserID:       user.ID,
		Content:      content,
		IsAudio:      isAudio,
		ChatID:       chatID,
		MessageID:    messageID,
		SystemPrompt: user.SystemPrompt,
		Context:      ContextEntries(history),
	})
	if err != nil {
		o.logger.Error("enqueueing conversation job", "user_id", user.ID, "error", err)
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}
	o.recordTiming(user.ID, "enqueue", time.Since(start), messageID)

	if o.opts.Mode == DeliveryPush {
		return
	}

	o.relayConversation(ctx, user, chatID, messageID, handle)
}

// relayConversation awaits the inference result, sends the text reply, then
// runs the voice leg. Called in relay mode only.
func (o *Orchestrator) relayConversation(ctx context.Context, user storage.User, chatID, messageID int64, handle *queue.Handle) {
	start := time.Now()

	job, err := o.fabric.Await(ctx, handle, o.opts.Timeouts.LLM)
	if err != nil {
		if errors.Is(err, queue.ErrAwaitTimeout) {
			o.logger.Warn("conversation job timed out", "user_id", user.ID, "job_id", handle.ID)
		} else {
			o.logger.Error("conversation job failed", "user_id", user.ID, "job_id", handle.ID, "error", err)
		}
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}

	var res ConversationResult
	if err := queue.Unmarshal(job.ResultJSON, &res); err != nil {
		o.logger.Error("decoding conversation result", "job_id", handle.ID, "error", err)
		o.reply(ctx, chatID, MsgResponseTimeout, messageID)
		return
	}

	dbStart := time.Now()
	if _, err := o.store.SaveMessage(user.ID, res.Text, false); err != nil {
		o.logger.Error("saving reply", "user_id", user.ID, "error", err)
	}
	o.recordTiming(user.ID, "database_operation", time.Since(dbStart), messageID)

	sendStart := time.Now()
	if err := o.channel.SendMessage(ctx, chatID, res.Text, messageID); err != nil {
		// Transport errors are logged and dropped, never retried.
		o.logger.Error("sending text reply", "chat_id", chatID, "error", err)
		return
	}
	o.recordTiming(user.ID, "send_text_response", time.Since(sendStart), messageID)

	o.relayVoice(ctx, user, chatID, messageID, res.Text)
	o.recordTiming(user.ID, "total_processing", time.Since(start), messageID)
}

// relayVoice synthesizes and sends the voice reply. The text reply is
// already out: any failure here degrades to text-only, never fails the turn.
func (o *Orchestrator) relayVoice(ctx context.Context, user storage.User, chatID, messageID int64, text string) {
	ttsStart := time.Now()
	handle, err := o.fabric.Enqueue(queue.High, JobTypeTTS, TTSJob{Text: text})
	if err != nil {
		o.logger.Error("enqueueing tts job", "user_id", user.ID, "error", err)
		return
	}

	job, err := o.fabric.Await(ctx, handle, o.opts.Timeouts.TTS)
	if err != nil {
		o.logger.Warn("voice reply skipped", "user_id", user.ID, "job_id", handle.ID, "error", err)
		return
	}

	var res TTSResult
	if err := queue.Unmarshal(job.ResultJSON, &res); err != nil {
		o.logger.Error("decoding tts result", "job_id", handle.ID, "error", err)
		return
	}
	if len(res.Audio) == 0 {
		o.logger.Debug("no audio produced, skipping voice reply", "user_id", user.ID)
		return
	}
	o.recordTiming(user.ID, "text_to_speech", time.Since(ttsStart), messageID)

	voiceStart := time.Now()
	duration := time.Duration(res.DurationSeconds * float64(time.Second))
	if err := o.channel.SendVoice(ctx, chatID, res.Audio, duration, messageID); err != nil {
		o.logger.Error("sending voice reply", "chat_id", chatID, "error", err)
		return
	}
	o.recordTiming(user.ID, "send_voice_response", time.Since(voiceStart), messageID)
}

// reply sends a plain text message, logging rather than propagating a
// transport failure.
func (o *Orchestrator) reply(ctx context.Context, chatID int64, text string, replyTo int64) {
	if err := o.channel.SendMessage(ctx, chatID, text, replyTo); err != nil {
		o.logger.Error("sending reply", "chat_id", chatID, "error", err)
	}
}

func (o *Orchestrator) recordTiming(userID int64, operation string, d time.Duration, messageID int64) {
	if err := o.store.SaveProcessingTime(userID, operation, d, messageID); err != nil {
		o.logger.Error("recording processing time", "operation", operation, "error", err)
	}
}
