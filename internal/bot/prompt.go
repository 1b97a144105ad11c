package bot

import (
	"github.com/m0wer/aibot/internal/ollama"
	"github.com/m0wer/aibot/internal/storage"
)

// transcriptionNote warns the model that the newest turn passed through a
// lossy speech-to-text stage.
const transcriptionNote = "[The following is a transcription of an audio message from the user] "

// ContextEntry is one prior turn in a conversation job payload, already
// role-tagged from the message's stored direction.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextEntries maps stored messages to role-tagged entries. Roles come
// from each message's from-user flag, not from position parity.
func ContextEntries(history []storage.Message) []ContextEntry {
	entries := make([]ContextEntry, len(history))
	for i, m := range history {
		role := ollama.RoleAssistant
		if m.IsFromUser {
			role = ollama.RoleUser
		}
		entries[i] = ContextEntry{Role: role, Content: m.Content}
	}
	return entries
}

// DropMessage removes the message with the given id from a history slice.
// The context snapshot for a turn excludes the turn being answered; it
// travels in the job payload as the new input instead.
func DropMessage(history []storage.Message, id int64) []storage.Message {
	out := history[:0]
	for _, m := range history {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// BuildMessages assembles the model prompt: one system entry, the prior
// context, then the new user turn. Audio-derived turns carry the
// transcription annotation.
func BuildMessages(systemPrompt string, context []ContextEntry, input string, isAudio bool) []ollama.Message {
	msgs := make([]ollama.Message, 0, len(context)+2)
	msgs = append(msgs, ollama.Message{Role: ollama.RoleSystem, Content: systemPrompt})
	for _, e := range context {
		msgs = append(msgs, ollama.Message{Role: e.Role, Content: e.Content})
	}

	content := input
	if isAudio {
		content = transcriptionNote + input
	}
	msgs = append(msgs, ollama.Message{Role: ollama.RoleUser, Content: content})
	return msgs
}

// TranscriptLabel prefixes a transcript so the conversation history shows
// where it came from. Forwarded voice notes get their own label.
func TranscriptLabel(transcript string, forwarded bool) string {
	if forwarded {
		return "Transcribed forwarded audio: " + transcript
	}
	return "Transcribed audio: " + transcript
}
