package telegram

import "encoding/json"

// Update is one inbound event from the Bot API.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of the Bot API message object the bot consumes.
type Message struct {
	MessageID     int64          `json:"message_id"`
	From          *ChatUser      `json:"from,omitempty"`
	Chat          Chat           `json:"chat"`
	Text          string         `json:"text,omitempty"`
	Voice         *Voice         `json:"voice,omitempty"`
	ForwardOrigin *ForwardOrigin `json:"forward_origin,omitempty"`
}

// ChatUser identifies the sender.
type ChatUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies where the message was sent.
type Chat struct {
	ID int64 `json:"id"`
}

// Voice describes a voice note attachment.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
}

// ForwardOrigin is present when the message was forwarded. The bot only
// cares that it exists, not what it contains.
type ForwardOrigin struct {
	Type string `json:"type"`
}

// File is the Bot API file descriptor returned by getFile.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// BotCommand is one entry for setMyCommands.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// IsForwarded reports whether the message arrived as a forward.
func (m *Message) IsForwarded() bool {
	return m.ForwardOrigin != nil
}

// IsCommand reports whether the message text is a bot command.
func (m *Message) IsCommand() bool {
	return len(m.Text) > 1 && m.Text[0] == '/'
}
