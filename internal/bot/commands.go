package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/m0wer/aibot/internal/telegram"
)

// Commands returns the command list registered with the channel.
func Commands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "start", Description: "Start the bot"},
		{Command: "prompt", Description: "Show or set the system prompt"},
		{Command: "reset", Description: "Reset chat history"},
	}
}

// HandleCommand serves /start, /prompt, and /reset. Unknown commands are
// ignored.
func (o *Orchestrator) HandleCommand(ctx context.Context, msg *telegram.Message) {
	name, args := splitCommand(msg.Text)

	user, err := o.store.GetOrCreateUser(msg.From.ID)
	if err != nil {
		o.logger.Error("resolving user for command", "command", name, "error", err)
		return
	}

	switch name {
	case "start":
		welcome := fmt.Sprintf(
			"Welcome! I'm your Ollama-powered assistant using the %s model. "+
				"Send me a message or voice note, and I'll respond.", o.opts.Model)
		o.reply(ctx, msg.Chat.ID, welcome, msg.MessageID)
		o.logger.Info("start command", "user_id", user.ID)

	case "prompt":
		if args == "" {
			o.reply(ctx, msg.Chat.ID, fmt.Sprintf(
				"Current system prompt: %s\n\nTo change it, use /prompt followed by the new prompt.",
				user.SystemPrompt), msg.MessageID)
			return
		}
		if err := o.store.SetSystemPrompt(user.ID, args); err != nil {
			o.logger.Error("updating system prompt", "user_id", user.ID, "error", err)
			o.reply(ctx, msg.Chat.ID, MsgResponseTimeout, msg.MessageID)
			return
		}
		o.reply(ctx, msg.Chat.ID, "System prompt updated to: "+args, msg.MessageID)
		o.logger.Info("system prompt updated", "user_id", user.ID)

	case "reset":
		n, err := o.store.ResetMessages(user.ID)
		if err != nil {
			o.logger.Error("resetting history", "user_id", user.ID, "error", err)
			o.reply(ctx, msg.Chat.ID, MsgResponseTimeout, msg.MessageID)
			return
		}
		o.reply(ctx, msg.Chat.ID, "Chat history has been reset.", msg.MessageID)
		o.logger.Info("chat history reset", "user_id", user.ID, "messages", n)
	}
}

// splitCommand parses "/prompt be brief" into ("prompt", "be brief"),
// stripping an optional @botname suffix.
func splitCommand(text string) (name, args string) {
	text = strings.TrimPrefix(text, "/")
	name, args, _ = strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return name, strings.TrimSpace(args)
}
