package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/m0wer/aibot/internal/bot"
	"github.com/m0wer/aibot/internal/queue"
	"github.com/m0wer/aibot/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store         *storage.Store
	Fabric        *queue.Fabric
	Model         string
	ContextWindow time.Duration
	ContextLimit  int
	ChatTimeout   time.Duration
}

// NewMCPServer creates an MCP server exposing the assistant over MCP: the
// same conversation pipeline the messaging channel uses, minus the channel.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.ContextWindow <= 0 {
		deps.ContextWindow = time.Hour
	}
	if deps.ContextLimit <= 0 {
		deps.ContextLimit = 20
	}
	if deps.ChatTimeout <= 0 {
		deps.ChatTimeout = 60 * time.Second
	}

	s := server.NewMCPServer(
		"aibot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("aibot is a local Ollama-backed conversational assistant with per-user rolling context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to the assistant as the given user and return the reply."),
			mcp.WithNumber("user_id", mcp.Description("Channel user id owning the conversation"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The message to send"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_history",
			mcp.WithDescription("Reset the conversation history for the given user."),
			mcp.WithNumber("user_id", mcp.Description("Channel user id owning the conversation"), mcp.Required()),
		),
		mcpResetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("set_system_prompt",
			mcp.WithDescription("Replace the system prompt used for the given user's conversations."),
			mcp.WithNumber("user_id", mcp.Description("Channel user id owning the conversation"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("The new system prompt"), mcp.Required()),
		),
		mcpSetSystemPrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("get_processing_times",
			mcp.WithDescription("Return recent pipeline stage timings for the given user."),
			mcp.WithNumber("user_id", mcp.Description("Channel user id owning the conversation"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpProcessingTimes(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		user, err := deps.Store.GetOrCreateUser(int64(userID))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve user: %v", err)), nil
		}

		saved, err := deps.Store.SaveMessage(user.ID, message, true)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save message: %v", err)), nil
		}

		history, err := deps.Store.RecentMessages(user.ID, deps.ContextWindow, deps.ContextLimit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load context: %v", err)), nil
		}
		entries := bot.ContextEntries(bot.DropMessage(history, saved.ID))

		handle, err := deps.Fabric.Enqueue(queue.Default, bot.JobTypeConversation, bot.ConversationJob{
			UserID:       user.ID,
			Content:      message,
			SystemPrompt: user.SystemPrompt,
			Context:      entries,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue turn: %v", err)), nil
		}

		job, err := deps.Fabric.Await(ctx, handle, deps.ChatTimeout)
		if err != nil {
			return mcpError(fmt.Sprintf("turn did not complete: %v", err)), nil
		}

		var res bot.ConversationResult
		if err := queue.Unmarshal(job.ResultJSON, &res); err != nil {
			return mcpError(fmt.Sprintf("failed to decode result: %v", err)), nil
		}

		if _, err := deps.Store.SaveMessage(user.ID, res.Text, false); err != nil {
			return mcpError(fmt.Sprintf("reply generated but failed to save: %v", err)), nil
		}

		return mcpText(res.Text), nil
	}
}

func mcpResetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		user, err := deps.Store.GetOrCreateUser(int64(userID))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve user: %v", err)), nil
		}

		n, err := deps.Store.ResetMessages(user.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to reset history: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Reset %d messages", n)), nil
	}
}

func mcpSetSystemPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		user, err := deps.Store.GetOrCreateUser(int64(userID))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve user: %v", err)), nil
		}

		if err := deps.Store.SetSystemPrompt(user.ID, prompt); err != nil {
			return mcpError(fmt.Sprintf("failed to set system prompt: %v", err)), nil
		}

		return mcpText("System prompt updated"), nil
	}
}

func mcpProcessingTimes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		user, err := deps.Store.GetOrCreateUser(int64(userID))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve user: %v", err)), nil
		}

		times, err := deps.Store.ProcessingTimesFor(user.ID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load timings: %v", err)), nil
		}

		type timingResult struct {
			Operation  string `json:"operation"`
			DurationMS int64  `json:"duration_ms"`
			CreatedAt  string `json:"created_at"`
		}

		results := make([]timingResult, len(times))
		for i, pt := range times {
			results[i] = timingResult{
				Operation:  pt.Operation,
				DurationMS: pt.Duration.Milliseconds(),
				CreatedAt:  pt.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal timings: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
