// Package telegram is the Bot API channel client: long-poll and webhook
// inbound transports plus the outbound send calls the pipeline uses.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://api.telegram.org"
	maxDownloadSize = 20 << 20 // Bot API caps file downloads at 20MB
)

// Client calls the Telegram Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Client with the given bot token.
func New(token string) *Client {
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(token, baseURL string) *Client {
	c := New(token)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Token returns the bot token, used to build the webhook path.
func (c *Client) Token() string {
	return c.token
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// call posts JSON params to a Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse(method, resp.Body, out)
}

func decodeAPIResponse(method string, r io.Reader, out any) error {
	var env apiResponse
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s: API error %d: %s", method, env.ErrorCode, env.Description)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

type sendMessageParams struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// SendMessage sends a text reply.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	return c.call(ctx, "sendMessage", sendMessageParams{
		ChatID:           chatID,
		Text:             text,
		ReplyToMessageID: replyTo,
	}, nil)
}

// SendVoice uploads and sends a voice reply. duration is the playback
// length in whole seconds as the Bot API expects.
func (c *Client) SendVoice(ctx context.Context, chatID int64, audio []byte, duration time.Duration, replyTo int64) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("voice", "voice.ogg")
	if err != nil {
		return fmt.Errorf("building voice upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return fmt.Errorf("writing voice bytes: %w", err)
	}
	fields := map[string]string{
		"chat_id":  strconv.FormatInt(chatID, 10),
		"duration": strconv.Itoa(int(duration.Round(time.Second) / time.Second)),
	}
	if replyTo != 0 {
		fields["reply_to_message_id"] = strconv.FormatInt(replyTo, 10)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("writing %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing voice upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendVoice"), &buf)
	if err != nil {
		return fmt.Errorf("creating sendVoice request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendVoice request: %w", err)
	}
	defer resp.Body.Close()

	return decodeAPIResponse("sendVoice", resp.Body, nil)
}

type getFileParams struct {
	FileID string `json:"file_id"`
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	if err := c.call(ctx, "getFile", getFileParams{FileID: fileID}, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Download fetches a file's bytes given the path from GetFile.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	url := c.baseURL + "/file/bot" + c.token + "/" + filePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
}

// DownloadVoice resolves and downloads a voice note in one step.
func (c *Client) DownloadVoice(ctx context.Context, fileID string) ([]byte, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return c.Download(ctx, f.FilePath)
}

type setMyCommandsParams struct {
	Commands []BotCommand `json:"commands"`
}

// SetMyCommands registers the bot's command list.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", setMyCommandsParams{Commands: commands}, nil)
}

type getUpdatesParams struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
}

// GetUpdates long-polls for new updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", getUpdatesParams{
		Offset:  offset,
		Timeout: int(timeout / time.Second),
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}
