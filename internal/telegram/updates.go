package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBodySize = 1 << 20 // 1MB

// UpdateHandler receives one inbound update. Implementations must not
// block: the orchestrator spawns a task per update.
type UpdateHandler func(ctx context.Context, u Update)

// Poller long-polls getUpdates and hands each update to the handler.
type Poller struct {
	client  *Client
	handler UpdateHandler
	timeout time.Duration
	logger  *slog.Logger
}

// NewPoller creates a Poller. If pollTimeout is <= 0, it defaults to 30s.
func NewPoller(client *Client, handler UpdateHandler, pollTimeout time.Duration) *Poller {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Poller{
		client:  client,
		handler: handler,
		timeout: pollTimeout,
		logger:  slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handler(ctx, u)
		}
	}
}

// WebhookHandler routes Bot API webhook posts to the handler. The path
// embeds the bot token so outsiders cannot inject updates.
func WebhookHandler(client *Client, handler UpdateHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/telegram/{token}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "token") != client.Token() {
			http.NotFound(w, req)
			return
		}

		req.Body = http.MaxBytesReader(w, req.Body, maxWebhookBodySize)
		defer req.Body.Close()

		var u Update
		if err := json.NewDecoder(req.Body).Decode(&u); err != nil {
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}

		handler(req.Context(), u)
		w.WriteHeader(http.StatusOK)
	})
	return r
}

type setWebhookParams struct {
	URL string `json:"url"`
}

// SetWebhook registers the public callback URL with the Bot API.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", setWebhookParams{URL: url}, nil)
}

// DeleteWebhook unregisters the callback so long-polling can resume.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}
