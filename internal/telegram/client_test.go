package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strings"
	"testing"
	"time"
)

func okEnvelope(result any) []byte {
	b, _ := json.Marshal(map[string]any{"ok": true, "result": result})
	return b
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotParams sendMessageParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotParams); err != nil {
			t.Errorf("decoding params: %v", err)
		}
		w.Write(okEnvelope(map[string]any{"message_id": 1}))
	}))
	defer srv.Close()

	c := NewWithBaseURL("TOKEN", srv.URL)
	if err := c.SendMessage(context.Background(), 77, "hi there", 5); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotParams.ChatID != 77 || gotParams.Text != "hi there" || gotParams.ReplyToMessageID != 5 {
		t.Errorf("params = %+v", gotParams)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 403, "description": "bot was blocked by the user",
		})
	}))
	defer srv.Close()

	c := NewWithBaseURL("TOKEN", srv.URL)
	err := c.SendMessage(context.Background(), 77, "hi", 0)
	if err == nil {
		t.Fatal("SendMessage on ok=false returned nil error")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("error = %v, want API description included", err)
	}
}

func TestSendVoiceMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parsing multipart: %v", err)
		}
		if got := r.FormValue("chat_id"); got != "77" {
			t.Errorf("chat_id = %q", got)
		}
		if got := r.FormValue("duration"); got != "1" {
			t.Errorf("duration = %q, want 1", got)
		}
		f, _, err := r.FormFile("voice")
		if err != nil {
			t.Errorf("voice file missing: %v", err)
		} else {
			f.Close()
		}
		w.Write(okEnvelope(map[string]any{"message_id": 2}))
	}))
	defer srv.Close()

	c := NewWithBaseURL("TOKEN", srv.URL)
	err := c.SendVoice(context.Background(), 77, []byte("ogg-bytes"), 1200*time.Millisecond, 5)
	if err != nil {
		t.Fatalf("SendVoice: %v", err)
	}
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params getUpdatesParams
		json.NewDecoder(r.Body).Decode(&params)
		if params.Offset != 10 {
			t.Errorf("offset = %d, want 10", params.Offset)
		}
		w.Write(okEnvelope([]map[string]any{
			{"update_id": 10, "message": map[string]any{
				"message_id": 1,
				"from":       map[string]any{"id": 42},
				"chat":       map[string]any{"id": 77},
				"text":       "hello",
			}},
		}))
	}))
	defer srv.Close()

	c := NewWithBaseURL("TOKEN", srv.URL)
	updates, err := c.GetUpdates(context.Background(), 10, 30*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	msg := updates[0].Message
	if msg == nil || msg.Text != "hello" || msg.From.ID != 42 || msg.Chat.ID != 77 {
		t.Errorf("update message = %+v", msg)
	}
}

func TestDownloadVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			w.Write(okEnvelope(map[string]any{"file_id": "f1", "file_path": "voice/file_1.oga"}))
		case r.URL.Path == "/file/botTOKEN/voice/file_1.oga":
			w.Write([]byte("ogg-audio"))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewWithBaseURL("TOKEN", srv.URL)
	data, err := c.DownloadVoice(context.Background(), "f1")
	if err != nil {
		t.Fatalf("DownloadVoice: %v", err)
	}
	if string(data) != "ogg-audio" {
		t.Errorf("downloaded = %q", data)
	}
}

func TestWebhookHandler(t *testing.T) {
	received := make(chan Update, 1)
	c := NewWithBaseURL("TOKEN", "http://unused")
	h := WebhookHandler(c, func(ctx context.Context, u Update) {
		received <- u
	})

	body := `{"update_id":5,"message":{"message_id":1,"chat":{"id":77},"text":"hi"}}`

	// Wrong token: rejected, handler not called.
	req := httptest.NewRequest(http.MethodPost, "/telegram/WRONG", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("wrong token status = %d, want 404", rec.Code)
	}

	// Correct token: accepted.
	req = httptest.NewRequest(http.MethodPost, "/telegram/TOKEN", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		dump, _ := httputil.DumpResponse(rec.Result(), true)
		t.Fatalf("status = %d, body: %s", rec.Code, dump)
	}

	select {
	case u := <-received:
		if u.UpdateID != 5 || u.Message == nil || u.Message.Text != "hi" {
			t.Errorf("received update = %+v", u)
		}
	default:
		t.Fatal("handler never received the update")
	}
}
