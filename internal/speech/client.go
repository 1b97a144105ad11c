package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 120 * time.Second
	maxAudioSize   = 25 << 20 // 25MB, the common server-side cap
)

// Client communicates with an OpenAI-compatible speech server
// (/v1/audio/speech for synthesis, /v1/audio/transcriptions for STT).
type Client struct {
	baseURL    string
	apiKey     string
	sttModel   string
	ttsModel   string
	voice      string
	httpClient *http.Client
}

// NewClient creates a speech client. apiKey may be empty for servers that
// run without auth (whisper.cpp, local TTS containers).
func NewClient(baseURL, apiKey, sttModel, ttsModel, voice string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		sttModel: sttModel,
		ttsModel: ttsModel,
		voice:    voice,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// apiError mirrors the OpenAI error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// speechRequest is the JSON body for POST /v1/audio/speech.
type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Speech synthesizes text, returning opus-in-ogg audio bytes.
func (c *Client) Speech(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          c.ttsModel,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "opus",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("speech", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("reading synthesized audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("speech: backend returned empty audio")
	}
	return data, nil
}

// transcriptionResponse is the JSON returned by /v1/audio/transcriptions.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcription sends WAV audio for transcription and returns the text.
func (c *Client) Transcription(ctx context.Context, wav []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("writing audio part: %w", err)
	}
	if err := mw.WriteField("model", c.sttModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("creating transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError("transcription", resp)
	}

	var result transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return result.Text, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, e.Error.Message)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}
