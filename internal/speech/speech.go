// Package speech converts between text and voice via an OpenAI-compatible
// speech server, with ffmpeg handling container transcoding.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoAudio means synthesis was skipped because the input text was empty.
	ErrNoAudio = errors.New("no audio produced")

	// ErrDecode means the voice note container could not be decoded.
	ErrDecode = errors.New("audio could not be decoded")

	// ErrUnintelligible means the speech engine ran but produced no
	// confident transcript.
	ErrUnintelligible = errors.New("audio could not be understood")
)

// Audio is synthesized speech plus its playback duration, derived by
// decoding the produced audio rather than estimating from text length.
type Audio struct {
	Data     []byte
	Duration time.Duration
}

// Engine pairs the speech backend client with the local transcoder.
type Engine struct {
	client *Client
	codec  Transcoder
}

// NewEngine creates an Engine. Pass a nil codec to use ffmpeg.
func NewEngine(client *Client, codec Transcoder) *Engine {
	if codec == nil {
		codec = FFmpeg{}
	}
	return &Engine{client: client, codec: codec}
}

// Synthesize converts text to voice audio. Empty text returns ErrNoAudio
// without calling the backend.
func (e *Engine) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrNoAudio
	}

	data, err := e.client.Speech(ctx, text)
	if err != nil {
		return Audio{}, err
	}

	// Decode what the backend actually produced to measure real playback
	// duration.
	wav, err := e.codec.ToWAV(ctx, data)
	if err != nil {
		return Audio{}, fmt.Errorf("decoding synthesized audio: %w", err)
	}
	d, err := WAVDuration(wav)
	if err != nil {
		return Audio{}, fmt.Errorf("measuring synthesized audio: %w", err)
	}

	return Audio{Data: data, Duration: d}, nil
}

// Transcript is transcription output plus the time spent transcoding the
// voice note to WAV before recognition, reported so callers can record the
// two stages separately.
type Transcript struct {
	Text      string
	Transcode time.Duration
}

// Transcribe converts a compressed voice note to text. Decode failures,
// unintelligible audio, and backend errors are distinct conditions.
func (e *Engine) Transcribe(ctx context.Context, voiceNote []byte) (Transcript, error) {
	start := time.Now()
	wav, err := e.codec.ToWAV(ctx, voiceNote)
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	tr := Transcript{Transcode: time.Since(start)}

	text, err := e.client.Transcription(ctx, wav)
	if err != nil {
		return tr, err
	}
	if strings.TrimSpace(text) == "" {
		return tr, ErrUnintelligible
	}
	tr.Text = text
	return tr, nil
}
