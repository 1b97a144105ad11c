package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"time"
)

// Transcoder converts compressed audio into uncompressed WAV.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte) ([]byte, error)
}

// FFmpeg transcodes via the ffmpeg binary on PATH.
type FFmpeg struct {
	// Bin overrides the ffmpeg binary path. Empty means "ffmpeg".
	Bin string
}

// ToWAV decodes any container ffmpeg understands (ogg/opus voice notes,
// mp3, ...) into 16 kHz mono PCM WAV, streaming through pipes.
func (f FFmpeg) ToWAV(ctx context.Context, data []byte) ([]byte, error) {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ar", "16000", "-ac", "1",
		"-f", "wav", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("ffmpeg: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return out.Bytes(), nil
}

// WAVDuration reads playback duration from a WAV file's headers:
// data chunk size over byte rate.
func WAVDuration(data []byte) (time.Duration, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var byteRate uint32
	var dataSize uint32
	var haveFmt, haveData bool

	// Walk the chunk list. ffmpeg's pipe output may carry a placeholder
	// RIFF size, so trust the individual chunk headers instead.
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		body := off + 8

		switch id {
		case "fmt ":
			if body+16 > len(data) {
				return 0, fmt.Errorf("truncated fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			haveFmt = true
		case "data":
			dataSize = size
			if body+int(size) > len(data) {
				// Streamed output: the chunk size may exceed what was
				// actually written. Use the real byte count.
				dataSize = uint32(len(data) - body)
			}
			haveData = true
		}

		if haveFmt && haveData {
			break
		}

		// Chunks are word-aligned.
		off = body + int(size)
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return 0, fmt.Errorf("missing fmt or data chunk")
	}
	if byteRate == 0 {
		return 0, fmt.Errorf("zero byte rate")
	}

	seconds := float64(dataSize) / float64(byteRate)
	return time.Duration(seconds * float64(time.Second)), nil
}
