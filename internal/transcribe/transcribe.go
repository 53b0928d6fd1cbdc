// Package transcribe turns recorded voice messages into text.
package transcribe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrInvalidAudio is returned when the payload is not decodable audio.
	ErrInvalidAudio = errors.New("invalid audio payload")
	// ErrInvalidFilename is returned for names that were not issued by Save.
	ErrInvalidFilename = errors.New("invalid audio filename")

	filenamePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.[a-z0-9]{2,4}$`)
)

var mimeExtensions = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
}

// Result is a finished transcription.
type Result struct {
	Text     string
	Filename string // stored audio file, servable through Path
}

// Transcriber converts a base64 audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio, lang string) (*Result, error)
}

// WhisperTranscriber stores the audio under a temp directory and sends it to
// the OpenAI transcription endpoint.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

var _ Transcriber = (*WhisperTranscriber)(nil)

// Options configures NewWhisperTranscriber.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	TempDir string
}

// NewWhisperTranscriber creates the temp directory and the API client.
func NewWhisperTranscriber(opts Options, logger *slog.Logger) (*WhisperTranscriber, error) {
	if opts.TempDir == "" {
		return nil, errors.New("audio temp dir is required")
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio temp dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	model := opts.Model
	if model == "" {
		model = openai.Whisper1
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dir:    opts.TempDir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Transcribe saves the audio and returns its transcript. On success the file
// is kept so the chat history can replay it; on failure it is removed.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio, lang string) (*Result, error) {
	filename, err := w.Save(audio)
	if err != nil {
		return nil, err
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filepath.Join(w.dir, filename),
		Language: whisperLanguage(lang),
	})
	if err != nil {
		w.logger.Error("transcription failed", "filename", filename, "error", err)
		w.remove(filename)
		return nil, fmt.Errorf("transcribe %s: %w", filename, err)
	}

	return &Result{Text: strings.TrimSpace(resp.Text), Filename: filename}, nil
}

// Save decodes a base64 or data-URL payload into a uniquely named file.
func (w *WhisperTranscriber) Save(audio string) (string, error) {
	data, ext, err := decodeAudio(audio)
	if err != nil {
		return "", err
	}
	filename := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(w.dir, filename), data, 0o600); err != nil {
		return "", fmt.Errorf("write audio file: %w", err)
	}
	return filename, nil
}

func (w *WhisperTranscriber) remove(filename string) {
	if err := os.Remove(filepath.Join(w.dir, filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove audio file", "filename", filename, "error", err)
	}
}

// Path resolves a stored filename, rejecting anything Save could not have produced.
func (w *WhisperTranscriber) Path(filename string) (string, error) {
	if !filenamePattern.MatchString(filename) {
		return "", ErrInvalidFilename
	}
	return filepath.Join(w.dir, filename), nil
}

func decodeAudio(audio string) ([]byte, string, error) {
	audio = strings.TrimSpace(audio)
	ext := ".mp3"
	if rest, ok := strings.CutPrefix(audio, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", ErrInvalidAudio
		}
		mime, _, _ := strings.Cut(header, ";")
		if e, known := mimeExtensions[strings.ToLower(mime)]; known {
			ext = e
		}
		audio = payload
	}
	if audio == "" {
		return nil, "", ErrInvalidAudio
	}
	data, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	return data, ext, nil
}

// whisperLanguage reduces a locale such as "pt_br" to the ISO-639-1 code.
func whisperLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "_-"); i > 0 {
		lang = lang[:i]
	}
	if len(lang) != 2 {
		return ""
	}
	return lang
}
