package provider

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// NameOpenAI — имя провайдера OpenAI (Whisper).
const NameOpenAI = "openai"

// OpenAIConfig — параметры клиента OpenAI.
type OpenAIConfig struct {
	APIKey string
	// BaseURL — например, https://api.openai.com/v1
	BaseURL string
	// Model — модель распознавания (whisper-1)
	Model      string
	HTTPClient *http.Client
}

// OpenAI — клиент OpenAI audio transcriptions на базе go-openai.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI создаёт клиента OpenAI.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger.With(slog.String("component", "openai")),
	}
}

// Name возвращает имя провайдера.
func (o *OpenAI) Name() string { return NameOpenAI }

// TranscribeFile передаёт путь библиотеке, файл читается потоком.
func (o *OpenAI) TranscribeFile(ctx context.Context, path, _ string) (*Result, error) {
	return o.transcribe(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: path,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
}

// TranscribeBuffer передаёт данные из памяти. Имя файла нужно API
// для определения формата по расширению.
func (o *OpenAI) TranscribeBuffer(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	return o.transcribe(ctx, openai.AudioRequest{
		Model:    o.model,
		Reader:   bytes.NewReader(data),
		FilePath: "audio." + extensionForMIME(mimeType),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
}

func (o *OpenAI) transcribe(ctx context.Context, req openai.AudioRequest) (*Result, error) {
	started := time.Now()
	resp, err := o.client.CreateTranscription(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		return nil, openAIError(err)
	}

	requestID := resp.Header().Get("X-Request-Id")
	o.logger.Debug("Ответ OpenAI получен",
		slog.String("request_id", requestID),
		slog.Duration("elapsed", elapsed),
	)

	return finalize(NameOpenAI, &Result{
		Transcript:      resp.Text,
		Confidence:      segmentConfidence(resp),
		DurationSeconds: resp.Duration,
		Metadata: map[string]any{
			"request_id":         requestID,
			"model":              o.model,
			"language":           resp.Language,
			"segments":           len(resp.Segments),
			"processing_time_ms": elapsed.Milliseconds(),
		},
	})
}

// segmentConfidence — exp(среднего avg_logprob по сегментам).
// Whisper не возвращает confidence напрямую.
func segmentConfidence(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range resp.Segments {
		sum += s.AvgLogprob
	}
	return ClampConfidence(math.Exp(sum / float64(len(resp.Segments))))
}

// openAIError преобразует ошибки go-openai в ProviderError.
func openAIError(err error) error {
	pe := &ProviderError{Provider: NameOpenAI, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
		pe.Err = nil
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	return pe
}

// extensionForMIME подбирает расширение файла по MIME-типу.
func extensionForMIME(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return "m4a"
	case "video/mp4":
		return "mp4"
	case "audio/ogg", "application/ogg", "audio/opus":
		return "ogg"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/aac", "audio/x-aac":
		return "m4a"
	default:
		return "webm"
	}
}
