package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// NameDeepgram — имя провайдера Deepgram.
const NameDeepgram = "deepgram"

// DeepgramConfig — параметры клиента Deepgram.
type DeepgramConfig struct {
	APIKey string
	// BaseURL — например, https://api.deepgram.com
	BaseURL string
	// Model — модель распознавания (nova-2 и т.п.)
	Model string
	// HTTPClient — опционально; по умолчанию http.Client без общего таймаута,
	// таймаут задаётся контекстом вызова.
	HTTPClient *http.Client
}

// Deepgram — клиент Deepgram pre-recorded API (POST /v1/listen).
type Deepgram struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDeepgram создаёт клиента Deepgram.
func NewDeepgram(cfg DeepgramConfig, logger *slog.Logger) *Deepgram {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Deepgram{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: hc,
		logger:     logger.With(slog.String("component", "deepgram")),
	}
}

// Name возвращает имя провайдера.
func (d *Deepgram) Name() string { return NameDeepgram }

// TranscribeFile отправляет файл потоком, не загружая его в память.
func (d *Deepgram) TranscribeFile(ctx context.Context, path, mimeType string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ProviderError{Provider: NameDeepgram, Message: "ошибка открытия аудиофайла", Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &ProviderError{Provider: NameDeepgram, Message: "ошибка чтения аудиофайла", Err: err}
	}
	return d.listen(ctx, f, st.Size(), mimeType)
}

// TranscribeBuffer отправляет аудио из памяти.
func (d *Deepgram) TranscribeBuffer(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	return d.listen(ctx, bytes.NewReader(data), int64(len(data)), mimeType)
}

// deepgramResponse — интересующая часть ответа /v1/listen.
type deepgramResponse struct {
	Metadata struct {
		RequestID string                    `json:"request_id"`
		Created   string                    `json:"created"`
		Duration  float64                   `json:"duration"`
		Channels  int                       `json:"channels"`
		Models    []string                  `json:"models"`
		ModelInfo map[string]map[string]any `json:"model_info"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string   `json:"transcript"`
				Confidence *float64 `json:"confidence"`
			} `json:"alternatives"`
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

// deepgramError — тело ответа Deepgram при ошибке.
type deepgramError struct {
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
	Reason  string `json:"reason"`
}

func (d *Deepgram) listen(ctx context.Context, body io.Reader, size int64, mimeType string) (*Result, error) {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	reqURL := d.baseURL + "/v1/listen?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, &ProviderError{Provider: NameDeepgram, Message: "создание запроса", Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: NameDeepgram, Message: "запрос к /v1/listen", Err: err}
	}
	defer resp.Body.Close()
	elapsed := time.Since(started)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(raw)
		var de deepgramError
		if json.Unmarshal(raw, &de) == nil {
			switch {
			case de.ErrMsg != "":
				msg = de.ErrCode + ": " + de.ErrMsg
			case de.Reason != "":
				msg = de.Reason
			}
		}
		return nil, &ProviderError{Provider: NameDeepgram, StatusCode: resp.StatusCode, Message: msg}
	}

	var dr deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, &ProviderError{Provider: NameDeepgram, StatusCode: resp.StatusCode, Message: "некорректный ответ", Err: err}
	}

	if len(dr.Results.Channels) == 0 || len(dr.Results.Channels[0].Alternatives) == 0 {
		return nil, &ProviderError{Provider: NameDeepgram, StatusCode: resp.StatusCode, Err: ErrNoTranscript}
	}
	alt := dr.Results.Channels[0].Alternatives[0]

	res := &Result{
		Transcript:      alt.Transcript,
		DurationSeconds: dr.Metadata.Duration,
		Metadata: map[string]any{
			"request_id":         dr.Metadata.RequestID,
			"model":              d.model,
			"models":             dr.Metadata.Models,
			"model_info":         dr.Metadata.ModelInfo,
			"channels":           dr.Metadata.Channels,
			"processing_time_ms": elapsed.Milliseconds(),
		},
	}
	if alt.Confidence != nil {
		res.Confidence = *alt.Confidence
	}
	if lang := dr.Results.Channels[0].DetectedLanguage; lang != "" {
		res.Metadata["language"] = lang
	}

	d.logger.Debug("Ответ Deepgram получен",
		slog.String("request_id", dr.Metadata.RequestID),
		slog.Duration("elapsed", elapsed),
	)

	out, err := finalize(NameDeepgram, res)
	if err != nil {
		return nil, fmt.Errorf("request_id %s: %w", dr.Metadata.RequestID, err)
	}
	return out, nil
}
