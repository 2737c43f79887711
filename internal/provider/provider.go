// Пакет provider — клиенты сторонних сервисов распознавания речи.
//
// Каждый вызов выполняется ровно один раз, без повторов: вызывающий код
// считает любую ошибку окончательной для данной записи.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoTranscript — ответ провайдера не содержит пригодного текста.
var ErrNoTranscript = errors.New("провайдер не вернул распознанный текст")

// Result — результат распознавания. Одинаков для всех провайдеров
// и для обеих стратегий вызова (файл или буфер).
type Result struct {
	// Transcript — распознанный текст, не пустой
	Transcript string
	// Confidence — уверенность в диапазоне [0,1], 0 если провайдер не сообщил
	Confidence float64
	// DurationSeconds — длительность аудио, 0 если провайдер не сообщил
	DurationSeconds float64
	// Metadata — request id, модель, время обработки и т.п.
	Metadata map[string]any
}

// Provider — клиент сервиса распознавания речи.
type Provider interface {
	// Name возвращает имя провайдера (deepgram, openai).
	Name() string
	// TranscribeFile распознаёт аудио из файла на локальном диске.
	TranscribeFile(ctx context.Context, path, mimeType string) (*Result, error)
	// TranscribeBuffer распознаёт аудио из буфера в памяти.
	TranscribeBuffer(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

// ProviderError — ошибка обращения к провайдеру.
type ProviderError struct {
	// Provider — имя провайдера
	Provider string
	// StatusCode — HTTP-статус ответа (0, если ответа не было)
	StatusCode int
	// Message — сообщение провайдера или описание ошибки
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// finalize проверяет и нормализует результат: пустой текст — ошибка,
// уверенность приводится к [0,1], отсутствующие числа — к 0.
func finalize(provider string, r *Result) (*Result, error) {
	r.Transcript = strings.TrimSpace(r.Transcript)
	if r.Transcript == "" {
		return nil, &ProviderError{Provider: provider, Err: ErrNoTranscript}
	}
	r.Confidence = ClampConfidence(r.Confidence)
	if math.IsNaN(r.DurationSeconds) || math.IsInf(r.DurationSeconds, 0) || r.DurationSeconds < 0 {
		r.DurationSeconds = 0
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata["provider"] = provider
	return r, nil
}

// ClampConfidence приводит значение к диапазону [0,1]; NaN становится 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
