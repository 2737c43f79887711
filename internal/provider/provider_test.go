package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/audioscribe/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const deepgramOK = `{
  "metadata": {
    "request_id": "req-123",
    "duration": 12.5,
    "channels": 1,
    "models": ["m-1"],
    "model_info": {"m-1": {"name": "general-nova-2", "version": "2024-01-01", "arch": "nova-2"}}
  },
  "results": {"channels": [{"alternatives": [{"transcript": "  hello world ", "confidence": 0.97}]}]}
}`

func TestDeepgram_TranscribeBuffer(t *testing.T) {
	var gotAuth, gotType, gotModel string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("путь = %s, ожидается /v1/listen", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, deepgramOK)
	}))
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{APIKey: "dg-key", BaseURL: srv.URL, Model: "nova-2"}, testLogger())
	res, err := dg.TranscribeBuffer(context.Background(), []byte("audio-bytes"), "audio/wav")
	if err != nil {
		t.Fatalf("TranscribeBuffer() ошибка: %v", err)
	}

	if gotAuth != "Token dg-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "audio/wav" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotModel != "nova-2" {
		t.Errorf("model = %q", gotModel)
	}
	if string(gotBody) != "audio-bytes" {
		t.Errorf("тело запроса = %q", gotBody)
	}
	if res.Transcript != "hello world" {
		t.Errorf("Transcript = %q", res.Transcript)
	}
	if res.Confidence != 0.97 || res.DurationSeconds != 12.5 {
		t.Errorf("Confidence/Duration = %v/%v", res.Confidence, res.DurationSeconds)
	}
	if res.Metadata["request_id"] != "req-123" || res.Metadata["provider"] != NameDeepgram {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestDeepgram_TranscribeFileMatchesBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "file-bytes" {
			t.Errorf("тело запроса = %q", body)
		}
		io.WriteString(w, deepgramOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("file-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	dg := NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: srv.URL, Model: "nova-2"}, testLogger())
	fromFile, err := dg.TranscribeFile(context.Background(), path, "audio/wav")
	if err != nil {
		t.Fatalf("TranscribeFile() ошибка: %v", err)
	}
	fromBuf, err := dg.TranscribeBuffer(context.Background(), []byte("file-bytes"), "audio/wav")
	if err != nil {
		t.Fatalf("TranscribeBuffer() ошибка: %v", err)
	}
	if fromFile.Transcript != fromBuf.Transcript || fromFile.Confidence != fromBuf.Confidence {
		t.Errorf("результаты стратегий различаются: %+v / %+v", fromFile, fromBuf)
	}
}

func TestDeepgram_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantNoTxt bool
		wantMsg   string
	}{
		{"ошибка API", http.StatusUnauthorized, `{"err_code":"INVALID_AUTH","err_msg":"Invalid credentials."}`, false, "INVALID_AUTH"},
		{"нет альтернатив", http.StatusOK, `{"results":{"channels":[{"alternatives":[]}]}}`, true, ""},
		{"нет каналов", http.StatusOK, `{"results":{"channels":[]}}`, true, ""},
		{"пустой текст", http.StatusOK, `{"results":{"channels":[{"alternatives":[{"transcript":"   "}]}]}}`, true, ""},
		{"некорректный JSON", http.StatusOK, `{not json`, false, "некорректный ответ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			dg := NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
			_, err := dg.TranscribeBuffer(context.Background(), []byte("x"), "audio/mpeg")

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, ожидается *ProviderError", err)
			}
			if errors.Is(err, ErrNoTranscript) != tt.wantNoTxt {
				t.Errorf("errors.Is(ErrNoTranscript) = %v, ожидается %v", !tt.wantNoTxt, tt.wantNoTxt)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, ожидается упоминание %q", err, tt.wantMsg)
			}
		})
	}
}

func TestDeepgram_MissingConfidenceIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"text"}]}]}}`)
	}))
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
	res, err := dg.TranscribeBuffer(context.Background(), []byte("x"), "audio/mpeg")
	if err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if res.Confidence != 0 || res.DurationSeconds != 0 {
		t.Errorf("Confidence/Duration = %v/%v, ожидаются нули", res.Confidence, res.DurationSeconds)
	}
}

func TestDeepgram_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	dg := NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: srv.URL}, testLogger())
	_, err := dg.TranscribeBuffer(ctx, []byte("x"), "audio/mpeg")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, ожидается context.DeadlineExceeded", err)
	}
}

func TestOpenAI_TranscribeBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		} else {
			if got := r.FormValue("response_format"); got != "verbose_json" {
				t.Errorf("response_format = %q", got)
			}
			if _, fh, err := r.FormFile("file"); err != nil || fh.Filename != "audio.wav" {
				t.Errorf("file: %v, %v", fh, err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "oa-req-1")
		io.WriteString(w, `{"task":"transcribe","language":"english","duration":3.5,
			"text":"hi there","segments":[{"avg_logprob":-0.1},{"avg_logprob":-0.3}]}`)
	}))
	defer srv.Close()

	oa := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, testLogger())
	res, err := oa.TranscribeBuffer(context.Background(), []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("TranscribeBuffer() ошибка: %v", err)
	}

	if res.Transcript != "hi there" || res.DurationSeconds != 3.5 {
		t.Errorf("результат = %+v", res)
	}
	want := math.Exp(-0.2)
	if math.Abs(res.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, ожидается %v", res.Confidence, want)
	}
	if res.Metadata["request_id"] != "oa-req-1" || res.Metadata["language"] != "english" {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestOpenAI_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	oa := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, testLogger())
	_, err := oa.TranscribeBuffer(context.Background(), []byte("x"), "audio/mpeg")

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, ожидается *ProviderError", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests || !strings.Contains(pe.Message, "Rate limit") {
		t.Errorf("ProviderError = %+v", pe)
	}
}

func TestClampConfidence(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0.5, 0.5}, {-0.1, 0}, {1.7, 1}, {math.NaN(), 0}, {1, 1},
	}
	for _, tt := range tests {
		if got := ClampConfidence(tt.in); got != tt.want {
			t.Errorf("ClampConfidence(%v) = %v, ожидается %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_SelectsProvider(t *testing.T) {
	p, err := New(&config.Config{Provider: config.ProviderOpenAI, OpenAIAPIKey: "k"}, testLogger())
	if err != nil || p.Name() != NameOpenAI {
		t.Errorf("New(openai) = %v, %v", p, err)
	}
	p, err = New(&config.Config{Provider: config.ProviderDeepgram, DeepgramAPIKey: "k"}, testLogger())
	if err != nil || p.Name() != NameDeepgram {
		t.Errorf("New(deepgram) = %v, %v", p, err)
	}
	if _, err := New(&config.Config{Provider: "google"}, testLogger()); err == nil {
		t.Error("New(google): ожидалась ошибка")
	}
}
