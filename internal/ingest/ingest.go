// Пакет ingest — проверка загружаемых аудиофайлов: наличие, размер,
// расширение и MIME-тип по allow-list, а также оценка длительности.
//
// Проверка подтверждает только правдоподобность заявленного типа,
// а не корректность аудиопотока.
package ingest

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxSize — лимит размера файла по умолчанию (50 MiB).
const DefaultMaxSize int64 = 50 * 1024 * 1024

// MaxFilenameLen — максимальная длина имени файла в символах (колонка original_filename).
const MaxFilenameLen = 500

// SniffLen — сколько первых байт файла нужно для определения типа по содержимому.
const SniffLen = 3072

// extensionMIME — допустимые расширения и их канонический MIME-тип.
var extensionMIME = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"webm": "audio/webm",
	"mp4":  "audio/mp4",
	"m4a":  "audio/mp4",
	"aac":  "audio/aac",
	"ogg":  "audio/ogg",
	"opus": "audio/opus",
	"flac": "audio/flac",
}

// allowedMIME — допустимые MIME-типы и соответствующее расширение.
// video/mp4 и video/webm часто содержат только звуковую дорожку.
var allowedMIME = map[string]string{
	"audio/mpeg":      "mp3",
	"audio/mp3":       "mp3",
	"audio/wav":       "wav",
	"audio/x-wav":     "wav",
	"audio/wave":      "wav",
	"audio/vnd.wave":  "wav",
	"audio/webm":      "webm",
	"audio/mp4":       "m4a",
	"audio/x-m4a":     "m4a",
	"audio/m4a":       "m4a",
	"audio/aac":       "aac",
	"audio/x-aac":     "aac",
	"audio/ogg":       "ogg",
	"application/ogg": "ogg",
	"audio/opus":      "opus",
	"audio/flac":      "flac",
	"audio/x-flac":    "flac",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
}

// bytesPerSecond — номинальный битрейт форматов для оценки длительности.
var bytesPerSecond = map[string]float64{
	"mp3":  16000,  // 128 kbit/s
	"wav":  176400, // PCM 16 бит, 44.1 кГц, стерео
	"flac": 87500,  // ~700 kbit/s
	"aac":  16000,
	"m4a":  16000,
	"mp4":  16000,
	"ogg":  14000, // Vorbis ~112 kbit/s
	"opus": 6000,  // ~48 kbit/s
	"webm": 6000,  // Opus в WebM из браузера
}

// FileInfo — сведения о загруженном файле.
type FileInfo struct {
	// Filename — имя файла из multipart-заголовка
	Filename string
	// MimeType — заявленный клиентом Content-Type части
	MimeType string
	// Size — размер в байтах
	Size int64
	// Head — первые байты содержимого (до SniffLen) для определения типа
	Head []byte
}

// Accepted — результат успешной проверки.
type Accepted struct {
	// MimeType — итоговый MIME-тип без параметров
	MimeType string
	// Extension — расширение без точки
	Extension string
	// Filename — имя файла с гарантированным допустимым расширением
	Filename string
}

// FieldError — ошибка проверки конкретного поля.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError — файл отклонён. Содержит ошибки по полям.
type ValidationError struct {
	Fields []FieldError
	// TooLarge — превышен лимит размера
	TooLarge bool
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "файл не прошёл проверку"
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "файл не прошёл проверку: " + strings.Join(msgs, "; ")
}

// Validator проверяет загружаемые аудиофайлы.
type Validator struct {
	maxSize int64
}

// New создаёт Validator с указанным лимитом размера.
// maxSize <= 0 означает DefaultMaxSize.
func New(maxSize int64) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Validator{maxSize: maxSize}
}

// MaxSize возвращает лимит размера файла.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate проверяет файл до сохранения и определяет итоговый MIME-тип.
// Пустой или обобщённый MIME (application/octet-stream) определяется
// по содержимому, затем по расширению.
func (v *Validator) Validate(info FileInfo) (*Accepted, error) {
	if info.Size <= 0 {
		return nil, &ValidationError{Fields: []FieldError{{Field: "audio", Message: "аудиофайл не передан или пуст"}}}
	}
	if info.Size > v.maxSize {
		return nil, &ValidationError{
			TooLarge: true,
			Fields: []FieldError{{
				Field:   "audio",
				Message: fmt.Sprintf("размер файла %d байт превышает лимит %d байт", info.Size, v.maxSize),
			}},
		}
	}

	ext := extension(info.Filename)
	if ext != "" {
		if _, ok := extensionMIME[ext]; !ok {
			return nil, &ValidationError{Fields: []FieldError{{
				Field:   "audio",
				Message: fmt.Sprintf("расширение .%s не поддерживается, допустимые: %s", ext, allowedExtensionsList()),
			}}}
		}
	}

	mime := resolveMIME(normalizeMIME(info.MimeType), info.Head, ext)
	mimeExt, ok := allowedMIME[mime]
	if !ok {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:   "audio",
			Message: fmt.Sprintf("тип %q не является поддерживаемым аудиоформатом", mime),
		}}}
	}

	filename := strings.TrimSpace(filepath.Base(info.Filename))
	if ext == "" {
		// Запись из браузера часто приходит как "blob" без расширения
		ext = mimeExt
		if filename == "" || filename == "." || filename == "/" {
			filename = "audio"
		}
		filename += "." + ext
	}
	if n := utf8.RuneCountInString(filename); n > MaxFilenameLen {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:   "audio",
			Message: fmt.Sprintf("имя файла длиннее %d символов", MaxFilenameLen),
		}}}
	}

	return &Accepted{MimeType: mime, Extension: ext, Filename: filename}, nil
}

// resolveMIME определяет MIME-тип: заявленный, затем по содержимому, затем по расширению.
func resolveMIME(declared string, head []byte, ext string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(head) > 0 {
		detected := normalizeMIME(mimetype.Detect(head).String())
		if _, ok := allowedMIME[detected]; ok {
			return detected
		}
	}
	if m, ok := extensionMIME[ext]; ok {
		return m
	}
	if declared == "" {
		return "application/octet-stream"
	}
	return declared
}

// normalizeMIME приводит MIME к нижнему регистру и отбрасывает параметры (codecs=...).
func normalizeMIME(m string) string {
	m, _, _ = strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(m))
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func allowedExtensionsList() string {
	return "mp3, wav, webm, mp4, m4a, aac, ogg, opus, flac"
}

// EstimateDuration оценивает длительность в секундах по размеру и формату.
// Это приближение: значение перезаписывается длительностью от провайдера.
func EstimateDuration(size int64, mime string) float64 {
	if size <= 0 {
		return 0
	}
	ext, ok := allowedMIME[normalizeMIME(mime)]
	if !ok {
		return 0
	}
	bps := bytesPerSecond[ext]
	if bps == 0 {
		return 0
	}
	return math.Round(float64(size)/bps*100) / 100
}
