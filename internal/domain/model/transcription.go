package model

import "time"

// TranscriptionStatus — состояние жизненного цикла записи распознавания.
type TranscriptionStatus string

const (
	// StatusProcessing — начальное состояние, ожидается ответ провайдера
	StatusProcessing TranscriptionStatus = "processing"
	// StatusCompleted — распознавание успешно завершено (терминальное)
	StatusCompleted TranscriptionStatus = "completed"
	// StatusFailed — распознавание завершилось ошибкой (терминальное)
	StatusFailed TranscriptionStatus = "failed"
)

// Valid проверяет, что статус входит в допустимое множество.
func (s TranscriptionStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Source — происхождение аудио: загруженный файл или запись из браузера.
type Source string

const (
	SourceUpload    Source = "upload"
	SourceRecording Source = "recording"
)

// ParseSource разбирает значение source из запроса.
// Пустая строка означает upload.
func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case "", SourceUpload:
		return SourceUpload, true
	case SourceRecording:
		return SourceRecording, true
	}
	return "", false
}

// Transcription — запись распознавания аудио.
// Хранится в таблице transcriptions.
type Transcription struct {
	// ID — UUID записи
	ID string
	// UserID — владелец записи, не меняется
	UserID string
	// Username, Email — копия данных владельца на момент создания
	Username string
	Email    string
	// Title — название, задаётся пользователем
	Title string
	// OriginalFilename — исходное имя загруженного файла
	OriginalFilename string
	// StorageRef — ссылка на байты в хранилище; nil после удаления файла
	StorageRef *string
	// MimeType — MIME-тип аудио
	MimeType string
	// FileSize — размер файла в байтах
	FileSize int64
	// Duration — длительность в секундах (оценка до ответа провайдера)
	Duration float64
	// Transcription — распознанный текст, пуст вне статуса completed
	Transcription string
	// Confidence — уверенность провайдера в диапазоне [0,1]
	Confidence float64
	Status     TranscriptionStatus
	Source     Source
	// ProviderMetadata — произвольные поля ответа провайдера
	ProviderMetadata map[string]any
	// FailureReason — причина перехода в failed
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TranscriptionStats — количество записей пользователя по статусам.
type TranscriptionStats struct {
	Total         int
	Processing    int
	Completed     int
	Failed        int
	TotalDuration float64
	TotalBytes    int64
}
