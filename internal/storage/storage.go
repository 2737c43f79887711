// Пакет storage — общие типы хранилищ аудиофайлов.
// Реализации: filestore (локальный диск) и objectstore (MinIO/S3).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound — объект отсутствует в хранилище.
var ErrNotFound = errors.New("объект не найден в хранилище")

// ErrInvalidRef — ссылка не относится к хранилищу (например, содержит "..").
var ErrInvalidRef = errors.New("некорректная ссылка на объект")

// ObjectInfo — сведения о сохраняемом аудио.
type ObjectInfo struct {
	// Filename — исходное имя файла (используется для имени в хранилище)
	Filename string
	// Owner — идентификатор владельца
	Owner string
	// ContentType — MIME-тип
	ContentType string
	// Size — ожидаемый размер; -1 если неизвестен
	Size int64
}

// SaveResult — результат сохранения аудио.
type SaveResult struct {
	// Ref — ссылка на объект, по которой его можно открыть и удалить
	Ref string
	// Size — фактически записанный размер в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
}

// AudioStore — хранилище байтов аудиофайлов.
type AudioStore interface {
	// Save потоково сохраняет данные и возвращает ссылку на объект.
	Save(ctx context.Context, r io.Reader, info ObjectInfo) (*SaveResult, error)
	// Open открывает объект для чтения. ErrNotFound, если объекта нет.
	Open(ctx context.Context, ref string) (io.ReadSeekCloser, error)
	// Delete удаляет объект. Отсутствие объекта не считается ошибкой.
	Delete(ctx context.Context, ref string) error
	// LocalPath возвращает путь на локальном диске, если хранилище его предоставляет.
	LocalPath(ref string) (string, bool)
	// CheckReady проверяет доступность хранилища для readiness probe.
	CheckReady() (status string, message string)
}

// ObjectName генерирует имя объекта в хранилище.
// Формат: {name}_{owner}_{timestamp}_{uuid}.{ext}
// Пример: meeting_3f1c2a9b_20260221150405_a1b2c3d4.wav
func ObjectName(originalFilename, owner string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	name := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))

	name = Sanitize(name)
	user := Sanitize(owner)

	if len(name) > 50 {
		name = name[:50]
	}
	if len(user) > 20 {
		user = user[:20]
	}
	ext = Sanitize(strings.TrimPrefix(ext, "."))

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	return fmt.Sprintf("%s_%s_%s_%s.%s", name, user, ts, uid, ext)
}

// Sanitize убирает небезопасные символы из строки для использования в имени объекта.
// Оставляет только латиницу, цифры, дефис и подчёркивание.
func Sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

// ValidRef проверяет, что ссылка — простое имя объекта без путей.
func ValidRef(ref string) bool {
	if ref == "" || ref == "." || ref == ".." {
		return false
	}
	return !strings.ContainsAny(ref, `/\`) && !strings.Contains(ref, "..")
}
