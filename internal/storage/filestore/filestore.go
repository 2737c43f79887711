// Пакет filestore — хранение аудиофайлов на локальном диске.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету,
// чтение и удаление.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bigkaa/audioscribe/internal/storage"
)

// FileStore — управление аудиофайлами на диске.
// Ссылка на объект — имя файла внутри dataDir.
type FileStore struct {
	dataDir string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь директории данных %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", abs, err)
	}
	return &FileStore{dataDir: abs}, nil
}

// Save записывает данные из reader на диск с подсчётом SHA-256 на лету.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) Save(ctx context.Context, reader io.Reader, info storage.ObjectInfo) (*storage.SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := storage.ObjectName(info.Filename, info.Owner)
	fullPath := filepath.Join(fs.dataDir, name)
	tmpPath := fullPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &storage.SaveResult{
		Ref:      name,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(_ context.Context, ref string) (io.ReadSeekCloser, error) {
	if !storage.ValidRef(ref) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidRef, ref)
	}

	f, err := os.Open(filepath.Join(fs.dataDir, ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", ref, err)
	}
	return f, nil
}

// Delete удаляет файл с диска. Возвращает nil, если файл уже не существует.
func (fs *FileStore) Delete(_ context.Context, ref string) error {
	if !storage.ValidRef(ref) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidRef, ref)
	}

	err := os.Remove(filepath.Join(fs.dataDir, ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", ref, err)
	}
	return nil
}

// LocalPath возвращает абсолютный путь к файлу на диске.
func (fs *FileStore) LocalPath(ref string) (string, bool) {
	if !storage.ValidRef(ref) {
		return "", false
	}
	return filepath.Join(fs.dataDir, ref), true
}

// Exists проверяет существование файла на диске.
func (fs *FileStore) Exists(ref string) bool {
	path, ok := fs.LocalPath(ref)
	if !ok {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// CheckReady проверяет, что директория данных доступна.
func (fs *FileStore) CheckReady() (status string, message string) {
	info, err := os.Stat(fs.dataDir)
	if err != nil {
		return "fail", fmt.Sprintf("директория данных недоступна: %v", err)
	}
	if !info.IsDir() {
		return "fail", fmt.Sprintf("%s не является директорией", fs.dataDir)
	}
	return "ok", "директория данных доступна"
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}
