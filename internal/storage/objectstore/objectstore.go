// Пакет objectstore — хранение аудиофайлов в MinIO / S3-совместимом хранилище.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/audioscribe/internal/storage"
)

// Config — параметры подключения к MinIO.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore — AudioStore поверх бакета MinIO.
// Ссылка на объект — ключ в бакете.
type ObjectStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New создаёт клиента MinIO и при необходимости создаёт бакет.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MinIO: %w", err)
	}

	s := &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "objectstore")),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ошибка проверки бакета %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("ошибка создания бакета %s: %w", s.bucket, err)
	}
	s.logger.Info("Бакет создан", slog.String("bucket", s.bucket))
	return nil
}

// Save загружает объект в бакет, подсчитывая SHA-256 на лету.
func (s *ObjectStore) Save(ctx context.Context, reader io.Reader, info storage.ObjectInfo) (*storage.SaveResult, error) {
	key := storage.ObjectName(info.Filename, info.Owner)
	size := info.Size
	if size <= 0 {
		size = -1
	}

	hasher := sha256.New()
	up, err := s.client.PutObject(ctx, s.bucket, key, io.TeeReader(reader, hasher), size, minio.PutObjectOptions{
		ContentType: info.ContentType,
		UserMetadata: map[string]string{
			"owner":             info.Owner,
			"original-filename": storage.Sanitize(info.Filename),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки объекта %s: %w", key, err)
	}

	return &storage.SaveResult{
		Ref:      key,
		Size:     up.Size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает объект для чтения. Отсутствие объекта определяется через Stat,
// так как GetObject ленивый.
func (s *ObjectStore) Open(ctx context.Context, ref string) (io.ReadSeekCloser, error) {
	if !storage.ValidRef(ref) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidRef, ref)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", ref, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", ref, err)
	}
	return obj, nil
}

// Delete удаляет объект. S3 не возвращает ошибку для отсутствующего ключа.
func (s *ObjectStore) Delete(ctx context.Context, ref string) error {
	if !storage.ValidRef(ref) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidRef, ref)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("ошибка удаления объекта %s: %w", ref, err)
	}
	return nil
}

// LocalPath — у объектного хранилища нет локальных путей.
func (s *ObjectStore) LocalPath(string) (string, bool) {
	return "", false
}

// CheckReady проверяет доступность бакета.
func (s *ObjectStore) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "fail", fmt.Sprintf("MinIO недоступен: %v", err)
	}
	if !exists {
		return "fail", fmt.Sprintf("бакет %s не найден", s.bucket)
	}
	return "ok", "бакет доступен"
}

// EndpointURL возвращает URL MinIO (для мониторинга зависимостей).
func (s *ObjectStore) EndpointURL() string {
	return s.client.EndpointURL().String()
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
