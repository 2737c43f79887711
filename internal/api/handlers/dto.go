// dto.go — JSON-представления ответов API (camelCase).
package handlers

import (
	"time"

	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/service"
)

// userResponse — публичные данные пользователя. Хэш пароля не отдаётся.
type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FullName    string     `json:"fullName"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func mapUser(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FullName:    u.FullName,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// tokenResponse — пара токенов.
type tokenResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int       `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

func mapTokens(p *auth.TokenPair) tokenResponse {
	expiresIn := int(time.Until(p.AccessExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        expiresIn,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

// loginResponse — результат входа.
type loginResponse struct {
	User userResponse `json:"user"`
	tokenResponse
}

// transcriptionResponse — запись распознавания.
// Ссылка на хранилище наружу не отдаётся, только признак наличия аудио.
type transcriptionResponse struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Username         string         `json:"username"`
	Email            string         `json:"email"`
	Title            string         `json:"title"`
	OriginalFilename string         `json:"originalFilename"`
	MimeType         string         `json:"mimeType"`
	FileSize         int64          `json:"fileSize"`
	Duration         float64        `json:"duration"`
	Transcription    string         `json:"transcription"`
	Confidence       float64        `json:"confidence"`
	Status           string         `json:"status"`
	Source           string         `json:"source"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
	FailureReason    *string        `json:"failureReason,omitempty"`
	HasAudio         bool           `json:"hasAudio"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func mapTranscription(t *model.Transcription) transcriptionResponse {
	return transcriptionResponse{
		ID:               t.ID,
		UserID:           t.UserID,
		Username:         t.Username,
		Email:            t.Email,
		Title:            t.Title,
		OriginalFilename: t.OriginalFilename,
		MimeType:         t.MimeType,
		FileSize:         t.FileSize,
		Duration:         t.Duration,
		Transcription:    t.Transcription,
		Confidence:       t.Confidence,
		Status:           string(t.Status),
		Source:           string(t.Source),
		ProviderMetadata: t.ProviderMetadata,
		FailureReason:    t.FailureReason,
		HasAudio:         t.StorageRef != nil,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// transcriptionListResponse — страница записей.
type transcriptionListResponse struct {
	Items   []transcriptionResponse `json:"items"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
	HasMore bool                    `json:"hasMore"`
}

// statsResponse — количество записей по статусам.
type statsResponse struct {
	Total         int     `json:"total"`
	Processing    int     `json:"processing"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	TotalDuration float64 `json:"totalDuration"`
	TotalBytes    int64   `json:"totalBytes"`
}

func mapStats(s *model.TranscriptionStats) statsResponse {
	return statsResponse{
		Total:         s.Total,
		Processing:    s.Processing,
		Completed:     s.Completed,
		Failed:        s.Failed,
		TotalDuration: s.TotalDuration,
		TotalBytes:    s.TotalBytes,
	}
}

// accountDeletionResponse — итог удаления аккаунта.
type accountDeletionResponse struct {
	TranscriptionsDeleted int `json:"transcriptionsDeleted"`
	FilesDeleted          int `json:"filesDeleted"`
	FilesFailed           int `json:"filesFailed"`
}

func mapDeletion(r *service.DeletionReport) accountDeletionResponse {
	return accountDeletionResponse{
		TranscriptionsDeleted: r.TranscriptionsDeleted,
		FilesDeleted:          r.FilesDeleted,
		FilesFailed:           r.FilesFailed,
	}
}

// transcriptionDeletionResponse — итог удаления записи.
type transcriptionDeletionResponse struct {
	ID          string `json:"id"`
	FileDeleted bool   `json:"fileDeleted"`
}
