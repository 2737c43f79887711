package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/service"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testUser — аутентифицированный пользователь запросов.
var testUser = &model.User{
	ID:        "6f1d7a52-3c0e-4b8a-9f21-0c5d3e7b9a10",
	Username:  "alice",
	Email:     "alice@example.com",
	IsActive:  true,
	CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
}

// testPair — пара токенов, которую возвращают моки.
var testPair = &auth.TokenPair{
	AccessToken:      "access",
	RefreshToken:     "refresh",
	AccessExpiresAt:  time.Now().Add(15 * time.Minute),
	RefreshExpiresAt: time.Now().Add(7 * 24 * time.Hour),
}

// mockAccounts — мок AccountManager. Ошибка err возвращается всеми методами.
type mockAccounts struct {
	err error

	registered *service.RegisterParams
	updated    *service.ProfileUpdate
	loginEmail string
	deleted    string
	loggedOut  string
}

func (m *mockAccounts) Register(_ context.Context, p service.RegisterParams) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.registered = &p
	return &model.User{ID: "new", Username: p.Username, Email: p.Email, IsActive: true}, nil
}

func (m *mockAccounts) Login(_ context.Context, email, _ string) (*service.LoginResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.loginEmail = email
	return &service.LoginResult{User: testUser, Tokens: testPair}, nil
}

func (m *mockAccounts) Refresh(context.Context, string) (*auth.TokenPair, error) {
	if m.err != nil {
		return nil, m.err
	}
	return testPair, nil
}

func (m *mockAccounts) LogoutAll(_ context.Context, userID string) error {
	if m.err != nil {
		return m.err
	}
	m.loggedOut = userID
	return nil
}

func (m *mockAccounts) ChangePassword(context.Context, string, string, string) (*auth.TokenPair, error) {
	if m.err != nil {
		return nil, m.err
	}
	return testPair, nil
}

func (m *mockAccounts) Profile(context.Context, string) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return testUser, nil
}

func (m *mockAccounts) UpdateProfile(_ context.Context, _ string, upd service.ProfileUpdate) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.updated = &upd
	u := *testUser
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	return &u, nil
}

func (m *mockAccounts) DeleteAccount(_ context.Context, userID, _ string) (*service.DeletionReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deleted = userID
	return &service.DeletionReport{TranscriptionsDeleted: 3, FilesDeleted: 3}, nil
}

// mockKeys — мок KeySet.
type mockKeys struct{}

func (mockKeys) JWKS(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"keys":[{"kty":"RSA","kid":"k1"}]}`), nil
}

// mockSubmitter — мок Submitter, сохраняет параметры и прочитанные байты.
type mockSubmitter struct {
	err    error
	params *service.SubmitParams
	data   []byte
}

func (m *mockSubmitter) Submit(_ context.Context, p service.SubmitParams) (*model.Transcription, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := io.ReadAll(p.Reader)
	if err != nil {
		return nil, err
	}
	m.params = &p
	m.data = data
	ref := "ref"
	return &model.Transcription{
		ID:               "3f1c2a9b-0d4e-4a5b-8c6d-7e8f9a0b1c2d",
		UserID:           p.Owner.ID,
		Title:            p.Title,
		OriginalFilename: p.Filename,
		MimeType:         p.MimeType,
		FileSize:         int64(len(data)),
		Status:           model.StatusProcessing,
		Source:           p.Source,
		StorageRef:       &ref,
	}, nil
}

// mockRecords — мок TranscriptionManager.
type mockRecords struct {
	err error

	items      []*model.Transcription
	total      int
	listParams *service.ListParams
	update     *repository.DetailsUpdate
	export     *service.Export
	audio      []byte
	lastID     string
}

func (m *mockRecords) Get(_ context.Context, _, id string) (*model.Transcription, error) {
	m.lastID = id
	if m.err != nil {
		return nil, m.err
	}
	return &model.Transcription{ID: id, UserID: testUser.ID, Status: model.StatusCompleted}, nil
}

func (m *mockRecords) List(_ context.Context, p service.ListParams) ([]*model.Transcription, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	m.listParams = &p
	return m.items, m.total, nil
}

func (m *mockRecords) Update(_ context.Context, _, id string, upd repository.DetailsUpdate) (*model.Transcription, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.update = &upd
	t := &model.Transcription{ID: id, Status: model.StatusCompleted}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	return t, nil
}

func (m *mockRecords) Delete(_ context.Context, _, id, _ string) (bool, error) {
	m.lastID = id
	if m.err != nil {
		return false, m.err
	}
	return true, nil
}

func (m *mockRecords) Stats(context.Context, string) (*model.TranscriptionStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &model.TranscriptionStats{Total: 3, Processing: 1, Completed: 1, Failed: 1}, nil
}

func (m *mockRecords) Export(context.Context, string, string, string) (*service.Export, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.export, nil
}

// nopSeekCloser добавляет Close к bytes.Reader.
type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

func (m *mockRecords) OpenAudio(context.Context, string, string) (*service.Audio, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &service.Audio{
		Reader:   nopSeekCloser{bytes.NewReader(m.audio)},
		MimeType: "audio/mpeg",
		Filename: "meeting.mp3",
		ModTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

// --- Помощники запросов ---

// authed помещает testUser в контекст запроса, как это делает JWT middleware.
func authed(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithUser(r.Context(), testUser))
}

// jsonRequest создаёт запрос с JSON-телом.
func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// serve выполняет запрос через chi-роутер с одним маршрутом (для URL-параметров).
func serve(method, pattern string, h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Method(method, pattern, h)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

// apiError — тело ответа ошибки.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("невалидный JSON ошибки: %v (тело %q)", err, rec.Body.String())
	}
	return e
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("невалидный JSON ответа: %v", err)
	}
}
