package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/provider"
	"github.com/bigkaa/audioscribe/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakeUserRepo ---

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
	now   func() time.Time
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User), now: time.Now}
}

func (r *fakeUserRepo) conflict(u *model.User) error {
	for _, other := range r.users {
		if other.ID == u.ID {
			continue
		}
		if other.Email == u.Email {
			return &wrapErr{msg: "конфликт: пользователь с таким email уже существует", err: repository.ErrConflict}
		}
		if other.Username == u.Username {
			return &wrapErr{msg: "конфликт: пользователь с таким именем уже существует", err: repository.ErrConflict}
		}
	}
	return nil
}

type wrapErr struct {
	msg string
	err error
}

func (e *wrapErr) Error() string { return e.msg }
func (e *wrapErr) Unwrap() error { return e.err }

func (r *fakeUserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	if err := r.conflict(u); err != nil {
		return err
	}
	u.CreatedAt = r.now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) FindByUsernameOrEmail(_ context.Context, username, email string) ([]*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.User
	for _, u := range r.users {
		if u.Username == username || u.Email == strings.ToLower(email) {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) RegisterLoginFailure(_ context.Context, id string, maxAttempts int, lockFor time.Duration) (*repository.LoginFailureState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := r.now().Add(lockFor)
		u.LockUntil = &until
		u.FailedLoginAttempts = 0
	}
	return &repository.LoginFailureState{Attempts: u.FailedLoginAttempts, LockUntil: u.LockUntil}, nil
}

func (r *fakeUserRepo) RegisterLoginSuccess(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := r.now()
	u.FailedLoginAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (r *fakeUserRepo) UpdateProfile(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.users[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	u.Email = strings.ToLower(u.Email)
	if err := r.conflict(u); err != nil {
		return err
	}
	cur.Username, cur.Email, cur.FullName = u.Username, u.Email, u.FullName
	return nil
}

func (r *fakeUserRepo) UpdatePassword(_ context.Context, id, hash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.PasswordHash = hash
	u.TokenEpoch++
	return u.TokenEpoch, nil
}

func (r *fakeUserRepo) IncrementTokenEpoch(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.TokenEpoch++
	return u.TokenEpoch, nil
}

func (r *fakeUserRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

// --- fakeTranscriptionRepo ---

type fakeTranscriptionRepo struct {
	mu      sync.Mutex
	records map[string]*model.Transcription
	users   *fakeUserRepo
	// createErr — ошибка, возвращаемая Create
	createErr error
}

func newFakeTranscriptionRepo(users *fakeUserRepo) *fakeTranscriptionRepo {
	return &fakeTranscriptionRepo{records: make(map[string]*model.Transcription), users: users}
}

func (r *fakeTranscriptionRepo) get(id string) (*model.Transcription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (r *fakeTranscriptionRepo) Create(_ context.Context, t *model.Transcription) error {
	if r.createErr != nil {
		return r.createErr
	}
	if r.users != nil {
		if _, err := r.users.GetByID(context.Background(), t.UserID); err != nil {
			return repository.ErrNotFound
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	r.records[t.ID] = &cp
	return nil
}

func (r *fakeTranscriptionRepo) GetByID(_ context.Context, userID, id string) (*model.Transcription, error) {
	t, ok := r.get(id)
	if !ok || t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (r *fakeTranscriptionRepo) filter(f repository.TranscriptionListFilters) []*model.Transcription {
	var out []*model.Transcription
	for _, t := range r.records {
		if t.UserID != f.UserID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Search != nil && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(*f.Search)) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *fakeTranscriptionRepo) List(_ context.Context, f repository.TranscriptionListFilters, limit, offset int) ([]*model.Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.filter(f)
	if offset >= len(all) {
		return []*model.Transcription{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (r *fakeTranscriptionRepo) Count(_ context.Context, f repository.TranscriptionListFilters) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filter(f)), nil
}

func (r *fakeTranscriptionRepo) UpdateDetails(_ context.Context, userID, id string, upd repository.DetailsUpdate) (*model.Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[id]
	if !ok || t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	if upd.Transcription != nil && t.Status != model.StatusCompleted {
		return nil, repository.ErrNotFound
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Transcription != nil {
		t.Transcription = *upd.Transcription
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTranscriptionRepo) Complete(_ context.Context, id string, res repository.CompletionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[id]
	if !ok || t.Status != model.StatusProcessing {
		return repository.ErrNotFound
	}
	t.Status = model.StatusCompleted
	t.Transcription = res.Transcription
	t.Confidence = res.Confidence
	t.Duration = res.Duration
	t.ProviderMetadata = res.Metadata
	return nil
}

func (r *fakeTranscriptionRepo) Fail(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[id]
	if !ok || t.Status != model.StatusProcessing {
		return repository.ErrNotFound
	}
	t.Status = model.StatusFailed
	t.Transcription = ""
	t.Confidence = 0
	t.StorageRef = nil
	t.FailureReason = &reason
	return nil
}

func (r *fakeTranscriptionRepo) Delete(_ context.Context, userID, id string) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[id]
	if !ok || t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	delete(r.records, id)
	return t.StorageRef, nil
}

func (r *fakeTranscriptionRepo) DeleteByOwner(_ context.Context, userID string) (*repository.OwnerPurge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purge := &repository.OwnerPurge{}
	for id, t := range r.records {
		if t.UserID != userID {
			continue
		}
		purge.Deleted++
		if t.StorageRef != nil {
			purge.StorageRefs = append(purge.StorageRefs, *t.StorageRef)
		}
		delete(r.records, id)
	}
	return purge, nil
}

func (r *fakeTranscriptionRepo) ListStaleProcessing(_ context.Context, before time.Time, limit int) ([]*model.Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Transcription
	for _, t := range r.records {
		if t.Status == model.StatusProcessing && t.CreatedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeTranscriptionRepo) StatsByOwner(_ context.Context, userID string) (*model.TranscriptionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &model.TranscriptionStats{}
	for _, t := range r.records {
		if t.UserID != userID {
			continue
		}
		st.Total++
		st.TotalBytes += t.FileSize
		st.TotalDuration += t.Duration
		switch t.Status {
		case model.StatusProcessing:
			st.Processing++
		case model.StatusCompleted:
			st.Completed++
		case model.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// fakePurger — транзакционное удаление поверх фейковых репозиториев.
type fakePurger struct {
	users   *fakeUserRepo
	records *fakeTranscriptionRepo
}

func (p *fakePurger) PurgeAccount(ctx context.Context, userID string) (*repository.OwnerPurge, error) {
	if _, err := p.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	purge, err := p.records.DeleteByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return purge, p.users.Delete(ctx, userID)
}

// --- fakeProvider ---

type fakeProvider struct {
	mu sync.Mutex
	// result/err — ответ провайдера
	result *provider.Result
	err    error
	// block — если не nil, вызов ждёт закрытия канала или отмены ctx
	block chan struct{}
	// fileCalls/bufferCalls — количество вызовов по стратегиям
	fileCalls   int
	bufferCalls int
	lastData    []byte
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) wait(ctx context.Context) error {
	if p.block == nil {
		return nil
	}
	select {
	case <-p.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) respond() (*provider.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	r := *p.result
	return &r, nil
}

func (p *fakeProvider) TranscribeFile(ctx context.Context, path, _ string) (*provider.Result, error) {
	p.mu.Lock()
	p.fileCalls++
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return p.respond()
}

func (p *fakeProvider) TranscribeBuffer(ctx context.Context, data []byte, _ string) (*provider.Result, error) {
	p.mu.Lock()
	p.bufferCalls++
	p.lastData = data
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.respond()
}

func (p *fakeProvider) calls() (file, buffer int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileCalls, p.bufferCalls
}

func newID() string {
	return uuid.New().String()
}

func filtersFor(userID string) repository.TranscriptionListFilters {
	return repository.TranscriptionListFilters{UserID: userID}
}
