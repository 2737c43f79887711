package service

import (
	"testing"
	"time"

	"github.com/bigkaa/audioscribe/internal/domain/model"
)

func TestUserCache_GetSetDelete(t *testing.T) {
	cache := NewUserCache(10, time.Minute)

	if _, ok := cache.Get("u1"); ok {
		t.Fatal("ожидался cache miss для нового ключа")
	}

	cache.Set(&model.User{ID: "u1", Username: "alice", TokenEpoch: 2}, cache.Generation())
	got, ok := cache.Get("u1")
	if !ok || got.Username != "alice" || got.TokenEpoch != 2 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	// Изменение возвращённой копии не влияет на кэш
	got.TokenEpoch = 99
	again, _ := cache.Get("u1")
	if again.TokenEpoch != 2 {
		t.Errorf("TokenEpoch = %d, кэш изменён через копию", again.TokenEpoch)
	}

	cache.Delete("u1")
	if _, ok := cache.Get("u1"); ok {
		t.Error("ожидался cache miss после Delete")
	}
}

func TestUserCache_TTL(t *testing.T) {
	cache := NewUserCache(10, 20*time.Millisecond)
	cache.Set(&model.User{ID: "u1"}, cache.Generation())

	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.Get("u1"); ok {
		t.Error("запись должна истечь по TTL")
	}
}

func TestUserCache_Disabled(t *testing.T) {
	cache := NewUserCache(0, time.Minute)
	cache.Set(&model.User{ID: "u1"}, cache.Generation())
	if _, ok := cache.Get("u1"); ok {
		t.Error("отключённый кэш не должен хранить записи")
	}
	cache.Delete("u1")
}

func TestUserCache_SetAfterDelete(t *testing.T) {
	cache := NewUserCache(10, time.Minute)

	// Пользователь прочитан до смены epoch, запись инвалидирована до Set
	gen := cache.Generation()
	stale := &model.User{ID: "u1", TokenEpoch: 1}
	cache.Delete("u1")

	if cache.Set(stale, gen) {
		t.Fatal("Set после Delete должен отбросить устаревшего пользователя")
	}
	if _, ok := cache.Get("u1"); ok {
		t.Fatal("устаревший пользователь не должен попасть в кэш")
	}

	if !cache.Set(&model.User{ID: "u1", TokenEpoch: 2}, cache.Generation()) {
		t.Fatal("Set с актуальным поколением должен сохранить запись")
	}
	if got, ok := cache.Get("u1"); !ok || got.TokenEpoch != 2 {
		t.Errorf("Get = %+v, %v", got, ok)
	}
}
