package storage

import (
	"strings"
	"testing"
)

func TestObjectName(t *testing.T) {
	name := ObjectName("../../etc/Мой отчёт.WAV", "user-1")
	if !ValidRef(name) {
		t.Fatalf("ObjectName() = %q — недопустимая ссылка", name)
	}
	if !strings.HasPrefix(name, "file_user-1_") {
		t.Errorf("ObjectName() = %q, ожидался префикс file_user-1_", name)
	}
	if !strings.HasSuffix(name, ".wav") {
		t.Errorf("ObjectName() = %q, ожидалось расширение .wav", name)
	}

	if a, b := ObjectName("clip.mp3", "u"), ObjectName("clip.mp3", "u"); a == b {
		t.Errorf("два вызова вернули одинаковое имя %q", a)
	}
}

func TestValidRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"clip_u_20260101000000_abcd1234.wav", true},
		{"", false},
		{"..", false},
		{"../secret", false},
		{"dir/file.wav", false},
		{`dir\file.wav`, false},
		{"a..b", false},
	}
	for _, tt := range tests {
		if got := ValidRef(tt.ref); got != tt.want {
			t.Errorf("ValidRef(%q) = %v, ожидается %v", tt.ref, got, tt.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("!!!"); got != "file" {
		t.Errorf("Sanitize(!!!) = %q, ожидается file", got)
	}
	if got := Sanitize("My Clip-2_final"); got != "MyClip-2_final" {
		t.Errorf("Sanitize() = %q", got)
	}
}
