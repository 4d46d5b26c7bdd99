package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("default")
	want := filepath.Join(home, ".chatsync", "profiles", "default")
	if got != want {
		t.Errorf("Dir(default) = %q, want %q", got, want)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("work")
	if !strings.HasSuffix(got, filepath.Join("profiles", "work", "cache.db")) {
		t.Errorf("CacheDBPath(work) = %q, want suffix profiles/work/cache.db", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("work")
	if !strings.HasSuffix(got, filepath.Join("work", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(work) = %q, want suffix work/logs/chatsyncd.log", got)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvVar, "")
	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultProfileName)
	}
	if got := Resolve("explicit"); got != "explicit" {
		t.Errorf("Resolve(explicit) = %q", got)
	}
	t.Setenv(EnvVar, "from-env")
	if got := Resolve(""); got != "from-env" {
		t.Errorf("Resolve() with env = %q, want from-env", got)
	}
	if got := Resolve("flag-wins"); got != "flag-wins" {
		t.Errorf("Resolve(flag-wins) with env = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid single char", "a", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"slash", "my/profile", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
