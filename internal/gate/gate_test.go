package gate_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/companion-chat/internal/gate"
)

func TestContainsSensitiveContent(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		denylist []string
		want     bool
	}{
		{name: "empty denylist", text: "anything", denylist: nil, want: false},
		{name: "substring match", text: "this is forbidden stuff", denylist: []string{"forbidden"}, want: true},
		{name: "case sensitive", text: "FORBIDDEN", denylist: []string{"forbidden"}, want: false},
		{name: "no match", text: "hello", denylist: []string{"bye", "later"}, want: false},
		{name: "empty term ignored", text: "hello", denylist: []string{""}, want: false},
		{name: "multibyte term", text: "请不要说敏感词", denylist: []string{"敏感"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.ContainsSensitiveContent(tt.text, tt.denylist); got != tt.want {
				t.Errorf("ContainsSensitiveContent(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDenylistLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.json")
	if err := os.WriteFile(path, []byte(`["alpha","beta"]`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	d := gate.NewDenylist([]string{"gamma"}, discardLogger())
	if err := d.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !d.Contains("say beta") {
		t.Error("expected loaded term to match")
	}
	if d.Contains("say gamma") {
		t.Error("expected previous terms to be replaced")
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := d.LoadFile(path); err == nil {
		t.Error("expected decode error")
	}
	if !d.Contains("alpha") {
		t.Error("expected terms to survive a failed load")
	}
}

func TestDenylistWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.json")
	if err := os.WriteFile(path, []byte(`["alpha"]`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	d := gate.NewDenylist(nil, discardLogger())
	if err := d.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Watch(ctx, path); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`["omega"]`), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !d.Contains("omega") {
		if time.Now().After(deadline) {
			t.Fatal("denylist was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
