package backend

import (
	"errors"
	"strings"
	"testing"
)

func TestHealthAllPassing(t *testing.T) {
	h := NewHealth()
	h.Set("asr", nil)
	h.Set("tts", nil)
	if err := h.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	snap := h.Snapshot()
	if snap["asr"] != "ok" || snap["tts"] != "ok" {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestHealthFailingCheck(t *testing.T) {
	h := NewHealth()
	h.Set("tts", errors.New("worker dead"))
	h.Set("asr", nil)
	err := h.Err()
	if err == nil || !strings.Contains(err.Error(), "tts: worker dead") {
		t.Fatalf("Err() = %v, want tts failure", err)
	}

	h.Set("tts", nil)
	if err := h.Err(); err != nil {
		t.Fatalf("Err() after recovery = %v, want nil", err)
	}
}
