package util

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeFileName(t *testing.T) {
	got, err := SanitizeFileName(" talks/pitch take 2.m4a ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "talks_pitch take 2.m4a" {
		t.Fatalf("unexpected name %q", got)
	}
	if _, err := SanitizeFileName("../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := SanitizeFileName("   "); err == nil {
		t.Fatalf("expected blank name to be rejected")
	}
	if got, _ := SanitizeFileName("take\x00\x07.wav"); got != "take.wav" {
		t.Fatalf("expected control characters stripped, got %q", got)
	}
}

func TestSanitizeFileNameCapsLengthKeepingExtension(t *testing.T) {
	got, err := SanitizeFileName(strings.Repeat("a", 300) + ".webm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != maxFileNameBytes || !strings.HasSuffix(got, ".webm") {
		t.Fatalf("unexpected capped name (%d bytes) %q", len(got), got)
	}
}

func TestOneLine(t *testing.T) {
	if got := OneLine(" first\nsecond\r\n", 100); got != "first second" {
		t.Fatalf("unexpected %q", got)
	}
	got := OneLine(strings.Repeat("é", 10), 5)
	if !utf8.ValidString(got) || len(got) > 5 {
		t.Fatalf("expected valid truncated utf8, got %q", got)
	}
}
