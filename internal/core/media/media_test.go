package media

import (
	"testing"
	"time"
)

func TestBuildKeyFormat(t *testing.T) {
	at := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	key := BuildKey(MediaVideo, "abc123", ".mp4", at)
	want := "video/2026/03/05/abc123.mp4"
	if key != want {
		t.Fatalf("got %q, want %q", key, want)
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	h1 := HashBytes([]byte("hello"))
	h2 := HashBytes([]byte("hello"))
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q vs %q", h1, h2)
	}
	if HashBytes([]byte("other")) == h1 {
		t.Fatalf("expected different content to hash differently")
	}
}

func TestClampRangeWithinBounds(t *testing.T) {
	start, end := ClampRange(ptr(int64(10)), ptr(int64(20)), 100)
	if start != 10 || end != 20 {
		t.Fatalf("expected 10-20, got %d-%d", start, end)
	}
}

func TestClampRangeBeyondTotalSize(t *testing.T) {
	start, end := ClampRange(ptr(int64(150)), ptr(int64(500)), 100)
	if start != 99 || end != 99 {
		t.Fatalf("expected clamp to last byte (99,99), got %d-%d", start, end)
	}
}

func TestClampRangeEndBeyondTotalSize(t *testing.T) {
	start, end := ClampRange(ptr(int64(0)), ptr(int64(500)), 100)
	if start != 0 || end != 99 {
		t.Fatalf("expected end clamped to 99, got %d-%d", start, end)
	}
}

func TestClampRangeNilBounds(t *testing.T) {
	start, end := ClampRange(nil, nil, 100)
	if start != 0 || end != 99 {
		t.Fatalf("expected full range 0-99, got %d-%d", start, end)
	}
}

func ptr[T any](v T) *T { return &v }
