package webhook

import (
	"context"
	"errors"
	"testing"
)

func TestMemTrackerDeduplicatesOnDeliveryKey(t *testing.T) {
	tr := NewMemTracker()
	ctx := context.Background()

	delivered, err := tr.IsDelivered(ctx, "dk-1")
	if err != nil || delivered {
		t.Fatalf("expected not-yet-delivered, got %v, err %v", delivered, err)
	}

	if err := tr.MarkDelivered(ctx, "dk-1", "https://hooks.example.test/a"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	delivered, err = tr.IsDelivered(ctx, "dk-1")
	if err != nil || !delivered {
		t.Fatalf("expected delivered after MarkDelivered, got %v, err %v", delivered, err)
	}
}

func TestMemTrackerAccumulatesPerURLStats(t *testing.T) {
	tr := NewMemTracker()
	ctx := context.Background()
	url := "https://hooks.example.test/a"

	tr.MarkDelivered(ctx, "dk-1", url)
	tr.MarkDelivered(ctx, "dk-2", url)
	tr.RecordFailure(ctx, url, errors.New("boom"))

	stats, err := tr.Stats(ctx, url)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d", stats.Delivered)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", stats.Failed)
	}
	if stats.LastError != "boom" {
		t.Fatalf("expected last error recorded, got %q", stats.LastError)
	}
}
