package video

import (
	"context"
	"time"

	"modelgate/internal/core/bus"
)

// pseudoProgressCheckpoints are the fallback percentages published when a
// provider's capability does not support a progress callback (spec §4.H).
var pseudoProgressCheckpoints = []int{10, 30, 50, 70, 90}

// pseudoProgressScheduler publishes VideoProgressCheckRequested events at
// fixed checkpoints on a timer, standing in for a provider-native progress
// callback. The returned stop func must be called once the real work
// finishes (success or failure) to halt the ticker.
func (o *Orchestrator) pseudoProgressScheduler(ctx context.Context, requestID string, interval time.Duration, onTick ProgressFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for idx := 0; idx < len(pseudoProgressCheckpoints); {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				pct := pseudoProgressCheckpoints[idx]
				idx++
				if onTick != nil {
					onTick(pct, "processing", "")
				}
				bus.PublishBestEffort(ctx, o.publisher, o.logger, bus.TopicVideoProgressCheckRequest, requestID,
					bus.VideoProgressCheckRequested{RequestID: requestID, ProgressPercentage: pct})
			}
		}
	}()

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
	}
}
