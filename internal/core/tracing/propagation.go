package tracing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewTraceID generates a 16-byte W3C-compatible trace id.
func NewTraceID() string { return randomHex(16) }

// NewSpanID generates an 8-byte W3C-compatible span id.
func NewSpanID() string { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is a fatal platform problem; callers cannot
		// meaningfully recover a correctness-sensitive id, so surface the
		// zero id rather than panic mid-request.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}

// Traceparent formats the W3C traceparent header value (spec §4.K/§6:
// "traceparent: 00-<traceId>-<spanId>-01").
func Traceparent(traceID, spanID string) string {
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}

// ParseTraceparent extracts traceID and spanID from a traceparent header
// value, validating the version/format W3C requires.
func ParseTraceparent(header string) (traceID, spanID string, err error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("tracing: malformed traceparent %q", header)
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if len(version) != 2 || len(traceID) != 32 || len(spanID) != 16 || len(flags) != 2 {
		return "", "", fmt.Errorf("tracing: malformed traceparent %q", header)
	}
	if _, err := hex.DecodeString(traceID); err != nil {
		return "", "", fmt.Errorf("tracing: invalid trace id in traceparent: %w", err)
	}
	if _, err := hex.DecodeString(spanID); err != nil {
		return "", "", fmt.Errorf("tracing: invalid span id in traceparent: %w", err)
	}
	return traceID, spanID, nil
}
