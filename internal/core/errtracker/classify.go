package errtracker

import "strings"

// ClassifyError maps a provider-call error to an ErrorType and fatality,
// using the same string-pattern matching the teacher's
// internal/resilience.isRetryableError applies to decide retry
// eligibility — here repurposed to decide disable eligibility instead.
func ClassifyError(err error) (ErrorType, bool) {
	if err == nil {
		return "", false
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "invalid api key") || strings.Contains(s, "unauthorized") || strings.Contains(s, "401"):
		return ErrorInvalidAPIKey, true
	case strings.Contains(s, "insufficient quota") || strings.Contains(s, "quota"):
		return ErrorInsufficientQuota, true
	case strings.Contains(s, "model not found") || strings.Contains(s, "404"):
		return ErrorModelNotFound, false
	case strings.Contains(s, "permission denied") || strings.Contains(s, "403"):
		return ErrorPermissionDenied, true
	case strings.Contains(s, "account suspended") || strings.Contains(s, "suspended"):
		return ErrorAccountSuspended, true
	case strings.Contains(s, "payment required") || strings.Contains(s, "402"):
		return ErrorPaymentRequired, true
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429"):
		return ErrorRateLimit, false
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return ErrorTimeout, false
	case strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "network"):
		return ErrorNetworkError, false
	default:
		return ErrorInternalError, false
	}
}
