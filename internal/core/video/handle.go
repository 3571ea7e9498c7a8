package video

import "encoding/base64"

// EncodeHandle wraps a task id as the opaque handle returned by
// GenerateWithTask (spec §4.H: "returns an opaque handle encoding the task
// id"). The encoding is deliberately reversible but not meant to be parsed
// by callers — DecodeHandle is the only supported way back to a task id.
func EncodeHandle(taskID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// DecodeHandle recovers the task id from a handle produced by EncodeHandle.
func DecodeHandle(handle string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
