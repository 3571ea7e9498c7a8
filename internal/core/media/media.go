// Package media implements the S3-compatible Media Store: content-
// addressed blob storage with chunked multipart upload, presigned direct
// upload, and byte-range reads (spec §4.C).
package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"modelgate/internal/core/errkind"
)

// MediaType classifies a stored object (spec §3 StoredMedia).
type MediaType string

const (
	MediaImage MediaType = "Image"
	MediaVideo MediaType = "Video"
	MediaAudio MediaType = "Audio"
	MediaOther MediaType = "Other"
)

func (t MediaType) pathSegment() string {
	switch t {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "other"
	}
}

// Metadata describes an object being stored.
type Metadata struct {
	ContentType     string
	Extension       string // including leading dot, e.g. ".mp4"
	CustomMetadata  map[string]string
	ExpiresAt       *time.Time
	SizeHint        int64 // caller's best estimate, used for strategy selection
}

// StoredMedia is the persisted record (spec §3).
type StoredMedia struct {
	StorageKey     string
	ContentType    string
	SizeBytes      int64
	MediaType      MediaType
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	CustomMetadata map[string]string
	ContentHash    string
}

// RangeResult is returned by GetVideoStream (spec §4.C).
type RangeResult struct {
	Stream      io.ReadCloser
	RangeStart  int64
	RangeEnd    int64
	TotalSize   int64
	ContentType string
}

// MultipartSession describes an in-progress chunked upload (spec §4.C).
type MultipartSession struct {
	SessionID   string
	StorageKey  string
	ExpiresAt   time.Time
	MinPartSize int64
	MaxParts    int
}

// PartResult is returned by UploadPart.
type PartResult struct {
	PartNumber int
	ETag       string
	SizeBytes  int64
}

// PresignedUpload is returned by PresignUpload (spec §4.C).
type PresignedUpload struct {
	URL              string
	HTTPMethod       string
	RequiredHeaders  map[string]string
	ExpiresAt        time.Time
	StorageKey       string
	MaxFileSizeBytes int64
}

// Store is the Media Store contract (spec §4.C).
type Store interface {
	Store(ctx context.Context, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error)
	StoreVideo(ctx context.Context, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	GetInfo(ctx context.Context, key string) (*StoredMedia, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error)
	GetVideoStream(ctx context.Context, key string, rangeStart, rangeEnd *int64) (*RangeResult, error)

	InitiateMultipart(ctx context.Context, meta Metadata) (*MultipartSession, error)
	UploadPart(ctx context.Context, sessionID string, partNumber int, r io.Reader) (*PartResult, error)
	CompleteMultipart(ctx context.Context, sessionID string, parts []PartResult) (*StoredMedia, error)
	AbortMultipart(ctx context.Context, sessionID string) error

	PresignUpload(ctx context.Context, meta Metadata, expiration time.Duration) (*PresignedUpload, error)
}

// ProgressFunc reports bytes written so far out of total (total may be 0
// if unknown, e.g. a streaming upload).
type ProgressFunc func(written, total int64)

// ErrNotFound is StorageError/NotFound from spec §7.
var ErrNotFound = errkind.Wrap(errkind.Storage, "object not found", errkind.ErrNotFound)

// BuildKey computes the content-addressed storage key (spec §3/§6):
// `<type>/yyyy/MM/dd/<hash><ext>`.
func BuildKey(mediaType MediaType, hash string, ext string, at time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s",
		mediaType.pathSegment(), at.Year(), int(at.Month()), at.Day(), hash, ext)
}

// HashBytes computes the URL-safe, unpadded base64 SHA-256 content hash
// used in storage keys.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ClampRange applies spec §8's boundary rule: rangeEnd beyond the last
// byte clamps to totalSize-1; rangeStart beyond the last byte clamps to
// the last byte too.
func ClampRange(rangeStart, rangeEnd *int64, totalSize int64) (start, end int64) {
	lastByte := totalSize - 1
	if lastByte < 0 {
		lastByte = 0
	}
	if rangeStart == nil {
		start = 0
	} else {
		start = *rangeStart
		if start > lastByte {
			start = lastByte
		}
		if start < 0 {
			start = 0
		}
	}
	if rangeEnd == nil {
		end = lastByte
	} else {
		end = *rangeEnd
		if end > lastByte {
			end = lastByte
		}
	}
	if end < start {
		end = start
	}
	return start, end
}
