package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"modelgate/internal/core/errkind"
)

// Strategy is one pluggable upload path (spec §4.C: "strategies are
// pluggable with a priority score; highest-priority applicable strategy
// wins"), grounded on the teacher's internal/provider/provider.go registry
// pattern generalized from "provider selected by capability" to "upload
// path selected by object size".
type Strategy interface {
	Name() string
	Priority() int
	Applies(meta Metadata) bool
	Store(ctx context.Context, mediaType MediaType, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error)
}

func defaultStrategies(s *S3Store) []Strategy {
	return []Strategy{
		&presignedStrategy{s: s},
		&multipartStrategy{s: s},
		&directStrategy{s: s},
	}
}

// selectStrategy picks the highest-priority applicable strategy; direct
// upload always applies as the fallback.
func selectStrategy(strategies []Strategy, meta Metadata) Strategy {
	var best Strategy
	for _, st := range strategies {
		if !st.Applies(meta) {
			continue
		}
		if best == nil || st.Priority() > best.Priority() {
			best = st
		}
	}
	return best
}

// directStrategy is a single PutObject call, used for anything under the
// multipart threshold.
type directStrategy struct{ s *S3Store }

func (d *directStrategy) Name() string     { return "direct" }
func (d *directStrategy) Priority() int    { return 0 }
func (d *directStrategy) Applies(Metadata) bool { return true }

func (d *directStrategy) Store(ctx context.Context, mediaType MediaType, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "read upload body", err)
	}
	if progress != nil {
		progress(int64(len(buf)), int64(len(buf)))
	}

	hash := HashBytes(buf)
	key := BuildKey(mediaType, hash, meta.Extension, time.Now())

	_, err = d.s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.s.cfg.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(meta.ContentType),
		Metadata:    meta.CustomMetadata,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "put object", err)
	}

	return &StoredMedia{
		StorageKey: key, ContentType: meta.ContentType, SizeBytes: int64(len(buf)),
		MediaType: mediaType, CreatedAt: time.Now(), ExpiresAt: meta.ExpiresAt,
		CustomMetadata: meta.CustomMetadata, ContentHash: hash,
	}, nil
}

// multipartStrategy uses the SDK's managed uploader for objects above the
// multipart threshold but below the presigned threshold: the caller is
// streaming the full body to us (not driving sessions itself).
type multipartStrategy struct{ s *S3Store }

func (m *multipartStrategy) Name() string  { return "multipart" }
func (m *multipartStrategy) Priority() int { return 10 }
func (m *multipartStrategy) Applies(meta Metadata) bool {
	return meta.SizeHint > m.s.cfg.MultipartThresholdBytes && meta.SizeHint <= m.s.cfg.PresignThresholdBytes
}

func (m *multipartStrategy) Store(ctx context.Context, mediaType MediaType, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error) {
	// Hashing up-front is impossible for a streaming upload of unknown
	// size; per spec §4.C a UUID substitutes for the content hash and the
	// backing store's ETag becomes the content identity.
	hash := pseudoHash()
	key := BuildKey(mediaType, hash, meta.Extension, time.Now())

	out, err := m.s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.s.cfg.BucketName),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(meta.ContentType),
		Metadata:    meta.CustomMetadata,
	}, func(u *manager.Uploader) {
		u.PartSize = m.s.cfg.MultipartChunkSizeBytes
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "managed multipart upload", err)
	}

	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	return &StoredMedia{
		StorageKey: key, ContentType: meta.ContentType, SizeBytes: meta.SizeHint,
		MediaType: mediaType, CreatedAt: time.Now(), ExpiresAt: meta.ExpiresAt,
		CustomMetadata: meta.CustomMetadata, ContentHash: etag,
	}, nil
}

// presignedStrategy doesn't perform the upload at all — for objects above
// the presign threshold the caller is expected to call PresignUpload and
// upload directly to the backend, so Store here only applies when a
// caller mistakenly routes a huge body through the synchronous path; it
// degrades to reporting an error asking the caller to use presigned
// upload instead of buffering a very large object in memory.
type presignedStrategy struct{ s *S3Store }

func (p *presignedStrategy) Name() string  { return "presigned" }
func (p *presignedStrategy) Priority() int { return 20 }
func (p *presignedStrategy) Applies(meta Metadata) bool {
	return meta.SizeHint > p.s.cfg.PresignThresholdBytes
}

func (p *presignedStrategy) Store(context.Context, MediaType, io.Reader, Metadata, ProgressFunc) (*StoredMedia, error) {
	return nil, errkind.New(errkind.Validation, fmt.Sprintf("object exceeds %d bytes: use PresignUpload instead of Store", p.s.cfg.PresignThresholdBytes))
}

func pseudoHash() string {
	// uuid import kept local to avoid polluting media.go's import set;
	// callers only need a unique, URL-safe token here.
	return uuidToken()
}
