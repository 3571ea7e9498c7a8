package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"modelgate/internal/core/errkind"
)

// Config is the S3-compatible backend's configuration surface (spec §6).
type Config struct {
	AccessKey               string
	SecretKey               string
	BucketName              string
	ServiceURL              string // empty means AWS default
	Region                  string
	ForcePathStyle          bool
	IsR2                    bool
	MultipartChunkSizeBytes int64
	MultipartThresholdBytes int64 // spec §4.C default: 50 MiB
	PresignThresholdBytes   int64 // spec §4.C default: 100 MiB
	AutoCreateBucket        bool
	DefaultURLExpiration    time.Duration
	PublicBaseURL           string
	AutoConfigureCORS       bool
	CORSAllowedOrigins      []string
	CORSAllowedMethods      []string
	CORSExposeHeaders       []string
	CORSMaxAgeSeconds       int32
}

func (c Config) withDefaults() Config {
	if c.MultipartThresholdBytes == 0 {
		c.MultipartThresholdBytes = 50 * 1024 * 1024
	}
	if c.PresignThresholdBytes == 0 {
		c.PresignThresholdBytes = 100 * 1024 * 1024
	}
	if c.MultipartChunkSizeBytes == 0 {
		c.MultipartChunkSizeBytes = 8 * 1024 * 1024
	}
	if c.DefaultURLExpiration == 0 {
		c.DefaultURLExpiration = 15 * time.Minute
	}
	return c
}

// S3Store is the Store backed by aws-sdk-go-v2's service/s3, extending
// the teacher's existing AWS SDK v2 family (already used for Bedrock auth
// in internal/provider/bedrock.go) with the one member it was missing.
type S3Store struct {
	cfg        Config
	client     *s3.Client
	uploader   *manager.Uploader
	presign    *s3.PresignClient
	strategies []Strategy

	mu       sync.Mutex
	sessions map[string]*multipartState
}

type multipartState struct {
	storageKey string
	uploadID   string
	meta       Metadata
	expiresAt  time.Time
	mediaType  MediaType
}

// NewS3Store constructs an S3Store, mirroring the teacher's dual-auth
// pattern in internal/provider/bedrock.go (static credentials via
// credentials.NewStaticCredentialsProvider, loaded through
// awsconfig.LoadDefaultConfig).
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	cfg = cfg.withDefaults()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ServiceURL != "" {
			o.BaseEndpoint = aws.String(cfg.ServiceURL)
		}
		o.UsePathStyle = cfg.ForcePathStyle || cfg.IsR2
	})

	st := &S3Store{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		sessions: make(map[string]*multipartState),
	}
	st.strategies = defaultStrategies(st)

	if cfg.AutoCreateBucket {
		st.ensureBucket(ctx)
	}
	if cfg.AutoConfigureCORS {
		st.configureCORS(ctx)
	}

	return st, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err == nil {
		return
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err != nil {
		// Missing permissions are logged and tolerated per spec §4.C.
		return
	}
}

func (s *S3Store) configureCORS(ctx context.Context) {
	rule := types.CORSRule{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: s.cfg.CORSAllowedMethods,
		ExposeHeaders:  s.cfg.CORSExposeHeaders,
		MaxAgeSeconds:  aws.Int32(s.cfg.CORSMaxAgeSeconds),
	}
	s.client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
		Bucket: aws.String(s.cfg.BucketName),
		CORSConfiguration: &types.CORSConfiguration{
			CORSRules: []types.CORSRule{rule},
		},
	})
	// Idempotent at startup; missing permissions are logged and tolerated.
}

func (s *S3Store) Store(ctx context.Context, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error) {
	return s.storeTyped(ctx, MediaOther, r, meta, progress)
}

func (s *S3Store) StoreVideo(ctx context.Context, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error) {
	return s.storeTyped(ctx, MediaVideo, r, meta, progress)
}

func (s *S3Store) storeTyped(ctx context.Context, mediaType MediaType, r io.Reader, meta Metadata, progress ProgressFunc) (*StoredMedia, error) {
	best := selectStrategy(s.strategies, meta)
	return best.Store(ctx, mediaType, r, meta, progress)
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, errkind.Wrap(errkind.Storage, "get object", err)
	}
	return out.Body, nil
}

func (s *S3Store) GetInfo(ctx context.Context, key string) (*StoredMedia, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, errkind.Wrap(errkind.Storage, "head object", err)
	}
	meta := map[string]string{}
	for k, v := range out.Metadata {
		meta[k] = v
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &StoredMedia{
		StorageKey:     key,
		ContentType:    contentType,
		SizeBytes:      size,
		MediaType:      mediaTypeFromKey(key),
		CreatedAt:      aws.ToTime(out.LastModified),
		CustomMetadata: meta,
		ContentHash:    hashFromKey(key),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key)})
	if err != nil {
		return errkind.Wrap(errkind.Storage, "delete object", err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.Storage, "head object", err)
	}
	return true, nil
}

func (s *S3Store) GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = s.cfg.DefaultURLExpiration
	}
	if s.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", s.cfg.PublicBaseURL, key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key),
	}, s3.WithPresignExpires(expiration))
	if err != nil {
		return "", errkind.Wrap(errkind.Storage, "presign get", err)
	}
	return req.URL, nil
}

func (s *S3Store) GetVideoStream(ctx context.Context, key string, rangeStart, rangeEnd *int64) (*RangeResult, error) {
	info, err := s.GetInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	start, end := ClampRange(rangeStart, rangeEnd, info.SizeBytes)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, errkind.Wrap(errkind.Storage, "ranged get object", err)
	}

	return &RangeResult{
		Stream: out.Body, RangeStart: start, RangeEnd: end,
		TotalSize: info.SizeBytes, ContentType: info.ContentType,
	}, nil
}

func (s *S3Store) InitiateMultipart(ctx context.Context, meta Metadata) (*MultipartSession, error) {
	hashPlaceholder := uuid.New().String()
	key := BuildKey(MediaVideo, hashPlaceholder, meta.Extension, time.Now())

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.cfg.BucketName),
		Key:         aws.String(key),
		ContentType: aws.String(meta.ContentType),
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "create multipart upload", err)
	}

	sessionID := uuid.New().String()
	expiresAt := time.Now().Add(24 * time.Hour)

	s.mu.Lock()
	s.sessions[sessionID] = &multipartState{
		storageKey: key, uploadID: aws.ToString(out.UploadId),
		meta: meta, expiresAt: expiresAt, mediaType: MediaVideo,
	}
	s.mu.Unlock()

	return &MultipartSession{
		SessionID: sessionID, StorageKey: key, ExpiresAt: expiresAt,
		MinPartSize: 5 * 1024 * 1024, MaxParts: 10_000,
	}, nil
}

func (s *S3Store) UploadPart(ctx context.Context, sessionID string, partNumber int, r io.Reader) (*PartResult, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, errkind.New(errkind.Validation, "unknown multipart session")
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "read part", err)
	}

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.cfg.BucketName),
		Key:        aws.String(st.storageKey),
		UploadId:   aws.String(st.uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(buf),
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "upload part", err)
	}

	return &PartResult{PartNumber: partNumber, ETag: aws.ToString(out.ETag), SizeBytes: int64(len(buf))}, nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, sessionID string, parts []PartResult) (*StoredMedia, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, errkind.New(errkind.Validation, "unknown multipart session")
	}

	// parts sorted by number per spec §4.C.
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{PartNumber: aws.Int32(int32(p.PartNumber)), ETag: aws.String(p.ETag)}
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.BucketName),
		Key:             aws.String(st.storageKey),
		UploadId:        aws.String(st.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "complete multipart upload", err)
	}

	var total int64
	for _, p := range parts {
		total += p.SizeBytes
	}

	return &StoredMedia{
		StorageKey:  aws.ToString(out.Key),
		ContentType: st.meta.ContentType,
		SizeBytes:   total,
		MediaType:   st.mediaType,
		CreatedAt:   time.Now(),
		ContentHash: hashFromKey(st.storageKey),
	}, nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket: aws.String(s.cfg.BucketName), Key: aws.String(st.storageKey), UploadId: aws.String(st.uploadID),
	})
	if err != nil {
		return errkind.Wrap(errkind.Storage, "abort multipart upload", err)
	}
	return nil
}

func (s *S3Store) PresignUpload(ctx context.Context, meta Metadata, expiration time.Duration) (*PresignedUpload, error) {
	if expiration <= 0 {
		expiration = s.cfg.DefaultURLExpiration
	}
	hashPlaceholder := uuid.New().String()
	key := BuildKey(MediaVideo, hashPlaceholder, meta.Extension, time.Now())

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.BucketName), Key: aws.String(key), ContentType: aws.String(meta.ContentType),
	}, s3.WithPresignExpires(expiration))
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "presign put", err)
	}

	return &PresignedUpload{
		URL:              req.URL,
		HTTPMethod:       req.Method,
		RequiredHeaders:  map[string]string{"Content-Type": meta.ContentType},
		ExpiresAt:        time.Now().Add(expiration),
		StorageKey:       key,
		MaxFileSizeBytes: s.cfg.PresignThresholdBytes * 4,
	}, nil
}

func isNoSuchKey(err error) bool {
	var nf *types.NoSuchKey
	var nb *types.NotFound
	return errors.As(err, &nf) || errors.As(err, &nb)
}
