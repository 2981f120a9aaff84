// Package blob stores photo proof and hands back opaque references.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxSize caps a single upload.
const MaxSize = 10 << 20

var ErrEmpty = errors.New("blob is empty")

// Store produces an opaque reference for a blob. The reference is never
// interpreted by callers.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// s3Client is the subset of the S3 API used here.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Store struct {
	client s3Client
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3Store(cfg S3Config) *S3Store {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "photos"
	}
	return &S3Store{client: NewS3Client(cfg), bucket: cfg.Bucket, prefix: prefix, now: time.Now}
}

// NewS3Client builds a path-style client with static credentials, which
// works against AWS and S3-compatible services alike.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Put uploads data under a fresh key and returns the key as the reference.
func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxSize {
		return "", fmt.Errorf("blob too large: %d bytes", len(data))
	}

	key := s.key(contentType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	return key, nil
}

// Delete removes the object behind ref.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}

func (s *S3Store) key(contentType string) string {
	return fmt.Sprintf("%s/%s/%s%s", s.prefix, s.now().UTC().Format("2006/01"), uuid.NewString(), extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	}
	return ""
}

// Memory keeps blobs in process. Used when no bucket is configured.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	ref := "mem/" + uuid.NewString() + extension(contentType)
	m.mu.Lock()
	m.objects[ref] = bytes.Clone(data)
	m.mu.Unlock()
	return ref, nil
}

// Get returns a stored blob.
func (m *Memory) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[ref]
	return b, ok
}
