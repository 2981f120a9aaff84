// Package backup writes encrypted snapshots of a SQLite database to
// S3-compatible storage and restores them.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/famtask/internal/blob"
)

var ErrNoPassphrase = errors.New("backup passphrase is required")

// s3Client is the subset of the S3 API used here.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Archive is one stored snapshot.
type Archive struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Archiver stores snapshots under prefix in bucket.
type Archiver struct {
	client s3Client
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver uses the photo bucket's credentials. Snapshots go under
// prefix, "backups" when empty.
func NewArchiver(cfg blob.S3Config, prefix string, logger *slog.Logger) *Archiver {
	return newArchiver(blob.NewS3Client(cfg), cfg.Bucket, prefix, logger)
}

func newArchiver(client s3Client, bucket, prefix string, logger *slog.Logger) *Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "backups"
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
}

// Backup snapshots db with VACUUM INTO, encrypts the copy and uploads it.
func (a *Archiver) Backup(ctx context.Context, db *sql.DB, passphrase string) (Archive, error) {
	if passphrase == "" {
		return Archive{}, ErrNoPassphrase
	}

	dir, err := os.MkdirTemp("", "famtask-backup-")
	if err != nil {
		return Archive{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return Archive{}, fmt.Errorf("snapshot database: %w", err)
	}
	plain, err := os.ReadFile(snapshot)
	if err != nil {
		return Archive{}, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plain, passphrase)
	if err != nil {
		return Archive{}, err
	}

	now := a.now().UTC()
	key := fmt.Sprintf("%s/backup-%s.db.enc", a.prefix, now.Format("2006-01-02T150405.000Z"))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return Archive{}, fmt.Errorf("upload backup: %w", err)
	}

	a.logger.Info("backup uploaded", "key", key, "bytes", len(sealed))
	return Archive{Key: key, Size: int64(len(sealed)), CreatedAt: now}, nil
}

// Restore downloads key, decrypts it and writes the database to dst. An
// existing dst is never overwritten.
func (a *Archiver) Restore(ctx context.Context, key, passphrase, dst string) error {
	if passphrase == "" {
		return ErrNoPassphrase
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("restore: %s already exists", dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("restore: %w", err)
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download backup %s: %w", key, err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", key, err)
	}
	plain, err := Open(sealed, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, plain, 0600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}

	a.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

// List returns stored snapshots, oldest first.
func (a *Archiver) List(ctx context.Context) ([]Archive, error) {
	var (
		archives []Archive
		token    *string
	)
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(a.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, obj := range out.Contents {
			archives = append(archives, Archive{
				Key:       aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Key < archives[j].Key })
	return archives, nil
}

// Prune deletes snapshots older than retention and reports how many went.
// The newest snapshot is always kept.
func (a *Archiver) Prune(ctx context.Context, retention time.Duration) (int, error) {
	archives, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) == 0 {
		return 0, nil
	}

	cutoff := a.now().Add(-retention)
	deleted := 0
	for _, ar := range archives[:len(archives)-1] {
		if !ar.CreatedAt.Before(cutoff) {
			continue
		}
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(ar.Key),
		})
		if err != nil {
			return deleted, fmt.Errorf("delete backup %s: %w", ar.Key, err)
		}
		deleted++
	}
	if deleted > 0 {
		a.logger.Info("old backups pruned", "count", deleted)
	}
	return deleted, nil
}
