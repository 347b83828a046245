package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/imagefy/internal/metrics"
)

const (
	defaultPrefix    = "imagefy/"
	defaultRetention = 30 * 24 * time.Hour
	keyTimeFormat    = "2006-01-02T150405Z"
)

var ErrNotConfigured = errors.New("backup not configured")

// ObjectStore is the subset of the S3 API the manager uses.
type ObjectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Snapshotter runs the VACUUM INTO statement that produces a consistent copy.
type Snapshotter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3         S3Config
	Passphrase string
	Prefix     string
	Retention  time.Duration
}

// Enabled reports whether there is enough configuration to upload backups.
func (c Config) Enabled() bool {
	return c.S3.complete() && c.Passphrase != ""
}

// Manager uploads encrypted snapshots of the SQLite entitlement store.
type Manager struct {
	cfg    Config
	db     Snapshotter
	client ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

// NewS3Client builds a path-style client so S3-compatible endpoints work.
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

func NewManager(cfg Config, db Snapshotter, client ObjectStore, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, db: db, client: client, logger: logger, now: time.Now}
}

// Run snapshots the database, encrypts it and uploads it. It returns the
// object key.
func (m *Manager) Run(ctx context.Context) (string, error) {
	if m.client == nil || m.cfg.Passphrase == "" {
		return "", ErrNotConfigured
	}

	key, size, err := m.run(ctx)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.BackupsTotal.WithLabelValues("ok").Inc()
	m.logger.Info("backup uploaded", "key", key, "bytes", size)
	return key, nil
}

func (m *Manager) run(ctx context.Context) (string, int, error) {
	dir, err := os.MkdirTemp("", "imagefy-backup-")
	if err != nil {
		return "", 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO "+quote(snapshot)); err != nil {
		return "", 0, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return "", 0, fmt.Errorf("read snapshot: %w", err)
	}

	sealed, err := Encrypt(plaintext, m.cfg.Passphrase)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt snapshot: %w", err)
	}

	key := m.cfg.Prefix + "backup-" + m.now().UTC().Format(keyTimeFormat) + ".db.enc"
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload to s3: %w", err)
	}
	return key, len(sealed), nil
}

// Prune deletes backups under the prefix older than the retention period and
// returns how many were removed. A failed delete is logged and skipped.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.client == nil {
		return 0, ErrNotConfigured
	}
	cutoff := m.now().Add(-m.cfg.Retention)

	removed := 0
	var token *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.S3.Bucket),
			Prefix:            aws.String(m.cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return removed, fmt.Errorf("list backups: %w", err)
		}

		for _, obj := range out.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.cfg.S3.Bucket),
				Key:    obj.Key,
			}); err != nil {
				m.logger.Warn("failed to delete old backup", "key", aws.ToString(obj.Key), "error", err)
				continue
			}
			removed++
		}

		if !aws.ToBool(out.IsTruncated) {
			return removed, nil
		}
		token = out.NextContinuationToken
	}
}

func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}
