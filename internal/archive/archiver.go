// Package archive exports aged login-attempt audit rows to object storage.
// The admission engine treats the attempt log as append-only; trimming it is
// an operator-side retention job that runs out of band, never on the login
// path.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/subportal/backend/internal/config"
	"github.com/subportal/backend/internal/metrics"
	"github.com/subportal/backend/internal/repository"
)

// ObjectPutter is the slice of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver moves login attempts older than the retention age into gzip
// NDJSON objects, one batch per object, and deletes the exported rows.
type Archiver struct {
	client    ObjectPutter
	bucket    string
	attempts  repository.LoginAttemptRepository
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// Config holds archiver configuration
type Config struct {
	Client    ObjectPutter
	Bucket    string
	Attempts  repository.LoginAttemptRepository
	Retention time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// NewArchiver creates a new Archiver instance
func NewArchiver(cfg Config) *Archiver {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		attempts:  cfg.Attempts,
		retention: cfg.Retention,
		batchSize: batchSize,
		logger:    logger,
	}
}

// NewS3Client builds an S3 client from archive configuration. A custom
// endpoint with path-style addressing keeps MinIO deployments working.
func NewS3Client(cfg *config.ArchiveConfig) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			protocol := "http"
			if cfg.UseSSL {
				protocol = "https"
			}
			endpoint = protocol + "://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	return s3.New(opts)
}

// Run archives batches until no rows older than the retention cutoff remain.
// Returns the total number of rows exported. Rows are deleted only after
// their batch has been stored, so a failed run leaves everything in place
// for the next one.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	total := 0

	for {
		rows, err := a.attempts.ListOlderThan(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("load archive batch: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		key := objectKey(rows[0].CreatedAt)
		body, err := encodeBatch(rows)
		if err != nil {
			return total, fmt.Errorf("encode archive batch: %w", err)
		}

		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			return total, fmt.Errorf("store archive object %s: %w", key, err)
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		deleted, err := a.attempts.DeleteByIDs(ctx, ids)
		if err != nil {
			// The object is already stored; failing here just means the
			// same rows get re-exported next run.
			return total, fmt.Errorf("delete archived rows: %w", err)
		}

		metrics.AttemptsArchived.Add(float64(len(rows)))
		total += len(rows)

		a.logger.Info("archived login attempts",
			"object_key", key,
			"rows", len(rows),
			"deleted", deleted,
		)
	}
}

// objectKey names the archive object by the batch's oldest row
func objectKey(oldest time.Time) string {
	return fmt.Sprintf("login-attempts/%s/%s.ndjson.gz",
		oldest.UTC().Format("2006/01/02"),
		uuid.New().String(),
	)
}

// encodeBatch serializes attempts as gzip-compressed NDJSON
func encodeBatch(rows []repository.LoginAttempt) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for _, row := range rows {
		if err := enc.Encode(archivedAttempt{
			ID:                row.ID,
			AccountID:         row.AccountID,
			DeviceFingerprint: row.DeviceFingerprint,
			IPAddress:         row.IPAddress,
			Country:           row.Country,
			City:              row.City,
			AttemptType:       row.AttemptType,
			Reason:            row.Reason,
			UserAgent:         row.UserAgent,
			CreatedAt:         row.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// archivedAttempt is the stable export schema for one audit row
type archivedAttempt struct {
	ID                uuid.UUID  `json:"id"`
	AccountID         *uuid.UUID `json:"account_id,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	IPAddress         string     `json:"ip_address"`
	Country           string     `json:"country"`
	City              string     `json:"city"`
	AttemptType       string     `json:"attempt_type"`
	Reason            string     `json:"reason"`
	UserAgent         string     `json:"user_agent"`
	CreatedAt         time.Time  `json:"created_at"`
}
