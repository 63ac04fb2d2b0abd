// Package archive copies committed snapshots to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
)

// Config mirrors the ARCHIVE_* settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes snapshot payloads as JSON objects, one per snapshot.
type Store struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// New connects to the object store and creates the bucket if needed.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	s := &Store{client: client, bucket: cfg.Bucket, log: log.With().Str("component", "archive").Logger()}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// ObjectKey is where a snapshot lands inside the bucket.
func ObjectKey(briefID, snapshotID string) string {
	return path.Join("snapshots", briefID, snapshotID+".json")
}

// Encode renders the stored form of a snapshot.
func Encode(snap canvas.Snapshot) ([]byte, error) {
	g := snap.Graph.Clone()
	g.Normalize()
	snap.Graph = g
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	return payload, nil
}

// Archive uploads snap. Snapshots are immutable, so a retry simply
// overwrites the object with identical bytes.
func (s *Store) Archive(ctx context.Context, snap canvas.Snapshot) error {
	payload, err := Encode(snap)
	if err != nil {
		return err
	}
	key := ObjectKey(snap.BriefID, snap.ID)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"brief-id": snap.BriefID,
			"reason":   snap.Reason,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int64("size", info.Size).Msg("snapshot archived")
	return nil
}

// Ping checks that the bucket is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
