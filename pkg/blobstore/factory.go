package blobstore

import (
	"context"
	"fmt"
)

// Type names a storage backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type     Type
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3
	Prefix   string // s3, gcs
}

// Open builds the Store described by cfg. An empty type means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/envelopes"
		}
		return NewFileStore(dir)
	case TypeS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case TypeGCS:
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("blobstore: unsupported storage type %q", cfg.Type)
	}
}
