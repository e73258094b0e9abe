// Package blob selects an object store implementation from settings.
package blob

import (
	"context"
	"fmt"

	"infrasys/internal/blob/core"
	"infrasys/internal/infra/blob/fs"
	"infrasys/internal/infra/blob/memory"
	"infrasys/internal/infra/blob/s3"
)

// Store re-exports core.Store for callers that only need the factory.
type Store = core.Store

// S3Settings configures the s3 driver.
type S3Settings struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// Settings selects and configures a driver. An empty Driver means fs.
type Settings struct {
	Driver core.Driver
	FSRoot string
	Verify bool
	S3     S3Settings
}

// Open constructs the store named by s.Driver.
func Open(ctx context.Context, s Settings) (Store, error) {
	switch s.Driver {
	case "", core.DriverFilesystem:
		var opts []fs.Option
		if s.Verify {
			opts = append(opts, fs.WithVerify())
		}
		return fs.New(s.FSRoot, opts...)
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:    s.S3.Bucket,
			Region:    s.S3.Region,
			Endpoint:  s.S3.Endpoint,
			Prefix:    s.S3.Prefix,
			PathStyle: s.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", s.Driver)
	}
}
