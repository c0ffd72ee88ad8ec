// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package s3 implements byterange.Fetcher over AWS S3 for paths with
// the s3:// prefix, using ranged GetObject requests.
package s3

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher reads byte ranges from S3 objects via the AWS SDK v2 client,
// caching each object's size after the first Size call.
type Fetcher struct {
	client *s3.Client

	mu    sync.Mutex
	sizes map[string]int64
}

// New loads the default AWS SDK v2 config (environment, shared config
// file, or EC2/ECS role credentials, in that order) and returns a
// Fetcher backed by it.
func New(ctx context.Context) (*Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Fetcher{
		client: s3.NewFromConfig(cfg),
		sizes:  make(map[string]int64),
	}, nil
}

// splitPath parses an s3://bucket/key path into its bucket and key.
func splitPath(path string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(path, "s3://")
	if trimmed == path {
		return "", "", fmt.Errorf("path %q does not have the s3:// prefix", path)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("path %q is not of the form s3://bucket/key", path)
	}
	return parts[0], parts[1], nil
}

// ReadRange implements byterange.Fetcher via a ranged GetObject call.
func (f *Fetcher) ReadRange(ctx context.Context, path string, offset int64, dst []byte) error {
	bucket, key, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(dst))-1)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return fmt.Errorf("GetObject %s range %s: %w", path, rangeHeader, err)
	}
	defer out.Body.Close()

	n := 0
	for n < len(dst) {
		m, readErr := out.Body.Read(dst[n:])
		n += m
		if readErr != nil {
			if m > 0 && n == len(dst) {
				break
			}
			return fmt.Errorf("reading GetObject body for %s range %s: %w", path, rangeHeader, readErr)
		}
	}
	return nil
}

// Size implements byterange.Fetcher via HeadObject, caching the result.
func (f *Fetcher) Size(ctx context.Context, path string) (int64, error) {
	f.mu.Lock()
	if sz, ok := f.sizes[path]; ok {
		f.mu.Unlock()
		return sz, nil
	}
	f.mu.Unlock()

	bucket, key, err := splitPath(path)
	if err != nil {
		return 0, err
	}

	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("HeadObject %s: %w", path, err)
	}
	size := aws.ToInt64(out.ContentLength)

	f.mu.Lock()
	f.sizes[path] = size
	f.mu.Unlock()

	return size, nil
}

// Close is a no-op: the S3 client holds no resources that need
// releasing beyond its pooled HTTP transport, which the SDK manages.
func (f *Fetcher) Close() error { return nil }
