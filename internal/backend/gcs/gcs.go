// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package gcs implements byterange.Fetcher over Google Cloud Storage
// for paths with the gs:// prefix. It speaks the JSON API's media
// download endpoint directly with an HTTP Range header, rather than
// pulling in the full Cloud Storage client library, since a ranged GET
// is all this package needs.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// downloadURLTemplate hits the JSON API's alt=media download, which
// honors standard HTTP Range headers for partial content.
const downloadURLTemplate = "https://storage.googleapis.com/storage/v1/b/%s/o/%s?alt=media"

// Fetcher reads byte ranges from GCS objects via signed (or
// ambient-credentialed) ranged HTTP GETs.
type Fetcher struct {
	httpClient *http.Client

	mu    sync.Mutex
	sizes map[string]int64
}

// New returns a Fetcher using client for requests. Pass nil to use
// http.DefaultClient; callers needing OAuth2 credentials should supply
// an *http.Client wrapping an oauth2.TokenSource transport.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{httpClient: client, sizes: make(map[string]int64)}
}

func splitPath(path string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(path, "gs://")
	if trimmed == path {
		return "", "", fmt.Errorf("path %q does not have the gs:// prefix", path)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("path %q is not of the form gs://bucket/object", path)
	}
	return parts[0], parts[1], nil
}

func (f *Fetcher) objectURL(path string) (string, error) {
	bucket, object, err := splitPath(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(downloadURLTemplate, bucket, object), nil
}

// ReadRange implements byterange.Fetcher.
func (f *Fetcher) ReadRange(ctx context.Context, path string, offset int64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	url, err := f.objectURL(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(dst))-1))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, dst)
	if err != nil {
		return fmt.Errorf("reading range response body for %s (%d bytes): %w", path, n, err)
	}
	return nil
}

// Size implements byterange.Fetcher via a HEAD request.
func (f *Fetcher) Size(ctx context.Context, path string) (int64, error) {
	f.mu.Lock()
	if sz, ok := f.sizes[path]; ok {
		f.mu.Unlock()
		return sz, nil
	}
	f.mu.Unlock()

	url, err := f.objectURL(path)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building HEAD request for %s: %w", path, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HEAD %s: unexpected status %s", path, resp.Status)
	}

	size := resp.ContentLength
	f.mu.Lock()
	f.sizes[path] = size
	f.mu.Unlock()
	return size, nil
}

// Close releases the underlying HTTP client's idle connections.
func (f *Fetcher) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}
