// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package azureblob implements byterange.Fetcher over Azure Blob
// Storage for paths with the az:// prefix, using the blob REST API's
// ranged GET directly (same rationale as backend/gcs: a signed or
// SAS-token ranged GET needs nothing beyond net/http).
package azureblob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Fetcher reads byte ranges from Azure Blob Storage via ranged HTTP
// GETs against https://{account}.blob.core.windows.net/{container}/{blob}.
type Fetcher struct {
	httpClient *http.Client
	sasToken   string // appended as a query string on every request; empty if auth is handled by the transport

	mu    sync.Mutex
	sizes map[string]int64
}

// New returns a Fetcher using client for requests (nil for
// http.DefaultClient) and sasToken (without the leading "?") appended
// to every request URL. Pass an empty sasToken when the client's
// transport already injects auth (e.g. an Azure AD bearer token).
func New(client *http.Client, sasToken string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{httpClient: client, sasToken: sasToken, sizes: make(map[string]int64)}
}

func splitPath(path string) (account, container, blob string, err error) {
	trimmed := strings.TrimPrefix(path, "az://")
	if trimmed == path {
		return "", "", "", fmt.Errorf("path %q does not have the az:// prefix", path)
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("path %q is not of the form az://account/container/blob", path)
	}
	return parts[0], parts[1], parts[2], nil
}

func (f *Fetcher) blobURL(path string) (string, error) {
	account, container, blob, err := splitPath(path)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", account, container, blob)
	if f.sasToken != "" {
		url += "?" + f.sasToken
	}
	return url, nil
}

// ReadRange implements byterange.Fetcher.
func (f *Fetcher) ReadRange(ctx context.Context, path string, offset int64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	url, err := f.blobURL(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("x-ms-range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(dst))-1))
	req.Header.Set("x-ms-version", "2021-08-06")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}

	if _, err := io.ReadFull(resp.Body, dst); err != nil {
		return fmt.Errorf("reading range response body for %s: %w", path, err)
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

	url, err := f.blobURL(path)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building HEAD request for %s: %w", path, err)
	}
	req.Header.Set("x-ms-version", "2021-08-06")

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
