// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backend routes an opaque path string to the Fetcher that
// understands its scheme, per spec §6.2: s3://, gs://, az://, or no
// prefix at all for the local filesystem.
package backend

import "strings"

// Scheme identifies which backend owns a path.
type Scheme string

const (
	SchemeLocal Scheme = "local"
	SchemeS3    Scheme = "s3"
	SchemeGCS   Scheme = "gcs"
	SchemeAzure Scheme = "azure"
)

// RouteScheme inspects path's prefix and returns the backend that
// should serve it. Paths with no recognized prefix are local.
func RouteScheme(path string) Scheme {
	switch {
	case strings.HasPrefix(path, "s3://"):
		return SchemeS3
	case strings.HasPrefix(path, "gs://"):
		return SchemeGCS
	case strings.HasPrefix(path, "az://"):
		return SchemeAzure
	default:
		return SchemeLocal
	}
}
