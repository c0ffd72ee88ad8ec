// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nishisan-dev/modelstreamer/internal/backend/azureblob"
	"github.com/nishisan-dev/modelstreamer/internal/backend/gcs"
	"github.com/nishisan-dev/modelstreamer/internal/backend/local"
	"github.com/nishisan-dev/modelstreamer/internal/backend/s3"
	"github.com/nishisan-dev/modelstreamer/internal/byterange"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// ValidateHomogeneous checks that every path routes to the same
// backend scheme, as required before a single stream_files call can
// pick one Fetcher for the whole request. Returns InvalidInput when
// paths is empty or mixes schemes.
func ValidateHomogeneous(paths []string) (Scheme, error) {
	if len(paths) == 0 {
		return "", streamerr.New(streamerr.KindInvalidInput, "no paths given")
	}
	scheme := RouteScheme(paths[0])
	for _, p := range paths[1:] {
		if s := RouteScheme(p); s != scheme {
			return "", streamerr.New(streamerr.KindInvalidInput,
				"heterogeneous backends in one request: %s and %s", scheme, s)
		}
	}
	return scheme, nil
}

// New builds the Fetcher for scheme. sasToken is only consulted for
// SchemeAzure (pass "" when the HTTP client's transport already
// authenticates); it is ignored for every other scheme.
func New(ctx context.Context, scheme Scheme, sasToken string) (byterange.Fetcher, error) {
	switch scheme {
	case SchemeLocal:
		return local.New(), nil
	case SchemeS3:
		return s3.New(ctx)
	case SchemeGCS:
		return gcs.New(http.DefaultClient), nil
	case SchemeAzure:
		return azureblob.New(http.DefaultClient, sasToken), nil
	default:
		return nil, fmt.Errorf("unknown backend scheme %q", scheme)
	}
}
