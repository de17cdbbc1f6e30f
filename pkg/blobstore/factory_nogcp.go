//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

func openGCS(_ context.Context, _ Config) (Store, error) {
	return nil, fmt.Errorf("blobstore: GCS storage is not enabled in this build (use -tags gcp)")
}
