//go:build !gcp

package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen_GCSDisabled(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: TypeGCS, Bucket: "b"})
	assert.ErrorContains(t, err, "-tags gcp")
}
