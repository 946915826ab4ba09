package s3

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/storage"
)

func TestRangeHeader(t *testing.T) {
	tests := []struct {
		off, n int64
		want   string
	}{
		{0, -1, ""},
		{100, -1, "bytes=100-"},
		{100, 100, "bytes=100-199"},
		{0, 1, "bytes=0-0"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.off, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, rangeHeader(tt.off, tt.n))
		})
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	c := &Client{bucket: "b"}

	err := c.wrap("get object", "k", fmt.Errorf("op: %w", &types.NoSuchKey{}))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	err = c.wrap("head object", "k", &smithy.GenericAPIError{Code: "NotFound"})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	err = c.wrap("get object", "k", &smithy.GenericAPIError{Code: "InvalidRange"})
	assert.ErrorIs(t, err, fault.ErrRangeNotSatisfiable)

	err = c.wrap("upload", "k", errors.New("connection reset"))
	assert.ErrorIs(t, err, fault.ErrIO)
	assert.True(t, fault.Retryable(err))
}
