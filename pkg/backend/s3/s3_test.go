package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), backend.Config{"region": "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	_, err = New(context.Background(), backend.Config{"bucket": "states"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestNew_ClientConfig(t *testing.T) {
	be, err := New(context.Background(), backend.Config{
		"bucket":         "states",
		"region":         "eu-west-1",
		"endpoint":       "http://localhost:4566",
		"access_key":     "test",
		"secret_key":     "test",
		"dynamodb_table": "locks",
	})
	require.NoError(t, err)

	b := be.(*Backend)
	assert.Equal(t, "s3", b.Name())
	assert.Equal(t, "states", b.bucket)
	assert.Equal(t, "locks", b.lockTable)
	assert.NotNil(t, b.ddb)
}

func TestNew_NoLockTable(t *testing.T) {
	be, err := New(context.Background(), backend.Config{
		"bucket":     "states",
		"region":     "us-east-1",
		"access_key": "test",
		"secret_key": "test",
	})
	require.NoError(t, err)
	assert.Nil(t, be.(*Backend).ddb)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NotFound"})))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: connection refused")))
}

func TestHasErrorCode(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"}
	assert.True(t, hasErrorCode(err, "NoSuchBucketPolicy"))
	assert.True(t, hasErrorCode(err, "Other", "NoSuchBucketPolicy"))
	assert.False(t, hasErrorCode(err, "ServerSideEncryptionConfigurationNotFoundError"))
	assert.False(t, hasErrorCode(errors.New("plain"), "NoSuchBucketPolicy"))
}
