package azurerm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

// base64 of "hunter2", shaped like a storage account key.
const testAccessKey = "aHVudGVyMg=="

func TestNew_RequiresContainer(t *testing.T) {
	_, err := New(context.Background(), backend.Config{
		"storage_account_name": "acct",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container_name")
}

func TestNew_RequiresAccount(t *testing.T) {
	_, err := New(context.Background(), backend.Config{
		"container_name": "states",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage_account_name")
}

func TestNew_SharedKey(t *testing.T) {
	be, err := New(context.Background(), backend.Config{
		"storage_account_name": "acct",
		"container_name":       "states",
		"access_key":           testAccessKey,
	})
	require.NoError(t, err)
	assert.Equal(t, "azurerm", be.Name())
}

func TestNew_SASToken(t *testing.T) {
	for _, token := range []string{"sv=2022&sig=abc", "?sv=2022&sig=abc"} {
		be, err := New(context.Background(), backend.Config{
			"storage_account_name": "acct",
			"container_name":       "states",
			"sas_token":            token,
		})
		require.NoError(t, err)
		assert.Equal(t, "azurerm", be.Name())
	}
}

func TestVersioned_FromConfig(t *testing.T) {
	be, err := New(context.Background(), backend.Config{
		"storage_account_name": "acct",
		"container_name":       "states",
		"access_key":           testAccessKey,
		"versioning_enabled":   "true",
	})
	require.NoError(t, err)
	versioned, err := be.Versioned(context.Background())
	require.NoError(t, err)
	assert.True(t, versioned)

	be, err = New(context.Background(), backend.Config{
		"storage_account_name": "acct",
		"container_name":       "states",
		"access_key":           testAccessKey,
	})
	require.NoError(t, err)
	versioned, err = be.Versioned(context.Background())
	require.NoError(t, err)
	assert.False(t, versioned)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound)}))
	assert.True(t, isNotFound(&azcore.ResponseError{ErrorCode: string(bloberror.ContainerNotFound)}))
	assert.True(t, isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(&azcore.ResponseError{StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("plain")))
}
