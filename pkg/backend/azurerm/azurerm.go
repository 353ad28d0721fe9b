// Package azurerm stores state in Azure Blob Storage.
package azurerm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func init() {
	backend.Register("azurerm", New)
}

// Backend stores state blobs in one Azure storage container.
type Backend struct {
	client    *azblob.Client
	container string
	cfg       backend.Config
}

// New creates an azurerm backend. Required: container_name, plus
// storage_account_name unless a connection_string or endpoint carries
// the account. Credentials resolve in order: access_key, sas_token,
// connection_string, then the default Azure credential chain.
func New(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	container := cfg["container_name"]
	if container == "" {
		return nil, fmt.Errorf("azurerm backend requires container_name")
	}
	account := cfg["storage_account_name"]

	serviceURL := cfg["endpoint"]
	if serviceURL == "" {
		if account == "" && cfg["connection_string"] == "" {
			return nil, fmt.Errorf("azurerm backend requires storage_account_name")
		}
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg["access_key"] != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(account, cfg["access_key"])
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	case cfg["sas_token"] != "":
		sas := strings.TrimPrefix(cfg["sas_token"], "?")
		client, err = azblob.NewClientWithNoCredential(serviceURL+"?"+sas, nil)
	case cfg["connection_string"] != "":
		client, err = azblob.NewClientFromConnectionString(cfg["connection_string"], nil)
	default:
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating Azure blob client: %w", err)
	}

	return &Backend{client: client, container: container, cfg: cfg}, nil
}

func (b *Backend) Name() string { return "azurerm" }

// Bootstrap creates the container when it does not exist. The storage
// account itself must already exist.
func (b *Backend) Bootstrap(ctx context.Context) error {
	_, err := b.client.CreateContainer(ctx, b.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("creating container %s: %w", b.container, err)
	}
	return nil
}

// Versioned reports whether blob versioning is enabled. Versioning is
// an account-level setting the data plane cannot inspect, so it is
// declared through the versioning_enabled config key.
func (b *Backend) Versioned(ctx context.Context) (bool, error) {
	return b.cfg.Bool("versioning_enabled"), nil
}

func (b *Backend) ReadState(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrStateNotFound
		}
		return nil, fmt.Errorf("reading blob %s/%s: %w", b.container, key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *Backend) WriteState(ctx context.Context, key string, data []byte) error {
	contentType := "application/json"
	_, err := b.client.UploadBuffer(ctx, b.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("writing blob %s/%s: %w", b.container, key, err)
	}
	return nil
}

func (b *Backend) DeleteState(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, key, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting blob %s/%s: %w", b.container, key, err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

var _ backend.Backend = (*Backend)(nil)
