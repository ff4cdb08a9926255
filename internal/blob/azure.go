package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/sheet-vault/internal/config"
)

// AzureStore stores blobs in a single Azure Blob Storage container
type AzureStore struct {
	container *container.Client
	prefix    string
	name      string
}

// NewAzureStore creates an Azure-backed blob store using whichever auth
// method the configuration provides
func NewAzureStore(cfg config.AzureConfig) (*AzureStore, error) {
	var serviceClient *service.Client
	var err error

	serviceURL := cfg.GetServiceURL()

	switch cfg.GetAuthMethod() {
	case "connection_string":
		serviceClient, err = service.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client from connection string: %w", err)
		}

	case "sas_token":
		sasURL := serviceURL
		if !strings.HasPrefix(cfg.SASToken, "?") {
			sasURL += "?"
		}
		sasURL += cfg.SASToken
		serviceClient, err = service.NewClientWithNoCredential(sasURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client with SAS token: %w", err)
		}

	case "managed_identity":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default azure credential: %w", err)
		}
		serviceClient, err = service.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client with managed identity: %w", err)
		}

	case "service_principal":
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create service principal credential: %w", err)
		}
		serviceClient, err = service.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client with service principal: %w", err)
		}

	default:
		return nil, fmt.Errorf("no valid authentication method configured")
	}

	return &AzureStore{
		container: serviceClient.NewContainerClient(cfg.Container),
		prefix:    cfg.Prefix,
		name:      cfg.StorageAccount + "/" + cfg.Container,
	}, nil
}

// Put uploads data as a block blob. Without overwrite the upload carries
// If-None-Match: * so an existing blob is never replaced.
func (a *AzureStore) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	blobClient := a.container.NewBlockBlobClient(joinPrefix(a.prefix, key))

	var opts *blockblob.UploadBufferOptions
	if !overwrite {
		anyETag := azcore.ETagAny
		opts = &blockblob.UploadBufferOptions{
			AccessConditions: &azblobblob.AccessConditions{
				ModifiedAccessConditions: &azblobblob.ModifiedAccessConditions{IfNoneMatch: &anyETag},
			},
		}
	}

	if _, err := blobClient.UploadBuffer(ctx, data, opts); err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to upload blob %s to %s: %w", key, a.name, classifyAzure(err))
	}

	return nil
}

// Get downloads a blob
func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	blobClient := a.container.NewBlobClient(joinPrefix(a.prefix, key))

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download blob %s from %s: %w", key, a.name, classifyAzure(err))
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob content: %w", &TransientError{Err: err})
	}

	return content, nil
}

// Exists checks if a blob exists
func (a *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := a.container.NewBlobClient(joinPrefix(a.prefix, key))

	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", classifyAzure(err))
	}

	return true, nil
}

func classifyAzure(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && transientStatus(respErr.StatusCode) {
		return &TransientError{Err: err}
	}
	return err
}
