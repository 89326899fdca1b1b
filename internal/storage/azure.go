package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig holds Azure Blob Storage backend configuration. The first
// usable method wins: connection string, SAS token, account key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // Azurite or sovereign cloud endpoint
}

// AzureBlobBackend archives files as block blobs in one container
type AzureBlobBackend struct {
	container *container.Client
	name      string
	logger    zerolog.Logger
}

// NewAzureBlobBackend creates an Azure backend. A missing container is logged,
// not fatal.
func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, errors.New("archive.azure_container is required for the azure backend")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	cc := client.ServiceClient().NewContainerClient(cfg.ContainerName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cc.GetProperties(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("Archive container not reachable yet")
	} else {
		log.Info().Str("auth", method).Msg("Archiving to Azure Blob Storage")
	}

	return &AzureBlobBackend{container: cc, name: cfg.ContainerName, logger: log}, nil
}

// newAzureClient builds a client from the first configured credential and
// names the method it used
func newAzureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		return client, "connection_string", wrapAzure(err, "connection string")

	case cfg.AccountName != "" && cfg.SASToken != "":
		client, err := azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
		return client, "sas_token", wrapAzure(err, "SAS token")

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", wrapAzure(err, "shared key")
		}
		client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		return client, "account_key", wrapAzure(err, "shared key")

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", wrapAzure(err, "managed identity")
		}
		client, err := azblob.NewClient(endpoint, cred, nil)
		return client, "managed_identity", wrapAzure(err, "managed identity")

	default:
		return nil, "", errors.New("no Azure credentials configured: set archive.azure_connection_string, azure_account_name with azure_account_key or azure_sas_token, or azure_use_managed_identity")
	}
}

func wrapAzure(err error, method string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to create Azure client with %s: %w", method, err)
}

// Put streams r into a block blob named key
func (b *AzureBlobBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	start := time.Now()
	contentType := ContentType

	_, err := b.container.NewBlockBlobClient(key).UploadStream(ctx, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", b.name, key, err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Stored object")
	return nil
}

// Exists reads the blob properties for key
func (b *AzureBlobBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s/%s: %w", b.name, key, err)
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }
