package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"ducksearch/internal/config"
)

// azureUploader uploads artifacts to an Azure Blob Storage container using
// shared-key credentials.
type azureUploader struct {
	client    *azblob.Client
	container string
}

func newAzureUploader(cfg config.ArtifactMirrorConfig) (*azureUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("azure mirror requires bucket (container name)")
	}

	account := os.Getenv("DUCKSEARCH_AZURE_ACCOUNT")
	key := os.Getenv("DUCKSEARCH_AZURE_ACCOUNT_KEY")
	if account == "" || key == "" {
		return nil, fmt.Errorf("azure mirror requires DUCKSEARCH_AZURE_ACCOUNT and DUCKSEARCH_AZURE_ACCOUNT_KEY")
	}

	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("create Azure shared key credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", account)
	if cfg.Endpoint != "" {
		serviceURL = cfg.Endpoint
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}

	return &azureUploader{client: client, container: cfg.Bucket}, nil
}

func (u *azureUploader) upload(ctx context.Context, key string, body *os.File, size int64) error {
	_, err := u.client.UploadFile(ctx, u.container, key, body, nil)
	if err != nil {
		return fmt.Errorf("azure upload blob %q/%q: %w", u.container, key, err)
	}
	return nil
}
