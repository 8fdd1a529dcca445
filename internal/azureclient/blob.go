// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package azureclient builds Azure Blob Storage clients for the object
// store.
package azureclient

import (
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// BlobClient pairs an azblob client with the tracer used for its spans.
type BlobClient struct {
	Client *azblob.Client
	Tracer trace.Tracer
}

// Profile describes one storage account.
type Profile struct {
	StorageAccount string
	// Endpoint overrides the account URL, e.g. for Azurite.
	Endpoint string
	// AccountKey selects shared key auth. Without it the default Azure
	// credential chain is used.
	AccountKey string
}

// ServiceURL is the blob endpoint for p.
func (p Profile) ServiceURL() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", p.StorageAccount)
}

// NewBlobClient builds a client for p.
func NewBlobClient(p Profile) (*BlobClient, error) {
	if p.StorageAccount == "" {
		return nil, errors.New("storage account is required")
	}

	var (
		client *azblob.Client
		err    error
	)
	if p.AccountKey != "" {
		cred, cerr := azblob.NewSharedKeyCredential(p.StorageAccount, p.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("invalid shared key: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(p.ServiceURL(), cred, nil)
	} else {
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("loading Azure credentials: %w", cerr)
		}
		client, err = azblob.NewClient(p.ServiceURL(), cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobClient{
		Client: client,
		Tracer: otel.Tracer("github.com/cardinalhq/lakestage/internal/azureclient"),
	}, nil
}
