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

package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/lakestage/internal/awsclient"
	"github.com/cardinalhq/lakestage/internal/azureclient"
)

var (
	uploadCount  metric.Int64Counter
	uploadBytes  metric.Int64Counter
	uploadErrors metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakestage/internal/cloudstorage")

	var err error
	uploadCount, err = meter.Int64Counter(
		"lakestage.objstore.upload.count",
		metric.WithDescription("Number of objects uploaded"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.count counter: %w", err))
	}

	uploadBytes, err = meter.Int64Counter(
		"lakestage.objstore.upload.bytes",
		metric.WithDescription("Bytes uploaded to the object store"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.bytes counter: %w", err))
	}

	uploadErrors, err = meter.Int64Counter(
		"lakestage.objstore.upload.errors",
		metric.WithDescription("Number of failed object store uploads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.errors counter: %w", err))
	}
}

// ErrNotFound is returned by GetObject for a missing key.
var ErrNotFound = errors.New("object not found")

const contentType = "application/vnd.apache.parquet"

// Client is the object store seen by the upload manager. Keys are relative
// to the configured bucket and prefix.
type Client interface {
	// UploadObject stores the contents of sourceFilename at key, replacing
	// any existing object.
	UploadObject(ctx context.Context, key, sourceFilename string) error

	// GetObject opens the object at key for reading.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error
}

// Config selects and configures the object store backend.
type Config struct {
	Provider    string `mapstructure:"provider"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	Role        string `mapstructure:"role"`
	AccessKeyID string `mapstructure:"access_key_id"`
	// SecretAccessKey doubles as the shared account key for azure.
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
	InsecureTLS     bool   `mapstructure:"insecure_tls"`
	LocalRoot       string `mapstructure:"local_root"`
	AzureAccount    string `mapstructure:"azure_account"`
}

// NewClient builds the backend named by cfg.Provider.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case "local":
		if cfg.LocalRoot == "" {
			return nil, errors.New("objstore.local_root is required for the local provider")
		}
		return NewFileClient(cfg.LocalRoot, cfg.Bucket, cfg.Prefix), nil
	case "s3", "aws", "gcp", "":
		if cfg.Bucket == "" {
			return nil, errors.New("objstore.bucket is required")
		}
		mgr, err := awsclient.NewManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS manager: %w", err)
		}
		s3c, err := mgr.GetS3ForProfile(ctx, awsclient.Profile{
			Provider:        cfg.Provider,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Role:            cfg.Role,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PathStyle:       cfg.PathStyle,
			InsecureTLS:     cfg.InsecureTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return &s3Client{awsS3Client: s3c, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
	case "azure":
		if cfg.Bucket == "" {
			return nil, errors.New("objstore.bucket is required")
		}
		bc, err := azureclient.NewBlobClient(azureclient.Profile{
			StorageAccount: cfg.AzureAccount,
			Endpoint:       cfg.Endpoint,
			AccountKey:     cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
		}
		return &azureClient{blobClient: bc, container: cfg.Bucket, prefix: cfg.Prefix}, nil
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

func fullKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
