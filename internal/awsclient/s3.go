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

package awsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/otel/trace"
)

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

type s3Config struct {
	RoleARN      string
	Region       string
	static       aws.CredentialsProvider
	applyConfigs []func(*aws.Config)
	applyS3s     []func(*s3.Options)
}

// S3Option is a functional option for GetS3.
type S3Option func(*s3Config)

// WithRole sets the IAM Role ARN to assume (empty = no assume).
func WithRole(roleARN string) S3Option {
	return func(c *s3Config) {
		c.RoleARN = roleARN
	}
}

// WithRegion overrides the AWS region for this call.
func WithRegion(region string) S3Option {
	return func(c *s3Config) {
		c.Region = region
	}
}

// WithStaticCredentials uses a fixed access key pair instead of the default
// credential chain.
func WithStaticCredentials(accessKeyID, secretAccessKey string) S3Option {
	return func(c *s3Config) {
		c.static = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
}

// WithEndpoint forces a custom S3 endpoint (eg MinIO, Ceph).
func WithEndpoint(url string) S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(url)
		})
	}
}

// WithPathStyle uses path-style addressing instead of virtual-host.
func WithPathStyle() S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
}

// WithInsecureTLS turns off cert verification (for self-signed or insecure).
func WithInsecureTLS() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			cfg.HTTPClient = &http.Client{Transport: tr}
		})
	}
}

// WithGCPProvider talks to Google Cloud Storage through its S3 interoperability
// endpoint.
func WithGCPProvider() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			// GCS rejects the newer default integrity headers
			cfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			cfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			signForGCP(o)
		})
	}
}

// GCS signs requests without Accept-Encoding, which the Go HTTP transport
// adds. The header is lifted off before signing and put back after.
const acceptEncodingHeader = "Accept-Encoding"

type acceptEncodingKey struct{}

func acceptEncodingMiddleware(name string, before bool) middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(name,
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return middleware.FinalizeOutput{}, middleware.Metadata{},
					&v4.SigningError{Err: fmt.Errorf("unexpected request middleware type %T", in.Request)}
			}
			if before {
				ctx = middleware.WithStackValue(ctx, acceptEncodingKey{}, req.Header.Get(acceptEncodingHeader))
				req.Header.Del(acceptEncodingHeader)
			} else if v, _ := middleware.GetStackValue(ctx, acceptEncodingKey{}).(string); v != "" {
				req.Header.Set(acceptEncodingHeader, v)
			}
			in.Request = req
			return next.HandleFinalize(ctx, in)
		})
}

func signForGCP(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(acceptEncodingMiddleware("DropAcceptEncodingHeader", true), "Signing", middleware.Before); err != nil {
			return err
		}
		return stack.Finalize.Insert(acceptEncodingMiddleware("ReplaceAcceptEncodingHeader", false), "Signing", middleware.After)
	})
}

// GetS3 returns a client for the base config adjusted by opts.
func (m *Manager) GetS3(ctx context.Context, opts ...S3Option) (*S3Client, error) {
	sc := s3Config{
		Region: m.baseCfg.Region,
	}
	for _, o := range opts {
		o(&sc)
	}

	provider := sc.static
	if provider == nil {
		provider = m.credentials(roleKey{Region: sc.Region, RoleARN: sc.RoleARN})
	}

	cfg := m.baseCfg.Copy()
	cfg.Region = sc.Region
	cfg.Credentials = provider
	for _, fn := range sc.applyConfigs {
		fn(&cfg)
	}

	client := s3.NewFromConfig(cfg, sc.applyS3s...)

	return &S3Client{Client: client, Tracer: m.tracer}, nil
}

// Profile describes an S3 compatible bucket.
type Profile struct {
	Provider        string
	Region          string
	Endpoint        string
	Role            string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	InsecureTLS     bool
}

// GetS3ForProfile builds a client from a Profile.
func (m *Manager) GetS3ForProfile(ctx context.Context, p Profile) (*S3Client, error) {
	var opts []S3Option
	if p.Role != "" {
		opts = append(opts, WithRole(p.Role))
	}
	if p.Region != "" {
		opts = append(opts, WithRegion(p.Region))
	}
	if p.AccessKeyID != "" {
		opts = append(opts, WithStaticCredentials(p.AccessKeyID, p.SecretAccessKey))
	}
	if p.Endpoint != "" {
		opts = append(opts, WithEndpoint(p.Endpoint))
	} else if p.Provider == "gcp" {
		opts = append(opts, WithEndpoint("https://storage.googleapis.com"))
	}
	if p.PathStyle {
		opts = append(opts, WithPathStyle())
	}
	if p.InsecureTLS {
		opts = append(opts, WithInsecureTLS())
	}
	if p.Provider == "gcp" {
		opts = append(opts, WithGCPProvider())
	}
	return m.GetS3(ctx, opts...)
}
