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
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager builds S3 clients from one base AWS config. Assumed-role
// credentials are cached per region and role so every upload worker shares
// a single refreshing provider.
type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string
	tracer      trace.Tracer

	mu        sync.Mutex
	providers map[roleKey]aws.CredentialsProvider
}

type roleKey struct {
	Region  string
	RoleARN string
}

type managerConfig struct {
	sessionName string
	load        []func(*config.LoadOptions) error
}

// ManagerOption configures NewManager.
type ManagerOption func(*managerConfig)

// WithSessionName names the sessions created when assuming a role.
func WithSessionName(name string) ManagerOption {
	return func(c *managerConfig) { c.sessionName = name }
}

// WithLoadOptions passes extra options to config.LoadDefaultConfig.
func WithLoadOptions(opts ...func(*config.LoadOptions) error) ManagerOption {
	return func(c *managerConfig) { c.load = append(c.load, opts...) }
}

// NewManager loads the default AWS config and instruments it.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	mc := managerConfig{sessionName: "lakestage"}
	for _, opt := range opts {
		opt(&mc)
	}

	cfg, err := config.LoadDefaultConfig(ctx, mc.load...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: mc.sessionName,
		tracer:      otel.Tracer("github.com/cardinalhq/lakestage/internal/awsclient"),
		providers:   map[roleKey]aws.CredentialsProvider{},
	}, nil
}

// credentials returns the shared provider for key, creating it on first use.
func (m *Manager) credentials(key roleKey) aws.CredentialsProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[key]; ok {
		return p
	}
	p := m.baseCfg.Credentials
	if key.RoleARN != "" {
		p = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(m.stsClient, key.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = m.sessionName
		}))
	}
	m.providers[key] = p
	return p
}
