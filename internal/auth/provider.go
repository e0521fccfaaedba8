// Package auth obtains the bearer tokens simulated users present to the
// system under test.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/torosent/crankswarm/internal/config"
)

// Provider supplies the Authorization header of outgoing requests.
type Provider interface {
	// Token returns a valid token, fetching a new one when the cached one
	// is missing or about to expire.
	Token(ctx context.Context) (string, error)

	// InjectHeader sets the Authorization header of req.
	InjectHeader(ctx context.Context, req *http.Request) error
}

// New returns the provider cfg declares, or nil when it declares none.
// client is used for token requests; nil selects a client with a 30s timeout.
func New(cfg config.AuthConfig, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AuthTypeBearer:
		return NewStaticTokenProvider(cfg.StaticToken), nil
	case config.AuthTypeOAuth2ClientCredentials, config.AuthTypeOAuth2ResourceOwner:
		p, err := NewOAuth2Provider(cfg, client)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}

// StaticTokenProvider presents a token obtained outside of crankswarm.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return p.token, nil
}

func (p *StaticTokenProvider) InjectHeader(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.token)
	return nil
}
