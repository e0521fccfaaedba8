package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/torosent/crankswarm/internal/config"
)

// OAuth2Provider fetches tokens from an OAuth2 token endpoint with the client
// credentials or the resource owner password grant. Every user of a class
// shares one cached token.
type OAuth2Provider struct {
	tokenURL            string
	clientID            string
	clientSecret        string
	form                url.Values
	refreshBeforeExpiry time.Duration
	client              *http.Client
	now                 func() time.Time

	fetches singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time // zero when the endpoint gave no lifetime
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// NewOAuth2Provider builds a provider for an oauth2_client_credentials or
// oauth2_resource_owner configuration.
func NewOAuth2Provider(cfg config.AuthConfig, client *http.Client) (*OAuth2Provider, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth2: token_url is required")
	}
	form := url.Values{}
	switch cfg.Type {
	case config.AuthTypeOAuth2ClientCredentials:
		form.Set("grant_type", "client_credentials")
	case config.AuthTypeOAuth2ResourceOwner:
		form.Set("grant_type", "password")
		form.Set("username", cfg.Username)
		form.Set("password", cfg.Password)
	default:
		return nil, fmt.Errorf("oauth2: unsupported grant for auth type %q", cfg.Type)
	}
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Provider{
		tokenURL:            cfg.TokenURL,
		clientID:            cfg.ClientID,
		clientSecret:        cfg.ClientSecret,
		form:                form,
		refreshBeforeExpiry: cfg.RefreshBeforeExpiry,
		client:              client,
		now:                 time.Now,
	}, nil
}

// Token returns the cached token or fetches a new one. Concurrent callers
// share a single token request.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	if token, ok := p.cached(); ok {
		return token, nil
	}
	v, err, _ := p.fetches.Do("token", func() (interface{}, error) {
		if token, ok := p.cached(); ok {
			return token, nil
		}
		// The fetch outlives the caller that happened to start it.
		token, expiresIn, err := p.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.token = token
		p.expiry = time.Time{}
		if expiresIn > 0 {
			p.expiry = p.now().Add(time.Duration(expiresIn)*time.Second - p.refreshBeforeExpiry)
		}
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *OAuth2Provider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return "", false
	}
	if !p.expiry.IsZero() && !p.now().Before(p.expiry) {
		return "", false
	}
	return p.token, true
}

func (p *OAuth2Provider) fetch(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(p.form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("no access token in response")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// InjectHeader sets a bearer Authorization header on req.
func (p *OAuth2Provider) InjectHeader(ctx context.Context, req *http.Request) error {
	token, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
