// Package identity implements a password-grant authentication client against
// an OpenStack-Keystone-style identity endpoint, used only to discover the
// quota-service (Limes) endpoint from the service catalog and to hold a
// bearer token for calling it. The admission/provider code depends only on
// the small TokenSource interface below, not on this package's concrete
// HTTP details.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// TokenSource supplies a bearer token on demand, re-authenticating as
// needed. Implementations must be safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// CatalogEndpoint resolves the base URL for a named service from the
// identity provider's service catalog.
type CatalogEndpoint interface {
	ServiceEndpoint(ctx context.Context, serviceType string) (string, error)
}

type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string `json:"name"`
					Password string `json:"password"`
					Domain   struct {
						Name string `json:"name"`
					} `json:"domain"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Domain struct {
				Name string `json:"name"`
			} `json:"domain"`
		} `json:"scope"`
	} `json:"auth"`
}

type authResponse struct {
	Token struct {
		Catalog []catalogEntry `json:"catalog"`
	} `json:"token"`
}

type catalogEntry struct {
	Type      string         `json:"type"`
	Endpoints []catalogPoint `json:"endpoints"`
}

type catalogPoint struct {
	Interface string `json:"interface"`
	URL       string `json:"url"`
}

// Client is the production TokenSource + CatalogEndpoint implementation.
type Client struct {
	authURL        string
	username       string
	password       string
	domainName     string
	userDomainName string
	httpClient     *http.Client

	mu      sync.Mutex
	token   string
	catalog []catalogEntry
}

// NewClient builds a Client. httpClient should carry a sensible request
// timeout; a nil httpClient falls back to http.DefaultClient.
func NewClient(authURL, username, password, domainName, userDomainName string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		authURL:        authURL,
		username:       username,
		password:       password,
		domainName:     domainName,
		userDomainName: userDomainName,
		httpClient:     httpClient,
	}
}

// Token returns the current bearer token, authenticating if necessary.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}
	if err := c.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// Invalidate discards the cached token, forcing re-authentication on the
// next Token call. Called by RemoteProvider on a 401 from the quota
// service.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

// ServiceEndpoint returns the public interface URL for serviceType from the
// cached service catalog, authenticating first if the catalog hasn't been
// fetched yet.
func (c *Client) ServiceEndpoint(ctx context.Context, serviceType string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		if err := c.authenticateLocked(ctx); err != nil {
			return "", err
		}
	}

	for _, entry := range c.catalog {
		if entry.Type != serviceType {
			continue
		}
		for _, ep := range entry.Endpoints {
			if ep.Interface == "public" {
				return ep.URL, nil
			}
		}
	}
	return "", fmt.Errorf("identity: no public endpoint found for service type %q", serviceType)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	var body authRequest
	body.Auth.Identity.Methods = []string{"password"}
	body.Auth.Identity.Password.User.Name = c.username
	body.Auth.Identity.Password.User.Password = c.password
	body.Auth.Identity.Password.User.Domain.Name = c.userDomainName
	body.Auth.Scope.Domain.Name = c.domainName

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("identity: failed to encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/auth/tokens", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("identity: failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: auth request returned status %d", resp.StatusCode)
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return fmt.Errorf("identity: auth response missing X-Subject-Token header")
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("identity: failed to decode auth response: %w", err)
	}

	c.token = token
	c.catalog = parsed.Token.Catalog
	return nil
}
