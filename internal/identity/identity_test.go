package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newAuthServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/tokens" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Subject-Token", token)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"token": {
				"catalog": [
					{
						"type": "rate-limit",
						"endpoints": [
							{"interface": "public", "url": "http://quota.example.test"},
							{"interface": "admin", "url": "http://quota-admin.example.test"}
						]
					}
				]
			}
		}`))
	}))
}

func TestClient_TokenAuthenticatesOnce(t *testing.T) {
	srv := newAuthServer(t, "secret-token")
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", "domain", "user-domain", srv.Client())

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "secret-token" {
		t.Errorf("expected secret-token, got %s", tok)
	}

	// second call should reuse the cached token without another request;
	// correctness here is that it still returns the same token.
	tok2, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok2 != tok {
		t.Errorf("expected cached token to match, got %s vs %s", tok2, tok)
	}
}

func TestClient_InvalidateForcesReauth(t *testing.T) {
	srv := newAuthServer(t, "secret-token")
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", "domain", "user-domain", srv.Client())

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Invalidate()

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error after invalidate: %v", err)
	}
	if tok != "secret-token" {
		t.Errorf("expected secret-token after reauth, got %s", tok)
	}
}

func TestClient_ServiceEndpointReturnsPublicInterface(t *testing.T) {
	srv := newAuthServer(t, "secret-token")
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", "domain", "user-domain", srv.Client())

	endpoint, err := c.ServiceEndpoint(context.Background(), "rate-limit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "http://quota.example.test" {
		t.Errorf("expected public endpoint, got %s", endpoint)
	}
}

func TestClient_ServiceEndpointUnknownType(t *testing.T) {
	srv := newAuthServer(t, "secret-token")
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", "domain", "user-domain", srv.Client())

	if _, err := c.ServiceEndpoint(context.Background(), "unknown-service"); err == nil {
		t.Error("expected an error for an unknown service type")
	}
}

func TestClient_AuthFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "wrong-pass", "domain", "user-domain", srv.Client())

	if _, err := c.Token(context.Background()); err == nil {
		t.Error("expected an error when the identity endpoint rejects credentials")
	}
}
