package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Metadata documents larger than this are rejected.
const maxMetadataSize = 256 * 1024

// Discovers OAuth authorization servers for atproto resource servers (PDS instances).
type Resolver struct {
	Client    *http.Client
	UserAgent string
}

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{Client: client}
}

// Returns the origin ("scheme://host[:port]") of an https URL, or an error if it is not a valid public https URL.
func httpsOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" || u.Hostname() == "" {
		return "", fmt.Errorf("not a valid public https URL: %s", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (r *Resolver) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	// intentionally check for exactly HTTP 200 (not just 2xx)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: HTTP %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out); err != nil {
		return fmt.Errorf("parsing %s: %w", u, err)
	}
	return nil
}

// Finds the authorization server for a resource server (PDS), using the protected resource metadata document. Returns the auth server origin URL.
func (r *Resolver) ResolveAuthServerURL(ctx context.Context, hostURL string) (string, error) {
	origin, err := httpsOrigin(hostURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProtectedResource, err)
	}

	var body ProtectedResourceMetadata
	if err := r.getJSON(ctx, origin+"/.well-known/oauth-protected-resource", &body); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProtectedResource, err)
	}
	if len(body.AuthorizationServers) < 1 {
		return "", fmt.Errorf("%w: no auth server URL in protected resource document", ErrInvalidProtectedResource)
	}
	authURL, err := httpsOrigin(body.AuthorizationServers[0])
	if err != nil {
		return "", fmt.Errorf("%w: auth server URL: %w", ErrInvalidProtectedResource, err)
	}
	return authURL, nil
}

// Fetches and validates the authorization server metadata document for an auth server origin.
func (r *Resolver) ResolveAuthServerMetadata(ctx context.Context, serverURL string) (*AuthServerMetadata, error) {
	origin, err := httpsOrigin(serverURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAuthServerMetadata, err)
	}

	var meta AuthServerMetadata
	if err := r.getJSON(ctx, origin+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAuthServerMetadata, err)
	}
	if err := meta.Validate(origin); err != nil {
		return nil, err
	}
	return &meta, nil
}
