package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Scopes requested when the caller doesn't ask for specific ones.
var DefaultScopes = []string{"atproto", "transition:generic"}

// Static configuration of an OAuth client application. All URLs are derived from a single public base URL.
type ClientConfig struct {
	// Public base URL of the web app, with no trailing slash (eg, "https://app.example.com")
	BaseURL string

	// Full URL of the client metadata document; this is the OAuth client_id
	ClientID string

	// Callback URL the auth server redirects back to
	RedirectURI string

	// URL of the published public JWK set
	JWKSURI string

	// Human-readable name, optional
	ClientName string

	Scopes []string

	// How long a pending auth request stays valid
	StateTTL time.Duration

	// How long sessions are kept; zero means no expiry
	SessionTTL time.Duration

	// Upper bound on each network step (resolution, discovery, PAR, token exchange)
	RequestTimeout time.Duration
}

// Builds the standard configuration for a web app served at baseURL: the client metadata document at "/oauth-client-metadata.json", the callback at "/callback", and the JWKS at "/jwks.json".
func NewClientConfig(baseURL string) ClientConfig {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return ClientConfig{
		BaseURL:        baseURL,
		ClientID:       baseURL + "/oauth-client-metadata.json",
		RedirectURI:    baseURL + "/callback",
		JWKSURI:        baseURL + "/jwks.json",
		Scopes:         slices.Clone(DefaultScopes),
		StateTTL:       10 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// Renders the client metadata document for this configuration.
func (c *ClientConfig) ClientMetadata() ClientMetadata {
	appType := "web"
	alg := "ES256"
	m := ClientMetadata{
		ClientID:                    c.ClientID,
		ClientURI:                   &c.BaseURL,
		RedirectURIs:                []string{c.RedirectURI},
		GrantTypes:                  []string{"authorization_code", "refresh_token"},
		ResponseTypes:               []string{"code"},
		Scope:                       strings.Join(c.Scopes, " "),
		ApplicationType:             &appType,
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: &alg,
		DPoPBoundAccessTokens:       true,
		JWKSURI:                     &c.JWKSURI,
	}
	if c.ClientName != "" {
		m.ClientName = &c.ClientName
	}
	return m
}

// Expected response type from looking up OAuth Protected Resource information on a server (eg, a PDS instance)
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// not to be confused with client_id, this is a homepage URL for the client. If provided, the client_uri must have the same hostname as client_id.
	ClientURI *string `json:"client_uri,omitempty"`

	// At least one redirect URI is required.
	RedirectURIs []string `json:"redirect_uris"`

	// `authorization_code` must always be included. `refresh_token` is optional, but must be included if the client will make token refresh requests.
	GrantTypes []string `json:"grant_types"`

	// `code` must be included
	ResponseTypes []string `json:"response_types"`

	// All scope values which might be requested by the client are declared here. The `atproto` scope is required, so must be included here.
	Scope string `json:"scope"`

	// Must be one of `web` or `native`, with `web` as the default if not specified.
	ApplicationType *string `json:"application_type,omitempty"`

	// Confidential clients must set this to `private_key_jwt`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// `none` is never allowed here
	TokenEndpointAuthSigningAlg *string `json:"token_endpoint_auth_signing_alg,omitempty"`

	// DPoP is mandatory for all clients, so this must be present and true
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// URL pointing to a JWKS JSON object
	JWKSURI *string `json:"jwks_uri,omitempty"`

	// human-readable name of the client
	ClientName *string `json:"client_name,omitempty"`
}

// Checks that the metadata describes a valid atproto confidential web client, served at clientID.
//
// Redirect URIs must be https, except for "localhost" and "127.0.0.1" during development.
func (m *ClientMetadata) Validate(clientID string) error {
	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("%w: client_id", ErrInvalidClientMetadata)
	}
	if m.ApplicationType != nil && !slices.Contains([]string{"web", "native"}, *m.ApplicationType) {
		return fmt.Errorf("%w: application_type must be 'web', 'native', or undefined", ErrInvalidClientMetadata)
	}
	if !slices.Contains(m.GrantTypes, "authorization_code") {
		return fmt.Errorf("%w: grant_type must include 'authorization_code'", ErrInvalidClientMetadata)
	}
	if !slices.Contains(strings.Split(m.Scope, " "), "atproto") {
		return fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidClientMetadata)
	}
	if !slices.Contains(m.ResponseTypes, "code") {
		return fmt.Errorf("%w: response_types must include 'code'", ErrInvalidClientMetadata)
	}
	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must have at least one element", ErrInvalidClientMetadata)
	}
	for _, ru := range m.RedirectURIs {
		u, err := url.Parse(ru)
		if err != nil {
			return fmt.Errorf("%w: invalid redirect_uris: %w", ErrInvalidClientMetadata, err)
		}
		if u.Scheme != "https" && !isLoopback(u) {
			return fmt.Errorf("%w: web redirect_uris must have 'https' scheme", ErrInvalidClientMetadata)
		}
	}
	if m.TokenEndpointAuthMethod != "private_key_jwt" {
		return fmt.Errorf("%w: token_endpoint_auth_method must be 'private_key_jwt'", ErrInvalidClientMetadata)
	}
	if m.TokenEndpointAuthSigningAlg == nil || *m.TokenEndpointAuthSigningAlg != "ES256" {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg must be 'ES256'", ErrInvalidClientMetadata)
	}
	if !m.DPoPBoundAccessTokens {
		return fmt.Errorf("%w: dpop_bound_access_tokens must be true (DPoP is required)", ErrInvalidClientMetadata)
	}
	if m.JWKSURI == nil || *m.JWKSURI == "" {
		return fmt.Errorf("%w: jwks_uri is required for confidential clients", ErrInvalidClientMetadata)
	}
	return nil
}

func isLoopback(u *url.URL) bool {
	return u.Scheme == "http" && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1")
}

type AuthServerMetadata struct {
	// the "origin" URL of the Authorization Server. Must be a valid URL, with https scheme, and no path segments. Must match the origin of the URL used to fetch the metadata document itself.
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`

	// must include code
	ResponseTypesSupported []string `json:"response_types_supported"`

	// must include authorization_code
	GrantTypesSupported []string `json:"grant_types_supported"`

	// must include S256
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// must include private_key_jwt (confidential clients)
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// must include ES256
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`

	// must include atproto
	ScopesSupported []string `json:"scopes_supported"`

	AuthorizationResponseISSParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	// corresponds to the PAR endpoint URL; when set, auth requests are pushed before redirecting
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`

	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported"`
}

// Checks that the metadata is usable by this client, and that the issuer matches the origin of serverURL (the URL the document was requested for).
func (m *AuthServerMetadata) Validate(serverURL string) error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	u, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != "https" || u.Port() == "443" || (u.Path != "" && u.Path != "/") || u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: issuer URL must be an https origin: %s", ErrInvalidAuthServerMetadata, m.Issuer)
	}

	// check that Issuer matches domain this metadata document was fetched from
	srvu, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != srvu.Scheme || u.Host != srvu.Host {
		return fmt.Errorf("%w: issuer must match request URL", ErrInvalidAuthServerMetadata)
	}

	// authorization endpoint gets query params appended, so must not have its own fragment
	if err := checkEndpoint(m.AuthorizationEndpoint); err != nil {
		return fmt.Errorf("%w: authorization_endpoint: %w", ErrInvalidAuthServerMetadata, err)
	}
	if err := checkEndpoint(m.TokenEndpoint); err != nil {
		return fmt.Errorf("%w: token_endpoint: %w", ErrInvalidAuthServerMetadata, err)
	}
	if m.PushedAuthorizationRequestEndpoint != "" {
		if err := checkEndpoint(m.PushedAuthorizationRequestEndpoint); err != nil {
			return fmt.Errorf("%w: pushed_authorization_request_endpoint: %w", ErrInvalidAuthServerMetadata, err)
		}
	} else if m.RequirePushedAuthorizationRequests {
		return fmt.Errorf("%w: PAR required but no pushed_authorization_request_endpoint", ErrInvalidAuthServerMetadata)
	}

	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: grant_types_supported must include 'authorization_code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_method must include 'S256'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.TokenEndpointAuthMethodsSupported, "private_key_jwt") {
		return fmt.Errorf("%w: token_endpoint_auth_methods_supported must include 'private_key_jwt'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.TokenEndpointAuthSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg_values_supported must include 'ES256'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.ScopesSupported, "atproto") {
		return fmt.Errorf("%w: scopes_supported must include 'atproto'", ErrInvalidAuthServerMetadata)
	}
	return nil
}

func checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" || u.Host == "" || u.Fragment != "" {
		return fmt.Errorf("must be an https URL: %q", raw)
	}
	return nil
}
