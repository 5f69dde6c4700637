package oauth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

var ClientAssertionJWTBearer string = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Persisted information about a pending OAuth auth request, keyed by State.
type AuthRequestData struct {
	// The random identifier generated by the client for the auth request flow. Used as "primary key" for storing and retrieving this information.
	State string `json:"state"`

	// Issuer URL of the auth server (eg, PDS or entryway)
	AuthServerURL string `json:"authserver_url"`

	// Full token endpoint URL
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// Full authorization endpoint URL
	AuthServerAuthorizationEndpoint string `json:"authserver_authorization_endpoint"`

	// If the flow started with an account identifier (DID or handle), it is persisted, to verify against the token response.
	AccountDID *syntax.DID `json:"account_did,omitempty"`

	// PDS of the account, when known
	HostURL string `json:"host_url,omitempty"`

	// OAuth scope strings
	Scopes []string `json:"scopes"`

	// Returned by the PAR endpoint, when one was used
	RequestURI string `json:"request_uri,omitempty"`

	// The secret token which the PKCE code challenge was generated from
	PKCEVerifier string `json:"pkce_verifier"`

	// Server-provided DPoP nonce from the auth request (PAR)
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce,omitempty"`

	// The secret key generated by the client for this specific OAuth flow, as JWK JSON
	DPoPPrivateKeyJWK string `json:"dpop_private_jwk"`

	CreatedAt time.Time `json:"created_at"`
}

// Persisted information about an authenticated account session, keyed by AccountDID.
type SessionData struct {
	AccountDID syntax.DID `json:"account_did"`

	// Base URL of the account's PDS ("resource server")
	HostURL string `json:"host_url"`

	// Issuer URL of the auth server
	AuthServerURL string `json:"authserver_url"`

	// Full token endpoint URL, for refresh requests
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// Scopes granted by the auth server
	Scopes []string `json:"scopes"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Most recent DPoP nonce from the auth server
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce,omitempty"`

	// Key the access token is bound to, as JWK JSON
	DPoPPrivateKeyJWK string `json:"dpop_private_jwk"`

	// Access token expiry, if the auth server reported one
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// The fields which are included in a PAR request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type PushedAuthRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Random identifier for this request, generated by client
	State string `url:"state"`

	// Client-specified URL that will get redirected to by auth server at end of user auth flow
	RedirectURI string `url:"redirect_uri"`

	// Requested auth scopes, as a space-delimited list
	Scope string `url:"scope"`

	// Optional account identifier (DID or handle) to help with user account login and/or account switching
	LoginHint *string `url:"login_hint,omitempty"`

	// Optional hint to auth server of what expected auth behavior should be. Eg, 'create', 'none', 'consent', 'login', 'select_account'
	Prompt *string `url:"prompt,omitempty"`

	// Always "code"
	ResponseType string `url:"response_type"`

	// Always "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType string `url:"client_assertion_type"`

	// Confidential client signed JWT
	ClientAssertion string `url:"client_assertion"`

	// Client-generated PKCE challenge hash, derived from random "verifier" string
	CodeChallenge string `url:"code_challenge"`

	// Always "S256"
	CodeChallengeMethod string `url:"code_challenge_method"`
}

type PushedAuthResponse struct {
	// unique token in URI format, which will be used by the client in the auth flow redirect
	RequestURI string `json:"request_uri"`

	// positive integer indicating number of seconds the `request_uri` is valid for.
	ExpiresIn int `json:"expires_in"`
}

// The fields which are included in an initial token request. Form-encoded, like PushedAuthRequest.
type InitialTokenRequest struct {
	ClientID string `url:"client_id"`

	// Auth server will validate that this matches the redirect URI used during the auth flow
	RedirectURI string `url:"redirect_uri"`

	// Always `authorization_code`
	GrantType string `url:"grant_type"`

	// Authorization Code provided by the Auth Server via callback at the end of the auth request flow
	Code string `url:"code"`

	// PKCE verifier string
	CodeVerifier string `url:"code_verifier"`

	// Always "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType string `url:"client_assertion_type"`

	// The signed client assertion JWT
	ClientAssertion string `url:"client_assertion"`
}

// Expected response from Auth Server token endpoint.
type TokenResponse struct {
	Subject      string `json:"sub"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Standard OAuth error response body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Optional parameters for [ClientApp.Authorize].
type AuthorizeOptions struct {
	// Overrides the scopes from the client config
	Scopes []string

	// Passed through to the auth server, eg "login" or "consent"
	Prompt string

	// Overrides the login hint, which defaults to the identifier being authorized
	LoginHint string
}

// Query parameters of the redirect back from the auth server.
type CallbackParams struct {
	Code  string
	State string
	Iss   string

	// Set when the auth server redirected back with an error instead of a code
	Error            string
	ErrorDescription string
}

// Extracts callback parameters from a redirect query string.
//
// An auth server error which carries a state token is returned as params, not as an error, so that [ClientApp.Callback] can consume the pending auth request. Without a state there is nothing to consume, and a [*CallbackError] wrapping ErrAuthServerError is returned directly.
func ParseCallbackParams(q url.Values) (CallbackParams, error) {
	if e := q.Get("error"); e != "" {
		params := CallbackParams{
			State:            q.Get("state"),
			Iss:              q.Get("iss"),
			Error:            e,
			ErrorDescription: q.Get("error_description"),
		}
		if params.State == "" {
			return params, &CallbackError{Err: params.authServerError()}
		}
		return params, nil
	}
	params := CallbackParams{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Iss:   q.Get("iss"),
	}
	if params.State == "" {
		return params, &InvalidStateError{}
	}
	if params.Code == "" {
		return params, &CallbackError{Err: fmt.Errorf("missing authorization code")}
	}
	return params, nil
}

func (p CallbackParams) authServerError() error {
	if p.ErrorDescription != "" {
		return fmt.Errorf("%w: %s: %s", ErrAuthServerError, p.Error, p.ErrorDescription)
	}
	return fmt.Errorf("%w: %s", ErrAuthServerError, p.Error)
}
