package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/google/go-querystring/query"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/bluesky-social/atp-oauth/atproto/auth/oauth")

// A confidential atproto OAuth client application. Holds no mutable state after construction, and is safe for concurrent use.
type ClientApp struct {
	Config   ClientConfig
	Keys     *KeySet
	Dir      identity.Directory
	Resolver *Resolver
	States   StateStore
	Sessions SessionStore

	// Used for PAR and token requests. Should not retry requests on its own: authorization codes are single-use.
	Client *http.Client
	Logger *slog.Logger

	metadata ClientMetadata
	jwks     jwk.Set
}

// Validates the client configuration and renders the (immutable) client metadata and public JWKS.
//
// An empty KeySet is allowed; every Authorize call will then fail with ErrNoSigningKey.
func NewClientApp(config ClientConfig, keys *KeySet, dir identity.Directory, states StateStore, sessions SessionStore) (*ClientApp, error) {
	meta := config.ClientMetadata()
	if err := meta.Validate(config.ClientID); err != nil {
		return nil, err
	}
	jwks, err := keys.PublicJWKS()
	if err != nil {
		return nil, fmt.Errorf("building client JWKS: %w", err)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &ClientApp{
		Config:   config,
		Keys:     keys,
		Dir:      dir,
		Resolver: NewResolver(nil),
		States:   states,
		Sessions: sessions,
		Client:   &http.Client{Timeout: config.RequestTimeout},
		Logger:   slog.Default().With("component", "oauth"),
		metadata: meta,
		jwks:     jwks,
	}, nil
}

// The client metadata document, as served at the client_id URL.
func (app *ClientApp) ClientMetadata() ClientMetadata {
	return app.metadata
}

// The public JWK set, as served at the jwks_uri URL.
func (app *ClientApp) JWKS() jwk.Set {
	return app.jwks
}

func (app *ClientApp) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, app.Config.RequestTimeout)
}

// Starts a login flow for an account identifier (handle or DID, as typed by the user), returning the auth server URL to redirect the user to.
//
// The identifier is resolved and bi-directionally verified, the account's auth server is discovered, and the pending request is persisted under a fresh state token. All failures are returned as [*AuthorizationError], and nothing is persisted in that case.
func (app *ClientApp) Authorize(ctx context.Context, identifier string, opts AuthorizeOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "oauth.Authorize")
	defer span.End()

	redirectURL, err := app.authorize(ctx, identifier, opts)
	if err != nil {
		authorizeRequests.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorize failed")
		return "", &AuthorizationError{Identifier: identifier, Err: err}
	}
	authorizeRequests.WithLabelValues("success").Inc()
	return redirectURL, nil
}

func (app *ClientApp) authorize(ctx context.Context, identifier string, opts AuthorizeOptions) (string, error) {
	key, err := app.Keys.Primary()
	if err != nil {
		return "", err
	}

	rctx, cancel := app.stepContext(ctx)
	ident, err := identity.ResolveIdentifier(rctx, app.Dir, identifier)
	cancel()
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("did", ident.DID.String()))

	host := ident.PDSEndpoint()
	if host == "" {
		return "", fmt.Errorf("account %s does not declare a PDS", ident.DID)
	}

	authMeta, err := app.discover(ctx, host)
	if err != nil {
		return "", err
	}

	dpop, dpopJWK, err := generateDPoPKey()
	if err != nil {
		return "", err
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = app.Config.Scopes
	}
	loginHint := opts.LoginHint
	if loginHint == "" {
		loginHint = ident.Handle.String()
	}

	did := ident.DID
	verifier := newPKCEVerifier()
	info := AuthRequestData{
		State:                           randomNonce(),
		AuthServerURL:                   authMeta.Issuer,
		AuthServerTokenEndpoint:         authMeta.TokenEndpoint,
		AuthServerAuthorizationEndpoint: authMeta.AuthorizationEndpoint,
		AccountDID:                      &did,
		HostURL:                         host,
		Scopes:                          scopes,
		PKCEVerifier:                    verifier,
		DPoPPrivateKeyJWK:               dpopJWK,
		CreatedAt:                       time.Now().UTC(),
	}

	if authMeta.PushedAuthorizationRequestEndpoint != "" {
		par := PushedAuthRequest{
			ClientID:            app.Config.ClientID,
			State:               info.State,
			RedirectURI:         app.Config.RedirectURI,
			Scope:               strings.Join(scopes, " "),
			LoginHint:           &loginHint,
			ResponseType:        "code",
			ClientAssertionType: ClientAssertionJWTBearer,
			CodeChallenge:       S256CodeChallenge(verifier),
			CodeChallengeMethod: "S256",
		}
		if opts.Prompt != "" {
			par.Prompt = &opts.Prompt
		}
		var parResp PushedAuthResponse
		pctx, cancel := app.stepContext(ctx)
		nonce, err := app.authServerPost(pctx, "par", authMeta.PushedAuthorizationRequestEndpoint, dpop, "", func() (url.Values, error) {
			assertion, err := newClientAssertion(key, app.Config.ClientID, authMeta.Issuer)
			if err != nil {
				return nil, err
			}
			par.ClientAssertion = assertion
			return query.Values(par)
		}, &parResp)
		cancel()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPushedAuthRequest, err)
		}
		if parResp.RequestURI == "" {
			return "", fmt.Errorf("%w: no request_uri in response", ErrPushedAuthRequest)
		}
		info.RequestURI = parResp.RequestURI
		info.DPoPAuthServerNonce = nonce
	}

	if err := app.States.SaveAuthRequest(ctx, info, app.Config.StateTTL); err != nil {
		return "", fmt.Errorf("persisting auth request: %w", err)
	}
	app.Logger.Info("started OAuth login", "did", did, "authServer", authMeta.Issuer, "par", info.RequestURI != "")

	return app.authorizationURL(authMeta.AuthorizationEndpoint, &info, loginHint, opts.Prompt)
}

// Finds and validates the auth server for a PDS, as one network step.
func (app *ClientApp) discover(ctx context.Context, host string) (*AuthServerMetadata, error) {
	ctx, cancel := app.stepContext(ctx)
	defer cancel()

	authURL, err := app.Resolver.ResolveAuthServerURL(ctx, host)
	if err != nil {
		return nil, err
	}
	return app.Resolver.ResolveAuthServerMetadata(ctx, authURL)
}

func (app *ClientApp) authorizationURL(endpoint string, info *AuthRequestData, loginHint, prompt string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", app.Config.ClientID)
	q.Set("redirect_uri", app.Config.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(info.Scopes, " "))
	q.Set("state", info.State)
	q.Set("code_challenge", S256CodeChallenge(info.PKCEVerifier))
	q.Set("code_challenge_method", "S256")
	if info.RequestURI != "" {
		q.Set("request_uri", info.RequestURI)
	}
	if loginHint != "" {
		q.Set("login_hint", loginHint)
	}
	if prompt != "" {
		q.Set("prompt", prompt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Completes a login flow from the auth server's redirect back to the client.
//
// The pending auth request is consumed atomically, so a state token can be used at most once. Returns [*InvalidStateError] for unknown or reused state, [*CallbackError] for auth server, issuer, and token exchange failures, and [*IdentityError] if the account could not be verified after the exchange. A session is only persisted on success.
func (app *ClientApp) Callback(ctx context.Context, params CallbackParams) (*SessionData, *identity.Identity, error) {
	ctx, span := tracer.Start(ctx, "oauth.Callback")
	defer span.End()

	sess, ident, err := app.callback(ctx, params)
	if err != nil {
		var stateErr *InvalidStateError
		var identErr *IdentityError
		switch {
		case errors.As(err, &stateErr):
			callbackRequests.WithLabelValues("invalid_state").Inc()
		case errors.As(err, &identErr):
			callbackRequests.WithLabelValues("identity_error").Inc()
		default:
			callbackRequests.WithLabelValues("error").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return nil, nil, err
	}
	callbackRequests.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("did", sess.AccountDID.String()))
	return sess, ident, nil
}

func (app *ClientApp) callback(ctx context.Context, params CallbackParams) (*SessionData, *identity.Identity, error) {
	if params.State == "" {
		return nil, nil, &InvalidStateError{}
	}
	info, err := app.States.TakeAuthRequest(ctx, params.State)
	if errors.Is(err, ErrAuthRequestNotFound) {
		return nil, nil, &InvalidStateError{State: params.State}
	}
	if err != nil {
		return nil, nil, &CallbackError{Err: fmt.Errorf("loading auth request: %w", err)}
	}

	// the auth request is consumed either way, so a refused login can't be resumed
	if params.Error != "" {
		return nil, nil, &CallbackError{Err: params.authServerError()}
	}
	if params.Iss != info.AuthServerURL {
		return nil, nil, &CallbackError{Err: fmt.Errorf("%w: got %q, expected %q", ErrIssuerMismatch, params.Iss, info.AuthServerURL)}
	}
	if params.Code == "" {
		return nil, nil, &CallbackError{Err: fmt.Errorf("missing authorization code")}
	}

	key, err := app.Keys.Primary()
	if err != nil {
		return nil, nil, &CallbackError{Err: err}
	}
	dpop, err := parseDPoPKey(info.DPoPPrivateKeyJWK)
	if err != nil {
		return nil, nil, &CallbackError{Err: err}
	}

	var tokenResp TokenResponse
	tctx, cancel := app.stepContext(ctx)
	nonce, err := app.authServerPost(tctx, "token", info.AuthServerTokenEndpoint, dpop, info.DPoPAuthServerNonce, func() (url.Values, error) {
		assertion, err := newClientAssertion(key, app.Config.ClientID, info.AuthServerURL)
		if err != nil {
			return nil, err
		}
		return query.Values(InitialTokenRequest{
			ClientID:            app.Config.ClientID,
			RedirectURI:         app.Config.RedirectURI,
			GrantType:           "authorization_code",
			Code:                params.Code,
			CodeVerifier:        info.PKCEVerifier,
			ClientAssertionType: ClientAssertionJWTBearer,
			ClientAssertion:     assertion,
		})
	}, &tokenResp)
	cancel()
	if err != nil {
		return nil, nil, &CallbackError{Err: fmt.Errorf("%w: %w", ErrTokenRequest, err)}
	}

	did, scopes, err := checkTokenResponse(&tokenResp, info)
	if err != nil {
		return nil, nil, &CallbackError{Err: err}
	}

	rctx, cancel := app.stepContext(ctx)
	ident, err := identity.ResolveIdentifier(rctx, app.Dir, did.String())
	cancel()
	if err != nil {
		return nil, nil, &IdentityError{DID: did, Err: err}
	}
	host := ident.PDSEndpoint()
	if host == "" {
		return nil, nil, &IdentityError{DID: did, Err: fmt.Errorf("account does not declare a PDS")}
	}

	now := time.Now().UTC()
	sess := SessionData{
		AccountDID:              did,
		HostURL:                 host,
		AuthServerURL:           info.AuthServerURL,
		AuthServerTokenEndpoint: info.AuthServerTokenEndpoint,
		Scopes:                  scopes,
		AccessToken:             tokenResp.AccessToken,
		RefreshToken:            tokenResp.RefreshToken,
		DPoPAuthServerNonce:     nonce,
		DPoPPrivateKeyJWK:       info.DPoPPrivateKeyJWK,
		CreatedAt:               now,
	}
	if tokenResp.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
		sess.ExpiresAt = &exp
	}
	if err := app.Sessions.SaveSession(ctx, sess, app.Config.SessionTTL); err != nil {
		return nil, nil, &CallbackError{Err: fmt.Errorf("persisting session: %w", err)}
	}
	app.Logger.Info("completed OAuth login", "did", did, "handle", ident.Handle, "authServer", info.AuthServerURL)
	return &sess, ident, nil
}

// Verifies the token response against the pending auth request, returning the account DID and granted scopes.
func checkTokenResponse(resp *TokenResponse, info *AuthRequestData) (syntax.DID, []string, error) {
	did, err := syntax.ParseDID(resp.Subject)
	if err != nil {
		return "", nil, fmt.Errorf("%w: subject: %w", ErrInvalidTokenResp, err)
	}
	if info.AccountDID != nil && did != *info.AccountDID {
		return "", nil, fmt.Errorf("%w: got %s, expected %s", ErrSubjectMismatch, did, *info.AccountDID)
	}
	if !strings.EqualFold(resp.TokenType, "DPoP") {
		return "", nil, fmt.Errorf("%w: token_type %q", ErrInvalidTokenResp, resp.TokenType)
	}
	if resp.AccessToken == "" {
		return "", nil, fmt.Errorf("%w: missing access_token", ErrInvalidTokenResp)
	}
	scopes := strings.Fields(resp.Scope)
	if !slices.Contains(scopes, "atproto") {
		return "", nil, fmt.Errorf("%w: granted scope missing 'atproto': %q", ErrInvalidTokenResp, resp.Scope)
	}
	return did, scopes, nil
}

// Removes the stored session for an account. Not an error if there was none.
func (app *ClientApp) Logout(ctx context.Context, did syntax.DID) error {
	if err := app.Sessions.DeleteSession(ctx, did); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	app.Logger.Info("logged out", "did", did)
	return nil
}

// Fetches the stored session for an account, if any.
func (app *ClientApp) Session(ctx context.Context, did syntax.DID) (*SessionData, error) {
	return app.Sessions.GetSession(ctx, did)
}
