package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOAuth struct {
	config       oauth.ClientConfig
	authErr      error
	cbErr        error
	loggedOut    []syntax.DID
	lastLogin    string
	lastCallback oauth.CallbackParams
}

func (f *fakeOAuth) Authorize(ctx context.Context, identifier string, opts oauth.AuthorizeOptions) (string, error) {
	f.lastLogin = identifier
	if f.authErr != nil {
		return "", f.authErr
	}
	return "https://auth.example.com/oauth/authorize?state=abc", nil
}

func (f *fakeOAuth) Callback(ctx context.Context, params oauth.CallbackParams) (*oauth.SessionData, *identity.Identity, error) {
	f.lastCallback = params
	if params.Error != "" {
		return nil, nil, &oauth.CallbackError{Err: oauth.ErrAuthServerError}
	}
	if f.cbErr != nil {
		return nil, nil, f.cbErr
	}
	did := syntax.DID("did:plc:alice111")
	return &oauth.SessionData{AccountDID: did}, &identity.Identity{DID: did, Handle: syntax.Handle("alice.test")}, nil
}

func (f *fakeOAuth) Logout(ctx context.Context, did syntax.DID) error {
	f.loggedOut = append(f.loggedOut, did)
	return nil
}

func (f *fakeOAuth) ClientMetadata() oauth.ClientMetadata {
	return f.config.ClientMetadata()
}

func (f *fakeOAuth) JWKS() jwk.Set {
	return jwk.NewSet()
}

func testServer(t *testing.T) (*Server, *fakeOAuth) {
	fake := &fakeOAuth{config: oauth.NewClientConfig("http://localhost:10000")}
	srv, err := NewServer(Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OAuth:         fake,
		SessionSecret: "test-secret-test-secret-test-secret",
	})
	require.NoError(t, err)
	return srv, fake
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func withCookies(req *http.Request, rec *httptest.ResponseRecorder) *http.Request {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestStaticEndpoints(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/oauth-client-metadata.json", nil))
	assert.Equal(http.StatusOK, rec.Code)
	var meta oauth.ClientMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal("http://localhost:10000/oauth-client-metadata.json", meta.ClientID)
	assert.Equal([]string{"http://localhost:10000/callback"}, meta.RedirectURIs)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/jwks.json", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"keys"`)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/_health", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"status":"ok"`)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `name="username"`)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "Not logged in")
}

func loginForm(username string) *http.Request {
	form := url.Values{"username": {username}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestLogin(t *testing.T) {
	assert := assert.New(t)
	srv, fake := testServer(t)

	rec := do(srv, loginForm("alice.test"))
	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("https://auth.example.com/oauth/authorize?state=abc", rec.Header().Get("Location"))
	assert.Equal("alice.test", fake.lastLogin)

	// failures are a generic 500, with no details
	fake.authErr = &oauth.AuthorizationError{Identifier: "nobody.test", Err: fmt.Errorf("secret internal detail")}
	rec = do(srv, loginForm("nobody.test"))
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.NotContains(rec.Body.String(), "secret internal detail")
}

func TestCallbackAndLogout(t *testing.T) {
	assert := assert.New(t)
	srv, fake := testServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/callback?code=c1&state=abc&iss=https://auth.example.com", nil))
	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/", rec.Header().Get("Location"))
	require.NotEmpty(t, rec.Result().Cookies())
	// browser-session cookie
	cookie := rec.Result().Cookies()[0]
	assert.Equal(sessionCookieName, cookie.Name)
	assert.Equal(0, cookie.MaxAge)
	assert.True(cookie.Expires.IsZero())
	assert.True(cookie.HttpOnly)

	home := do(srv, withCookies(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	assert.Equal(http.StatusOK, home.Code)
	assert.Contains(home.Body.String(), "@alice.test")
	assert.Contains(home.Body.String(), "did:plc:alice111")

	out := do(srv, withCookies(httptest.NewRequest(http.MethodGet, "/logout", nil), rec))
	assert.Equal(http.StatusFound, out.Code)
	assert.Equal([]syntax.DID{"did:plc:alice111"}, fake.loggedOut)

	home = do(srv, withCookies(httptest.NewRequest(http.MethodGet, "/", nil), out))
	assert.Contains(home.Body.String(), "Not logged in")
}

func TestCallbackErrors(t *testing.T) {
	assert := assert.New(t)
	srv, fake := testServer(t)

	// auth server reported an error
	rec := do(srv, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied&state=abc", nil))
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Empty(rec.Result().Cookies())
	// the state is still handed over, so the pending request gets consumed
	assert.Equal("abc", fake.lastCallback.State)
	assert.Equal("access_denied", fake.lastCallback.Error)

	// missing state
	rec = do(srv, httptest.NewRequest(http.MethodGet, "/callback?code=c1", nil))
	assert.Equal(http.StatusInternalServerError, rec.Code)

	fake.cbErr = &oauth.InvalidStateError{State: "abc"}
	rec = do(srv, httptest.NewRequest(http.MethodGet, "/callback?code=c1&state=abc&iss=https://auth.example.com", nil))
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Empty(rec.Result().Cookies())

	fake.cbErr = &oauth.IdentityError{DID: "did:plc:alice111", Err: identity.ErrHandleMismatch}
	rec = do(srv, httptest.NewRequest(http.MethodGet, "/callback?code=c1&state=abc&iss=https://auth.example.com", nil))
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Empty(rec.Result().Cookies())
}

func TestTamperedCookie(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "not-a-valid-signed-value"})
	rec := do(srv, req)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "Not logged in")
}

func TestNewServerConfig(t *testing.T) {
	assert := assert.New(t)

	_, err := NewServer(Config{OAuth: &fakeOAuth{}})
	assert.Error(err)
	_, err = NewServer(Config{SessionSecret: "secret"})
	assert.Error(err)
}

func TestRunAPIListenError(t *testing.T) {
	assert := assert.New(t)

	// occupy a port, then try to serve on it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := NewServer(Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bind:          ln.Addr().String(),
		OAuth:         &fakeOAuth{},
		SessionSecret: "test-secret-test-secret-test-secret",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.RunAPI() }()
	select {
	case err := <-done:
		assert.ErrorIs(err, syscall.EADDRINUSE)
	case <-time.After(5 * time.Second):
		t.Fatal("RunAPI did not return after listen failure")
	}
}
