package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Combined PDS and authorization server, checking requests roughly the way a real one would.
type fakeAuthServer struct {
	t         *testing.T
	srv       *httptest.Server
	clientID  string
	clientKey *ecdsa.PublicKey

	// behaviour knobs
	par         bool
	subject     string
	tokenStatus int
	issuer      string
	// added to discovery, and to PAR and token requests which pass the DPoP check
	stepDelay time.Duration

	nonce      string
	parCalls   atomic.Int64
	tokenCalls atomic.Int64

	lk         sync.Mutex
	challenges map[string]string // request_uri or state -> code_challenge
	lastPAR    map[string]string
}

func newFakeAuthServer(t *testing.T, clientID string, clientKey *ecdsa.PublicKey) *fakeAuthServer {
	f := &fakeAuthServer{
		t:           t,
		clientID:    clientID,
		clientKey:   clientKey,
		par:         true,
		subject:     "did:plc:alice111",
		tokenStatus: http.StatusOK,
		nonce:       "server-nonce-1",
		challenges:  make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", f.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", f.handleMetadata)
	mux.HandleFunc("POST /oauth/par", f.handlePAR)
	mux.HandleFunc("POST /oauth/token", f.handleToken)
	f.srv = httptest.NewTLSServer(mux)
	f.issuer = f.srv.URL
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAuthServer) URL() string {
	return f.srv.URL
}

func (f *fakeAuthServer) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:             f.srv.URL,
		AuthorizationServers: []string{f.srv.URL},
	})
}

func (f *fakeAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	time.Sleep(f.stepDelay)
	meta := AuthServerMetadata{
		Issuer:                                     f.issuer,
		AuthorizationEndpoint:                      f.srv.URL + "/oauth/authorize",
		TokenEndpoint:                              f.srv.URL + "/oauth/token",
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:              []string{"S256"},
		TokenEndpointAuthMethodsSupported:          []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		ScopesSupported:                            []string{"atproto", "transition:generic"},
		AuthorizationResponseISSParameterSupported: true,
		DPoPSigningAlgValuesSupported:              []string{"ES256"},
		ClientIDMetadataDocumentSupported:          true,
	}
	if f.par {
		meta.PushedAuthorizationRequestEndpoint = f.srv.URL + "/oauth/par"
		meta.RequirePushedAuthorizationRequests = true
	}
	writeJSON(w, http.StatusOK, meta)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Checks the DPoP proof, returning false (after writing a response) if the request must be retried with a nonce.
func (f *fakeAuthServer) checkDPoP(w http.ResponseWriter, r *http.Request) bool {
	proof := r.Header.Get("DPoP")
	claims := dpopClaims{}
	_, err := jwt.ParseWithClaims(proof, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Header["typ"] != "dpop+jwt" {
			return nil, fmt.Errorf("wrong typ")
		}
		raw, err := json.Marshal(tok.Header["jwk"])
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}
		return &pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_dpop_proof", ErrorDescription: err.Error()})
		return false
	}
	if claims.HTTPMethod != http.MethodPost || claims.TargetURI != f.srv.URL+r.URL.Path {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_dpop_proof", ErrorDescription: "htm/htu"})
		return false
	}
	if claims.Nonce == nil || *claims.Nonce != f.nonce {
		w.Header().Set("DPoP-Nonce", f.nonce)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "use_dpop_nonce"})
		return false
	}
	w.Header().Set("DPoP-Nonce", f.nonce)
	return true
}

func (f *fakeAuthServer) checkClientAssertion(r *http.Request) error {
	if r.PostForm.Get("client_id") != f.clientID {
		return fmt.Errorf("wrong client_id")
	}
	if r.PostForm.Get("client_assertion_type") != ClientAssertionJWTBearer {
		return fmt.Errorf("wrong client_assertion_type")
	}
	tok, err := jwt.Parse(r.PostForm.Get("client_assertion"), func(tok *jwt.Token) (any, error) {
		return f.clientKey, nil
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithIssuer(f.clientID),
		jwt.WithSubject(f.clientID),
		jwt.WithAudience(f.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return err
	}
	if tok.Header["kid"] != "kid-00" {
		return fmt.Errorf("unexpected kid: %v", tok.Header["kid"])
	}
	return nil
}

func (f *fakeAuthServer) handlePAR(w http.ResponseWriter, r *http.Request) {
	f.parCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	if !f.checkDPoP(w, r) {
		return
	}
	time.Sleep(f.stepDelay)
	if err := f.checkClientAssertion(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_client", ErrorDescription: err.Error()})
		return
	}
	if r.PostForm.Get("code_challenge_method") != "S256" || r.PostForm.Get("response_type") != "code" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	requestURI := "urn:ietf:params:oauth:request_uri:req-" + r.PostForm.Get("state")
	f.lk.Lock()
	f.challenges[r.PostForm.Get("state")] = r.PostForm.Get("code_challenge")
	f.lastPAR = map[string]string{
		"login_hint": r.PostForm.Get("login_hint"),
		"scope":      r.PostForm.Get("scope"),
		"prompt":     r.PostForm.Get("prompt"),
	}
	f.lk.Unlock()
	writeJSON(w, http.StatusCreated, PushedAuthResponse{RequestURI: requestURI, ExpiresIn: 60})
}

// The code handed back to the client is "code-{state}", so the token endpoint can find the PKCE challenge.
func (f *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	if !f.checkDPoP(w, r) {
		return
	}
	f.tokenCalls.Add(1)
	time.Sleep(f.stepDelay)
	if err := f.checkClientAssertion(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_client", ErrorDescription: err.Error()})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported_grant_type"})
		return
	}
	if f.tokenStatus != http.StatusOK {
		writeJSON(w, f.tokenStatus, errorResponse{Error: "invalid_grant"})
		return
	}
	if f.par {
		state := strings.TrimPrefix(r.PostForm.Get("code"), "code-")
		f.lk.Lock()
		challenge := f.challenges[state]
		f.lk.Unlock()
		if challenge != S256CodeChallenge(r.PostForm.Get("code_verifier")) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: "PKCE"})
			return
		}
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Subject:      f.subject,
		Scope:        "atproto transition:generic",
		AccessToken:  "access-token",
		TokenType:    "DPoP",
		RefreshToken: "refresh-token",
		ExpiresIn:    3600,
	})
}

// Identity directory which takes a while to answer, or gives up when the context does.
type slowDirectory struct {
	identity.Directory
	delay time.Duration
}

func (d *slowDirectory) Lookup(ctx context.Context, atid syntax.AtIdentifier) (*identity.Identity, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Directory.Lookup(ctx, atid)
}

type testApp struct {
	*ClientApp
	server *fakeAuthServer
	dir    *identity.MockDirectory
	store  *MemStore
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

// Builds a ClientApp wired to a fake auth server, with "alice.test" (did:plc:alice111) hosted there.
func newTestApp(t *testing.T) *testApp {
	key := newTestKey(t)
	config := NewClientConfig("https://app.example.com")
	config.RequestTimeout = 5 * time.Second
	server := newFakeAuthServer(t, config.ClientID, &key.PublicKey)

	dir := identity.NewMockDirectory()
	dir.Insert(identity.Identity{
		DID:         syntax.DID("did:plc:alice111"),
		Handle:      syntax.Handle("alice.test"),
		AlsoKnownAs: []string{"at://alice.test"},
		Services: map[string]identity.ServiceEndpoint{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: server.URL()},
		},
	})
	store := NewMemStore()

	app, err := NewClientApp(config, NewKeySet(key), &dir, store, store)
	if err != nil {
		t.Fatal(err)
	}
	app.Client = server.srv.Client()
	app.Resolver = NewResolver(server.srv.Client())
	return &testApp{ClientApp: app, server: server, dir: &dir, store: store}
}
