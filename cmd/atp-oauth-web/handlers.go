package main

import (
	"errors"
	"net/http"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
)

// Name of the signed session cookie, holding the logged-in account
const sessionCookieName = "atp-oauth"

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// The logged-in account, as stored in the session cookie.
type WebUser struct {
	DID    syntax.DID
	Handle string
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "atp-oauth-web", Version: versioninfo.Short()})
}

func (srv *Server) ClientMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.oauth.ClientMetadata())
}

func (srv *Server) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.oauth.JWKS())
}

// Returns the current user from the session cookie, or nil if not logged in.
func (srv *Server) currentUser(c echo.Context) *WebUser {
	sess, err := srv.cookies.Get(c.Request(), sessionCookieName)
	if err != nil {
		// invalid or tampered cookie; treat as logged out
		return nil
	}
	raw, ok := sess.Values["did"].(string)
	if !ok {
		return nil
	}
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return nil
	}
	handle, _ := sess.Values["handle"].(string)
	return &WebUser{DID: did, Handle: handle}
}

func (srv *Server) WebHome(c echo.Context) error {
	return c.Render(http.StatusOK, "home.html", map[string]any{"User": srv.currentUser(c)})
}

func (srv *Server) WebLogin(c echo.Context) error {
	return c.Render(http.StatusOK, "login.html", nil)
}

func (srv *Server) WebLoginSubmit(c echo.Context) error {
	ctx := c.Request().Context()

	username := c.FormValue("username")
	redirectURL, err := srv.oauth.Authorize(ctx, username, oauth.AuthorizeOptions{})
	if err != nil {
		srv.logger.Warn("OAuth login failed", "username", username, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	return c.Redirect(http.StatusFound, redirectURL)
}

func (srv *Server) OAuthCallback(c echo.Context) error {
	ctx := c.Request().Context()

	params, err := oauth.ParseCallbackParams(c.QueryParams())
	if err != nil {
		srv.logger.Warn("invalid OAuth callback", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	sessData, ident, err := srv.oauth.Callback(ctx, params)
	if err != nil {
		var stateErr *oauth.InvalidStateError
		var identErr *oauth.IdentityError
		switch {
		case errors.As(err, &stateErr):
			srv.logger.Warn("OAuth callback with unknown or reused state", "err", err)
		case errors.As(err, &identErr):
			srv.logger.Warn("OAuth callback identity verification failed", "did", identErr.DID, "err", err)
		default:
			srv.logger.Warn("OAuth callback failed", "err", err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	if err := srv.saveUser(c, sessData.AccountDID, ident); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	srv.logger.Info("login successful", "did", sessData.AccountDID, "handle", ident.Handle)
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) saveUser(c echo.Context, did syntax.DID, ident *identity.Identity) error {
	// a stale or tampered cookie results in an error here, along with a fresh session
	sess, _ := srv.cookies.Get(c.Request(), sessionCookieName)
	sess.Values["did"] = did.String()
	sess.Values["handle"] = ident.Handle.String()
	return sess.Save(c.Request(), c.Response())
}

func (srv *Server) Logout(c echo.Context) error {
	ctx := c.Request().Context()

	if user := srv.currentUser(c); user != nil {
		if err := srv.oauth.Logout(ctx, user.DID); err != nil {
			srv.logger.Error("failed to delete OAuth session", "did", user.DID, "err", err)
		}
	}

	// wipe the cookie session
	sess, _ := srv.cookies.Get(c.Request(), sessionCookieName)
	sess.Values = make(map[any]any)
	sess.Options.MaxAge = -1
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	return c.Redirect(http.StatusFound, "/")
}
