package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Request metrics are registered globally, so the middleware is only built once per process.
var promMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("atp_oauth_web")
})

// The parts of [oauth.ClientApp] used by the web handlers.
type OAuthApp interface {
	Authorize(ctx context.Context, identifier string, opts oauth.AuthorizeOptions) (string, error)
	Callback(ctx context.Context, params oauth.CallbackParams) (*oauth.SessionData, *identity.Identity, error)
	Logout(ctx context.Context, did syntax.DID) error
	ClientMetadata() oauth.ClientMetadata
	JWKS() jwk.Set
}

var _ OAuthApp = (*oauth.ClientApp)(nil)

type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	oauth   OAuthApp
	cookies *sessions.CookieStore
	logger  *slog.Logger
}

type Config struct {
	Logger        *slog.Logger
	Bind          string
	OAuth         OAuthApp
	SessionSecret string
	// set the "Secure" attribute on session cookies; should be true whenever served over https
	SecureCookies bool
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.SessionSecret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if config.OAuth == nil {
		return nil, fmt.Errorf("OAuth client is required")
	}

	cookies := sessions.NewCookieStore([]byte(config.SessionSecret))
	// no MaxAge: the login lasts until the browser session ends. Signed values older than 30 days are still rejected.
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   0,
		HttpOnly: true,
		Secure:   config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:    e,
		oauth:   config.OAuth,
		cookies: cookies,
		logger:  logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Renderer = newRenderer()
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("atp-oauth-web"))
	e.Use(promMiddleware())
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/", srv.WebHome)
	e.GET("/oauth-client-metadata.json", srv.ClientMetadata)
	e.GET("/jwks.json", srv.JWKS)
	e.GET("/login", srv.WebLogin)
	e.POST("/login", srv.WebLoginSubmit)
	e.GET("/callback", srv.OAuthCallback)
	e.GET("/logout", srv.Logout)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	listenErr := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	// Wait for a signal to exit, or for the listener to fail.
	srv.logger.Info("registering OS exit signal handler")
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exitSignals)

	select {
	case err := <-listenErr:
		srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
		return fmt.Errorf("HTTP server: %w", err)
	case sig := <-exitSignals:
		srv.logger.Info("received OS exit signal", "signal", sig)
	}

	// Shut down the HTTP server
	if err := srv.Shutdown(); err != nil {
		srv.logger.Error("HTTP server shutdown error", "err", err)
		return err
	}
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// Renders a generic error page. Details are only logged, never shown to the user.
func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}
	if code >= 500 {
		srv.logger.Warn("atp-oauth-web-http-internal-error", "path", c.Path(), "err", err)
	}
	if c.Response().Committed {
		return
	}
	if err := c.Render(code, "error.html", map[string]any{"StatusCode": code, "StatusText": http.StatusText(code)}); err != nil {
		srv.logger.Error("failed to render error page", "err", err)
	}
}
