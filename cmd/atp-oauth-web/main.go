package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/util"
	"github.com/bluesky-social/atp-oauth/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "atp-oauth-web",
		Usage:   "atproto OAuth confidential client web app",
		Version: versioninfo.Short(),
		Action:  runServe,
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "public base URL of this web app; client metadata, callback, and JWKS URLs are derived from it",
			Value:   "http://localhost:10000",
			EnvVars: []string{"URL"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "local port for the web server to listen on",
			Value:   10000,
			EnvVars: []string{"PORT"},
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "comma-separated PEM-encoded P-256 client signing keys (PKCS#8 or SEC1); first is used for signing",
			EnvVars: []string{"PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:     "session-secret",
			Usage:    "random string/token used for session cookie security",
			Required: true,
			EnvVars:  []string{"SESSION_SECRET"},
		},
		&cli.StringFlag{
			Name:    "store-url",
			Usage:   "auth request and session storage: empty for in-memory, or redis://, postgres://, sqlite:// URL",
			EnvVars: []string{"STORE_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "client-name",
			Usage:   "human-readable client name, shown by auth servers",
			EnvVars: []string{"CLIENT_NAME"},
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "upper bound on each outbound network step (identity resolution, discovery, token exchange)",
			Value:   30 * time.Second,
			EnvVars: []string{"REQUEST_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "atp-plc-host",
			Usage:   "method, hostname, and port of PLC registry",
			Value:   "https://plc.directory",
			EnvVars: []string{"ATP_PLC_HOST"},
		},
		&cli.IntFlag{
			Name:    "plc-rate-limit",
			Usage:   "max number of requests per second to PLC registry",
			Value:   100,
			EnvVars: []string{"PLC_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "allow-private-hosts",
			Usage:   "allow outbound requests to private and loopback addresses, and non-standard ports (for local development only)",
			EnvVars: []string{"ALLOW_PRIVATE_HOSTS"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			Value:   "text",
			EnvVars: []string{"LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		generateKeyCmd,
	}

	return app.Run(args)
}

var generateKeyCmd = &cli.Command{
	Name:  "generate-key",
	Usage: "print a new P-256 client signing key, escaped for use in PRIVATE_KEY",
	Action: func(cctx *cli.Context) error {
		pemText, err := cliutil.GenerateKeyPEM()
		if err != nil {
			return err
		}
		fmt.Println(cliutil.EscapePEM(pemText))
		return nil
	},
}

func runServe(cctx *cli.Context) error {
	ctx := context.Background()
	logger := cliutil.ConfigLogger(os.Stdout, cctx.String("log-level"), cctx.String("log-format"))

	shutdownOTEL, err := configOTEL(ctx, "atp-oauth-web")
	if err != nil {
		return err
	}
	defer shutdownOTEL()

	baseURL, err := util.NormalizeBaseURL(cctx.String("url"))
	if err != nil {
		return err
	}
	config := oauth.NewClientConfig(baseURL)
	config.ClientName = cctx.String("client-name")
	config.RequestTimeout = cctx.Duration("request-timeout")

	stores, err := openStores(ctx, cctx.String("store-url"))
	if err != nil {
		return fmt.Errorf("configuring storage: %w", err)
	}
	defer stores.Close()

	userAgent := "atp-oauth-web/" + versioninfo.Short()
	netConfig := NetConfig{
		PLCHost:           cctx.String("atp-plc-host"),
		PLCRateLimit:      cctx.Int("plc-rate-limit"),
		AllowPrivateHosts: cctx.Bool("allow-private-hosts"),
		RequestTimeout:    config.RequestTimeout,
		UserAgent:         userAgent,
	}
	if netConfig.AllowPrivateHosts {
		logger.Warn("outbound requests to private network addresses are allowed; do not use this setting in production")
	}
	dir := buildDirectory(netConfig, stores.Redis)

	app, err := oauth.NewClientApp(config, oauth.LoadKeySet(cctx.String("private-key")), dir, stores.Store, stores.Store)
	if err != nil {
		return fmt.Errorf("configuring OAuth client: %w", err)
	}
	app.Client = oauthHTTPClient(netConfig)
	app.Resolver = oauth.NewResolver(discoveryHTTPClient(netConfig))
	app.Resolver.UserAgent = userAgent
	app.Logger = logger.With("component", "oauth")
	logger.Info("configured OAuth client", "client_id", config.ClientID, "redirect_uri", config.RedirectURI, "store", stores.Kind)

	srv, err := NewServer(Config{
		Logger:        logger,
		Bind:          fmt.Sprintf(":%d", cctx.Int("port")),
		OAuth:         app,
		SessionSecret: cctx.String("session-secret"),
		SecureCookies: strings.HasPrefix(baseURL, "https://"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct server: %w", err)
	}

	stores.StartCleanup(ctx, logger)

	// prometheus HTTP endpoint: /metrics
	go func() {
		if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
			slog.Error("failed to start metrics endpoint", "err", err)
		}
	}()

	return srv.RunAPI()
}
