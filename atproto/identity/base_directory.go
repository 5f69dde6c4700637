package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"golang.org/x/time/rate"
)

// Does live network resolution on every call. The zero value ('BaseDirectory{}') is a usable Directory.
type BaseDirectory struct {
	// if non-empty, this string should have URL method, hostname, and optional port; it should not have a path or trailing slash
	PLCURL string
	// If not nil, this limiter will be used to rate-limit requests to the PLCURL
	PLCLimiter *rate.Limiter
	// HTTP client used for did:web, did:plc, and HTTP (well-known) handle resolution. Falls back to a client with a 10 second timeout.
	HTTPClient *http.Client
	// DNS resolver used for DNS handle resolution. Falls back to the system resolver.
	TXTResolver TXTResolver
	// set of handle domain suffixes for for which DNS handle resolution will be skipped
	SkipDNSDomainSuffixes []string
	// User-Agent header sent on outbound HTTP requests
	UserAgent string
	Logger    *slog.Logger
}

var _ Directory = (*BaseDirectory)(nil)
var _ HandleResolver = (*BaseDirectory)(nil)
var _ DIDResolver = (*BaseDirectory)(nil)

var fallbackHTTPClient = &http.Client{Timeout: 10 * time.Second}

func (d *BaseDirectory) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return fallbackHTTPClient
}

func (d *BaseDirectory) txtResolver() TXTResolver {
	if d.TXTResolver != nil {
		return d.TXTResolver
	}
	return net.DefaultResolver
}

func (d *BaseDirectory) plcURL() string {
	if d.PLCURL != "" {
		return d.PLCURL
	}
	return DefaultPLCURL
}

func (d *BaseDirectory) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With("component", "identity")
}

func (d *BaseDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, fmt.Errorf("could not verify handle/DID mapping: %w", err)
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	ident.Handle = declared
	return &ident, nil
}

func (d *BaseDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	declared, err := ident.DeclaredHandle()
	if err != nil {
		// no declared handle; identity is returned with handle.invalid
		return &ident, nil
	}
	resolvedDID, err := d.ResolveHandle(ctx, declared)
	if err != nil {
		d.logger().Info("declared handle did not resolve", "did", did, "handle", declared, "err", err)
		return &ident, nil
	}
	if resolvedDID == did {
		ident.Handle = declared
	}
	return &ident, nil
}

func (d *BaseDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*Identity, error) {
	handle, err := a.AsHandle()
	if nil == err { // if *not* an error
		return d.LookupHandle(ctx, handle)
	}
	did, err := a.AsDID()
	if nil == err { // if *not* an error
		return d.LookupDID(ctx, did)
	}
	return nil, fmt.Errorf("at-identifier neither a Handle nor a DID")
}

func (d *BaseDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	return nil
}
