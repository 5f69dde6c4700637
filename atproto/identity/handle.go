package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Does not cross-verify, only does the handle resolution step.
func (d *BaseDirectory) resolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	res, err := d.txtResolver().LookupTXT(ctx, "_atproto."+handle.String())
	// check for NXDOMAIN
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return "", ErrHandleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, err)
	}
	return parseTXTResp(res)
}

func parseTXTResp(res []string) (syntax.DID, error) {
	var found syntax.DID
	for _, s := range res {
		if !strings.HasPrefix(s, "did=") {
			continue
		}
		did, err := syntax.ParseDID(strings.TrimSpace(s[4:]))
		if err != nil {
			return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
		}
		if found != "" && found != did {
			return "", fmt.Errorf("%w: multiple DIDs in handle DNS records", ErrHandleResolutionFailed)
		}
		found = did
	}
	if found == "" {
		return "", ErrHandleNotFound
	}
	return found, nil
}

func (d *BaseDirectory) resolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/.well-known/atproto-did", handle), nil)
	if err != nil {
		return "", fmt.Errorf("constructing HTTP request for handle resolution: %w", err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		// check for NXDOMAIN
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: HTTP well-known request error: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrHandleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP well-known status %d", ErrHandleResolutionFailed, resp.StatusCode)
	}

	if resp.ContentLength > 2048 {
		return "", fmt.Errorf("%w: HTTP well-known route returned too much data", ErrHandleResolutionFailed)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("%w: HTTP well-known response fail to read: %w", ErrHandleResolutionFailed, err)
	}
	line := strings.TrimSpace(string(b))
	did, err := syntax.ParseDID(line)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DID in HTTP well-known response: %w", ErrHandleResolutionFailed, err)
	}
	return did, nil
}

// Resolves a handle to a DID, trying DNS TXT first and then the HTTPS well-known endpoint.
//
// Does not bi-directionally verify the result; use LookupHandle for that.
func (d *BaseDirectory) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	start := time.Now()
	handle = handle.Normalize()
	if handle.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	if !handle.AllowedTLD() {
		return "", ErrHandleReservedTLD
	}

	did, dnsErr := d.tryDNS(ctx, handle)
	if dnsErr == nil {
		d.recordHandle("success", start)
		return did, nil
	}

	did, httpErr := d.resolveHandleWellKnown(ctx, handle)
	if httpErr == nil {
		d.recordHandle("success", start)
		return did, nil
	}

	// return the most specific error: not-found only if both methods agree
	if errors.Is(dnsErr, ErrHandleNotFound) && errors.Is(httpErr, ErrHandleNotFound) {
		d.recordHandle("not_found", start)
		return "", ErrHandleNotFound
	}
	d.recordHandle("error", start)
	if errors.Is(httpErr, ErrHandleNotFound) {
		return "", dnsErr
	}
	return "", httpErr
}

func (d *BaseDirectory) tryDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	for _, suffix := range d.SkipDNSDomainSuffixes {
		if strings.HasSuffix(handle.String(), suffix) {
			return "", ErrHandleNotFound
		}
	}
	return d.resolveHandleDNS(ctx, handle)
}

func (d *BaseDirectory) recordHandle(status string, start time.Time) {
	handleResolution.WithLabelValues("base", status).Inc()
	handleResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
}
