package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// DID documents larger than this are rejected.
const maxDIDDocumentSize = 1 << 20

// Resolves a did:plc or did:web to a DID document. The returned document is checked to have an "id" matching the requested DID.
//
// WARNING: this does *not* bi-directionally verify account metadata; use LookupDID for that.
func (d *BaseDirectory) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	start := time.Now()
	var doc *DIDDocument
	var err error
	switch did.Method() {
	case "web":
		doc, err = d.resolveDIDWeb(ctx, did)
	case "plc":
		doc, err = d.resolveDIDPLC(ctx, did)
	default:
		err = fmt.Errorf("%w: %s", ErrDIDMethodUnsupported, did.Method())
	}
	if err == nil && doc.DID != did {
		err = fmt.Errorf("%w: document id %q does not match %s", ErrDIDResolutionFailed, doc.DID, did)
	}

	status := "success"
	if errors.Is(err, ErrDIDNotFound) {
		status = "not_found"
	} else if err != nil {
		status = "error"
	}
	didResolution.WithLabelValues("base", status).Inc()
	didResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *BaseDirectory) resolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	hostname := did.Identifier()
	// paths and ports are not supported in atproto did:web
	if strings.Contains(hostname, ":") || strings.Contains(hostname, "%") {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	handle, err := syntax.ParseHandle(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	if !handle.AllowedTLD() {
		return nil, fmt.Errorf("%w: did:web hostname has disallowed TLD: %s", ErrDIDResolutionFailed, hostname)
	}
	return d.fetchDIDDocument(ctx, "https://"+handle.Normalize().String()+"/.well-known/did.json")
}

func (d *BaseDirectory) resolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if d.PLCLimiter != nil {
		if err := d.PLCLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for PLC directory rate limit: %w", err)
		}
	}
	return d.fetchDIDDocument(ctx, d.plcURL()+"/"+did.String())
}

func (d *BaseDirectory) fetchDIDDocument(ctx context.Context, docURL string) (*DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing HTTP request for DID resolution: %w", err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrDIDNotFound
		}
		return nil, fmt.Errorf("%w: HTTP request: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()

	// 410 Gone is a tombstoned did:plc
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP status %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDIDDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing DID document JSON: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}
