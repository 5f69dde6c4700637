package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sends a form-encoded POST to an auth server endpoint (PAR or token), with a DPoP proof.
//
// If the server responds asking for a DPoP nonce ("use_dpop_nonce"), the request is rebuilt and sent exactly once more with that nonce. On success the JSON body is decoded in to out. Returns the most recent server-provided nonce.
func (app *ClientApp) authServerPost(ctx context.Context, name, endpoint string, dpop *dpopKey, nonce string, form func() (url.Values, error), out any) (string, error) {
	for attempt := range 2 {
		vals, err := form()
		if err != nil {
			return nonce, fmt.Errorf("encoding %s request: %w", name, err)
		}
		proof, err := dpop.proof(http.MethodPost, endpoint, nonce)
		if err != nil {
			return nonce, fmt.Errorf("signing DPoP proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(vals.Encode()))
		if err != nil {
			return nonce, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("DPoP", proof)

		start := time.Now()
		resp, err := app.Client.Do(req)
		if err != nil {
			authServerRequestDuration.WithLabelValues(name, "error").Observe(time.Since(start).Seconds())
			return nonce, fmt.Errorf("%s request: %w", name, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		resp.Body.Close()
		authServerRequestDuration.WithLabelValues(name, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
		if err != nil {
			return nonce, fmt.Errorf("reading %s response: %w", name, err)
		}

		// check if a nonce was provided
		newNonce := resp.Header.Get("DPoP-Nonce")
		if newNonce != "" {
			nonce = newNonce
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if err := json.Unmarshal(body, out); err != nil {
				return nonce, fmt.Errorf("parsing %s response: %w", name, err)
			}
			return nonce, nil
		}

		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			app.Logger.Warn("auth server request failed", "request", name, "endpoint", endpoint, "statusCode", resp.StatusCode, "err", err)
		}
		if attempt == 0 && newNonce != "" && errResp.Error == "use_dpop_nonce" {
			app.Logger.Debug("retrying auth server request with DPoP nonce", "request", name, "endpoint", endpoint)
			continue
		}
		app.Logger.Warn("auth server request failed", "request", name, "endpoint", endpoint, "statusCode", resp.StatusCode, "error", errResp.Error, "description", errResp.ErrorDescription)
		if errResp.Error != "" {
			return nonce, fmt.Errorf("%s request: HTTP %d: %s", name, resp.StatusCode, errResp.Error)
		}
		return nonce, fmt.Errorf("%s request: HTTP %d", name, resp.StatusCode)
	}
	return nonce, fmt.Errorf("%s request: auth server rejected DPoP nonce twice", name)
}
