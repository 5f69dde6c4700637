package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
)

func NormalizeHostname(hostname string) (string, error) {
	if len(hostname) > 255 {
		return "", fmt.Errorf("hostname cannot be longer than 255 characters")
	}

	hostname = strings.TrimSpace(hostname)
	hostname = strings.Trim(hostname, ".")

	if len(hostname) == 0 {
		return "", fmt.Errorf("hostname cannot be empty")
	}

	// Lowercase the hostname, as domain names are case-insensitive
	hostname = strings.ToLower(hostname)

	return hostname, nil
}

// Normalizes the public base URL of a web service: lower-case scheme and host, default port removed, no trailing slash, and no query or fragment. Only http and https are allowed.
func NormalizeBaseURL(raw string) (string, error) {
	norm, err := purell.NormalizeURLString(strings.TrimSpace(raw), purell.FlagsSafe|purell.FlagRemoveDotSegments|purell.FlagRemoveDuplicateSlashes|purell.FlagRemoveTrailingSlash|purell.FlagRemoveFragment)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u, err := url.Parse(norm)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL must be http or https: %s", raw)
	}
	if u.RawQuery != "" {
		return "", fmt.Errorf("base URL can not have a query string: %s", raw)
	}
	host, err := NormalizeHostname(u.Hostname())
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		host = host + ":" + u.Port()
	}
	u.Host = host
	return strings.TrimSuffix(u.String(), "/"), nil
}
