// Outbound HTTP transports which refuse to connect to private, loopback, and otherwise reserved network addresses.
//
// Identity resolution and OAuth discovery fetch URLs chosen by arbitrary users (did:web hosts, PDS endpoints, auth servers), so those requests go through a public-only dialer.
//
// Based on the approach described by Andrew Ayer (CC0): https://www.agwa.name/blog/post/preventing_server_side_request_forgery_in_golang
package ssrf

import (
	"fmt"
	"net"
	"net/http"
	"slices"
	"syscall"
	"time"
)

func ipv4Net(a, b, c, d byte, subnetPrefixLen int) net.IPNet {
	return net.IPNet{
		IP:   net.IPv4(a, b, c, d),
		Mask: net.CIDRMask(96+subnetPrefixLen, 128),
	}
}

var reservedIPv4Nets = []net.IPNet{
	ipv4Net(0, 0, 0, 0, 8),       // Current network
	ipv4Net(10, 0, 0, 0, 8),      // Private
	ipv4Net(100, 64, 0, 0, 10),   // RFC6598
	ipv4Net(127, 0, 0, 0, 8),     // Loopback
	ipv4Net(169, 254, 0, 0, 16),  // Link-local
	ipv4Net(172, 16, 0, 0, 12),   // Private
	ipv4Net(192, 0, 0, 0, 24),    // RFC6890
	ipv4Net(192, 0, 2, 0, 24),    // Test, doc, examples
	ipv4Net(192, 88, 99, 0, 24),  // IPv6 to IPv4 relay
	ipv4Net(192, 168, 0, 0, 16),  // Private
	ipv4Net(198, 18, 0, 0, 15),   // Benchmarking tests
	ipv4Net(198, 51, 100, 0, 24), // Test, doc, examples
	ipv4Net(203, 0, 113, 0, 24),  // Test, doc, examples
	ipv4Net(224, 0, 0, 0, 4),     // Multicast
	ipv4Net(240, 0, 0, 0, 4),     // Reserved (includes broadcast / 255.255.255.255)
}

var globalUnicastIPv6Net = net.IPNet{
	IP:   net.IP{0x20, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	Mask: net.CIDRMask(3, 128),
}

func IsPublicIPAddress(address net.IP) bool {
	if address.To4() != nil {
		for _, reservedNet := range reservedIPv4Nets {
			if reservedNet.Contains(address) {
				return false
			}
		}
		return true
	}
	return globalUnicastIPv6Net.Contains(address)
}

// Which connections a public-only dialer permits.
type Policy struct {
	// Destination ports which may be connected to. Empty means 80 and 443.
	Ports []string
}

func (p Policy) ports() []string {
	if len(p.Ports) == 0 {
		return []string{"80", "443"}
	}
	return p.Ports
}

// Implementation of the [net.Dialer] `Control` hook which rejects non-public addresses and ports outside the policy. It runs after DNS resolution, so it also catches hostnames which resolve to private addresses.
func (p Policy) Control(network string, address string, conn syscall.RawConn) error {
	if !(network == "tcp4" || network == "tcp6") {
		return fmt.Errorf("%s is not a safe network type", network)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid host/port pair: %s", address, err)
	}

	ipaddress := net.ParseIP(host)
	if ipaddress == nil {
		return fmt.Errorf("%s is not a valid IP address", host)
	}

	if !IsPublicIPAddress(ipaddress) {
		return fmt.Errorf("%s is not a public IP address", ipaddress)
	}

	if !slices.Contains(p.ports(), port) {
		return fmt.Errorf("%s is not a safe port number", port)
	}

	return nil
}

// [net.Dialer] using the policy's Control hook. Other fields are the standard library defaults.
func (p Policy) Dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   p.Control,
	}
}

// [http.Transport] which dials with the policy's Dialer. Other fields are the standard library defaults.
//
// Use this in an [http.Client] like: `c := http.Client{ Transport: ssrf.Policy{}.Transport() }`
func (p Policy) Transport() *http.Transport {
	dialer := p.Dialer()
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Transport for the default policy: public addresses on ports 80 and 443 only.
func PublicOnlyTransport() *http.Transport {
	return Policy{}.Transport()
}
