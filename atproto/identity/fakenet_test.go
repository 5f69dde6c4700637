package identity

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// static DNS TXT records, keyed by full record name
type staticTXT map[string][]string

func (s staticTXT) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// sends every request to the test server, keeping the original hostname in the Host header
type hostRewriter struct {
	target *url.URL
	inner  http.RoundTripper
}

func (h hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Host = req.URL.Host
	r.URL.Scheme = h.target.Scheme
	r.URL.Host = h.target.Host
	return h.inner.RoundTrip(r)
}

// In-memory stand-in for DNS, PLC, and HTTPS well-known endpoints.
type fakeNet struct {
	txt       staticTXT
	plc       map[string]DIDDocument
	wellKnown map[string]string
	didWeb    map[string]DIDDocument
}

func (f *fakeNet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Host == "plc.test":
		doc, ok := f.plc[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/did+ld+json")
		json.NewEncoder(w).Encode(doc)
	case r.URL.Path == "/.well-known/atproto-did":
		did, ok := f.wellKnown[r.Host]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(did + "\n"))
	case r.URL.Path == "/.well-known/did.json":
		doc, ok := f.didWeb[r.Host]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(doc)
	default:
		http.NotFound(w, r)
	}
}

func pdsDoc(did, handle, pds string) DIDDocument {
	return DIDDocument{
		DID:         syntax.DID(did),
		AlsoKnownAs: []string{"at://" + handle},
		VerificationMethod: []DocVerificationMethod{{
			ID:                 did + "#atproto",
			Type:               "Multikey",
			Controller:         did,
			PublicKeyMultibase: "zQ3shXjHeiBuRCKmM36cuYnm7YEMzhGnCmCyW92sRJ9pribSF",
		}},
		Service: []DocService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: pds,
		}},
	}
}

// Returns a BaseDirectory wired to a fake network with a few fixed accounts.
func testDirectory(t *testing.T) *BaseDirectory {
	f := &fakeNet{
		txt: staticTXT{
			"_atproto.alice.test":   {"v=spf1 -all", "did=did:plc:alice111"},
			"_atproto.mallory.test": {"did=did:plc:alice111"},
			"_atproto.twice.test":   {"did=did:plc:alice111", "did=did:plc:carol333"},
		},
		plc: map[string]DIDDocument{
			"did:plc:alice111": pdsDoc("did:plc:alice111", "Alice.test", "https://pds.test"),
			"did:plc:carol333": pdsDoc("did:plc:carol333", "carol.test", "https://pds.test"),
			"did:plc:liar444":  pdsDoc("did:plc:other444", "liar.test", "https://pds.test"),
		},
		wellKnown: map[string]string{
			"bob.test": "did:web:bob.test",
		},
		didWeb: map[string]DIDDocument{
			"bob.test": pdsDoc("did:web:bob.test", "bob.test", "https://bob.test"),
		},
	}
	srv := httptest.NewTLSServer(f)
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)
	client := srv.Client()
	client.Transport = hostRewriter{target: target, inner: client.Transport}

	return &BaseDirectory{
		PLCURL:      "https://plc.test",
		HTTPClient:  client,
		TXTResolver: f.txt,
	}
}
