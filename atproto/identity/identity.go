package identity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Represents an atproto identity: a DID, a (verified) handle, and the service endpoints and keys declared in the DID document.
type Identity struct {
	DID syntax.DID

	// Handle/DID mapping must be bi-directionally verified. If that fails, the Handle should be the special 'handle.invalid' value
	Handle syntax.Handle

	// These fields represent a parsed subset of a DID document. They are all nullable. Note that the services and keys maps do not preserve order, so they don't exactly round-trip DID documents.
	AlsoKnownAs []string
	Services    map[string]ServiceEndpoint
	Keys        map[string]VerificationMethod
}

// Sub-field type for [Identity], representing a service endpoint in the DID document.
type ServiceEndpoint struct {
	Type string
	URL  string
}

// Sub-field type for [Identity], representing a public key in the DID document.
type VerificationMethod struct {
	Type               string
	PublicKeyMultibase string
}

// Extracts the information relevant to atproto from an arbitrary DID document.
//
// Always returns an invalid Handle field; calling code should only populate that field if it has been bi-directionally verified.
func ParseIdentity(doc *DIDDocument) Identity {
	keys := make(map[string]VerificationMethod, len(doc.VerificationMethod))
	for _, vm := range doc.VerificationMethod {
		parts := strings.SplitN(vm.ID, "#", 2)
		if len(parts) < 2 {
			continue
		}
		// ignore keys controlled by a different DID
		if parts[0] != "" && parts[0] != string(doc.DID) {
			continue
		}
		keys[parts[1]] = VerificationMethod{
			Type:               vm.Type,
			PublicKeyMultibase: vm.PublicKeyMultibase,
		}
	}
	svc := make(map[string]ServiceEndpoint, len(doc.Service))
	for _, s := range doc.Service {
		parts := strings.SplitN(s.ID, "#", 2)
		if len(parts) < 2 {
			continue
		}
		if parts[0] != "" && parts[0] != string(doc.DID) {
			continue
		}
		svc[parts[1]] = ServiceEndpoint{
			Type: s.Type,
			URL:  s.ServiceEndpoint,
		}
	}
	return Identity{
		DID:         doc.DID,
		Handle:      syntax.HandleInvalid,
		AlsoKnownAs: doc.AlsoKnownAs,
		Services:    svc,
		Keys:        keys,
	}
}

// Identifies and normalizes a valid handle from the alsoKnownAs list.
//
// Returns the first "at://" entry which is a valid handle. Does not do any handle resolution or verification.
func (i *Identity) DeclaredHandle() (syntax.Handle, error) {
	for _, u := range i.AlsoKnownAs {
		if !strings.HasPrefix(u, "at://") || len(u) <= len("at://") {
			continue
		}
		hdl, err := syntax.ParseHandle(u[5:])
		if err != nil {
			continue
		}
		return hdl.Normalize(), nil
	}
	return "", ErrHandleNotDeclared
}

// The atproto PDS URL declared for this identity, or empty string if not found.
//
// Only returns the endpoint if the service has the expected type and is an absolute http(s) URL.
func (i *Identity) PDSEndpoint() string {
	s, ok := i.Services["atproto_pds"]
	if !ok || s.Type != "AtprotoPersonalDataServer" {
		return ""
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return ""
	}
	return s.URL
}

// Re-constructs a DID document from the parsed identity. Key and service order is not preserved.
func (i *Identity) DIDDocument() DIDDocument {
	doc := DIDDocument{
		DID:                i.DID,
		AlsoKnownAs:        i.AlsoKnownAs,
		VerificationMethod: make([]DocVerificationMethod, 0, len(i.Keys)),
		Service:            make([]DocService, 0, len(i.Services)),
	}
	for k, v := range i.Keys {
		doc.VerificationMethod = append(doc.VerificationMethod, DocVerificationMethod{
			ID:                 fmt.Sprintf("%s#%s", i.DID, k),
			Type:               v.Type,
			Controller:         i.DID.String(),
			PublicKeyMultibase: v.PublicKeyMultibase,
		})
	}
	for k, s := range i.Services {
		doc.Service = append(doc.Service, DocService{
			ID:              fmt.Sprintf("#%s", k),
			Type:            s.Type,
			ServiceEndpoint: s.URL,
		})
	}
	return doc
}
