/*
Package identity resolves atproto account identifiers (handles and DIDs) to verified identity metadata.

The [Directory] interface does bi-directional handle/DID verification: a handle lookup only succeeds if the DID document declares the handle back, and a DID lookup returns the special `handle.invalid` handle when the declared handle does not resolve to that DID. [ResolveIdentifier] is the strict entrypoint used by the OAuth login flow, which treats an inconsistent round-trip as a failure.

[BaseDirectory] does live network resolution on every call. [CacheDirectory] wraps any Directory with an in-process LRU, and the redisdir sub-package provides a shared Redis-backed cache.
*/
package identity
