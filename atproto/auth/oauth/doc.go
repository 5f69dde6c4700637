/*
Package oauth implements the client side of atproto OAuth: a confidential web client which authenticates users against the authorization server of their PDS.

The main entrypoint is [ClientApp]. [ClientApp.Authorize] resolves an account identifier, discovers and validates the account's authorization server, and returns the URL to redirect the user to. [ClientApp.Callback] verifies the redirect back, exchanges the authorization code for tokens, and persists the resulting session.

Client authentication uses `private_key_jwt` with ES256 keys loaded by [LoadKeySet]; the public halves are published as a JWK set. Token and PAR requests are DPoP-bound, with a fresh P-256 key per login flow.

Pending requests and sessions are persisted through the [StateStore] and [SessionStore] interfaces. [MemStore] is an in-process implementation; the redisstore and gormstore packages provide shared ones.
*/
package oauth
