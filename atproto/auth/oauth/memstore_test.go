package oauth_test

import (
	"testing"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.RunClientAuthStoreTests(t, oauth.NewMemStore(), false)
}
