// Shared behaviour tests for [oauth.ClientAuthStore] implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authRequest(state string) oauth.AuthRequestData {
	did := syntax.DID("did:plc:alice111")
	return oauth.AuthRequestData{
		State:                           state,
		AuthServerURL:                   "https://auth.example.com",
		AuthServerTokenEndpoint:         "https://auth.example.com/oauth/token",
		AuthServerAuthorizationEndpoint: "https://auth.example.com/oauth/authorize",
		AccountDID:                      &did,
		HostURL:                         "https://pds.example.com",
		Scopes:                          []string{"atproto", "transition:generic"},
		PKCEVerifier:                    "verifier-" + state,
		DPoPPrivateKeyJWK:               `{"kty":"EC"}`,
		CreatedAt:                       time.Now().UTC().Truncate(time.Second),
	}
}

// Exercises the full store contract. Expiry is checked with short TTLs, so stores must honor sub-minute durations.
//
// If skipExpiry is true, expiry checks are skipped (for backends which can't be advanced in tests).
func RunClientAuthStoreTests(t *testing.T, store oauth.ClientAuthStore, skipExpiry bool) {
	t.Run("AuthRequest", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()

		info := authRequest("state-get")
		require.NoError(t, store.SaveAuthRequest(ctx, info, time.Minute))

		got, err := store.GetAuthRequest(ctx, "state-get")
		require.NoError(t, err)
		assert.Equal(info.State, got.State)
		assert.Equal(info.PKCEVerifier, got.PKCEVerifier)
		assert.Equal(*info.AccountDID, *got.AccountDID)
		assert.Equal(info.Scopes, got.Scopes)
		assert.True(info.CreatedAt.Equal(got.CreatedAt))

		require.NoError(t, store.DeleteAuthRequest(ctx, "state-get"))
		_, err = store.GetAuthRequest(ctx, "state-get")
		assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)

		// deleting something missing is fine
		assert.NoError(store.DeleteAuthRequest(ctx, "state-get"))
	})

	t.Run("TakeOnce", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()

		require.NoError(t, store.SaveAuthRequest(ctx, authRequest("state-take"), time.Minute))
		got, err := store.TakeAuthRequest(ctx, "state-take")
		require.NoError(t, err)
		assert.Equal("verifier-state-take", got.PKCEVerifier)

		_, err = store.TakeAuthRequest(ctx, "state-take")
		assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)
		_, err = store.TakeAuthRequest(ctx, "never-saved")
		assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)
	})

	t.Run("ConcurrentTake", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()

		for round := range 5 {
			state := fmt.Sprintf("state-race-%d", round)
			require.NoError(t, store.SaveAuthRequest(ctx, authRequest(state), time.Minute))

			var wg sync.WaitGroup
			var lk sync.Mutex
			taken := 0
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.TakeAuthRequest(ctx, state); err == nil {
						lk.Lock()
						taken++
						lk.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(1, taken)
		}
	})

	t.Run("Session", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()
		did := syntax.DID("did:plc:sess111")

		_, err := store.GetSession(ctx, did)
		assert.ErrorIs(err, oauth.ErrSessionNotFound)

		sess := oauth.SessionData{
			AccountDID:        did,
			HostURL:           "https://pds.example.com",
			AuthServerURL:     "https://auth.example.com",
			Scopes:            []string{"atproto"},
			AccessToken:       "access-1",
			RefreshToken:      "refresh-1",
			DPoPPrivateKeyJWK: `{"kty":"EC"}`,
			CreatedAt:         time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, store.SaveSession(ctx, sess, 0))
		got, err := store.GetSession(ctx, did)
		require.NoError(t, err)
		assert.Equal("access-1", got.AccessToken)
		assert.Equal(did, got.AccountDID)

		// saving again replaces
		sess.AccessToken = "access-2"
		require.NoError(t, store.SaveSession(ctx, sess, time.Hour))
		got, err = store.GetSession(ctx, did)
		require.NoError(t, err)
		assert.Equal("access-2", got.AccessToken)

		require.NoError(t, store.DeleteSession(ctx, did))
		_, err = store.GetSession(ctx, did)
		assert.ErrorIs(err, oauth.ErrSessionNotFound)
	})

	if skipExpiry {
		return
	}
	t.Run("Expiry", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()

		require.NoError(t, store.SaveAuthRequest(ctx, authRequest("state-expire"), time.Second))
		require.NoError(t, store.SaveSession(ctx, oauth.SessionData{AccountDID: "did:plc:expire111"}, time.Second))
		time.Sleep(1500 * time.Millisecond)

		_, err := store.GetAuthRequest(ctx, "state-expire")
		assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)
		_, err = store.TakeAuthRequest(ctx, "state-expire")
		assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)
		_, err = store.GetSession(ctx, "did:plc:expire111")
		assert.ErrorIs(err, oauth.ErrSessionNotFound)
	})

	deleter, ok := store.(oauth.ExpiredDeleter)
	if !ok {
		return
	}
	t.Run("DeleteExpired", func(t *testing.T) {
		assert := assert.New(t)
		ctx := context.Background()

		// never redeemed or read again
		require.NoError(t, store.SaveAuthRequest(ctx, authRequest("state-abandoned"), time.Second))
		require.NoError(t, store.SaveSession(ctx, oauth.SessionData{AccountDID: "did:plc:abandoned111"}, time.Second))
		require.NoError(t, store.SaveAuthRequest(ctx, authRequest("state-pending"), time.Hour))
		time.Sleep(1500 * time.Millisecond)

		n, err := deleter.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(n, int64(2))

		// nothing left to remove
		n, err = deleter.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(int64(0), n)

		_, err = store.GetAuthRequest(ctx, "state-pending")
		assert.NoError(err)
		require.NoError(t, store.DeleteAuthRequest(ctx, "state-pending"))
	})
}
