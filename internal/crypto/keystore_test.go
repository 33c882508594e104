package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestAPIToken(t *testing.T) {
	t.Run("Should return an empty token when none is stored", func(t *testing.T) {
		keyring.MockInit()

		token, err := LoadAPIToken()
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("Should store, load and delete a token", func(t *testing.T) {
		keyring.MockInit()

		require.NoError(t, StoreAPIToken("  s3cret \n"))

		token, err := LoadAPIToken()
		require.NoError(t, err)
		assert.Equal(t, "s3cret", token)

		require.NoError(t, DeleteAPIToken())
		token, err = LoadAPIToken()
		require.NoError(t, err)
		assert.Empty(t, token)

		assert.NoError(t, DeleteAPIToken(), "deleting twice is fine")
	})

	t.Run("Should reject an empty token", func(t *testing.T) {
		keyring.MockInit()
		assert.Error(t, StoreAPIToken("   "))
	})

	t.Run("Should surface keychain failures", func(t *testing.T) {
		keyring.MockInitWithError(errors.New("keychain locked"))

		_, err := LoadAPIToken()
		assert.ErrorContains(t, err, "keychain locked")
		assert.Error(t, StoreAPIToken("token"))
	})

	t.Run("Should prefer a configured token", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, StoreAPIToken("from-keychain"))

		token, err := ResolveAPIToken("from-config")
		require.NoError(t, err)
		assert.Equal(t, "from-config", token)

		token, err = ResolveAPIToken("")
		require.NoError(t, err)
		assert.Equal(t, "from-keychain", token)
	})
}
