package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecipher(t *testing.T) {
	c, err := New("pass")
	require.NoError(t, err)
	sealed, err := c.Seal("api-token")
	require.NoError(t, err)
	assert.NotEqual(t, "api-token", sealed)

	out, err := c.Decipher(map[string]string{"apiKey": sealed})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"apiKey": "api-token"}, out)

	other, err := New("other")
	require.NoError(t, err)
	_, err = other.Decipher(map[string]string{"apiKey": sealed})
	assert.Error(t, err)
}

func TestNoKey(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	out, err := c.Decipher(nil)
	require.NoError(t, err, "catalogs without secrets need no key")
	assert.Empty(t, out)

	_, err = c.Decipher(map[string]string{"k": "v"})
	assert.ErrorIs(t, err, ErrNoKey)
}
