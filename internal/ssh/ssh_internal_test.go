package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/eniac111/proxyops/internal/types"
)

func TestResolvePasswordFromKeyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("proxyops-edge", "deploy", "from-keyring"))

	d := ClientDialer{}
	got, err := d.resolvePassword(types.Target{User: "deploy", Password: "keyring:proxyops-edge"})
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", got)

	got, err = d.resolvePassword(types.Target{User: "deploy", Password: "literal"})
	require.NoError(t, err)
	assert.Equal(t, "literal", got)

	_, err = d.resolvePassword(types.Target{User: "deploy", Password: "keyring:missing"})
	assert.ErrorIs(t, err, types.ErrAuthentication)
}
