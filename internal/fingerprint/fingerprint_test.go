package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackagesHashIsOrderIndependent(t *testing.T) {
	a, err := PackagesHash([]string{"luci", "nano", "curl"})
	require.NoError(t, err)
	b, err := PackagesHash([]string{"curl", "luci", "nano"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, PackagesHashLen)
}

func TestPackagesHashDiffersOnDifferentSets(t *testing.T) {
	a, err := PackagesHash([]string{"luci"})
	require.NoError(t, err)
	b, err := PackagesHash([]string{"luci", "nano"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRequestHashDeterministic(t *testing.T) {
	h1, err := RequestHash("lede", "17.01.4", "ar71xx", "generic", "tl-wdr4300-v1", "abc123def456", "")
	require.NoError(t, err)
	h2, err := RequestHash("lede", "17.01.4", "ar71xx", "generic", "tl-wdr4300-v1", "abc123def456", "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, RequestHashLen)
}

func TestRequestHashRejectsIncompleteTuple(t *testing.T) {
	_, err := RequestHash("lede", "", "ar71xx", "generic", "tl-wdr4300-v1", "abc123def456", "")
	require.Error(t, err)
	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestImageHashDeterministic(t *testing.T) {
	id := ImageIdentity{
		Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic",
		Profile: "tl-wdr4300-v1", ManifestHash: "abcdef0123456",
	}
	h1, err := ImageHash(id)
	require.NoError(t, err)
	h2, err := ImageHash(id)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, ImageHashLen)

	id.NetworkProfile = "overlay/mesh"
	h3, err := ImageHash(id)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestManifestHash(t *testing.T) {
	h, err := ManifestHash([]byte("busybox - 1.2.3\nluci - 1.0\n"))
	require.NoError(t, err)
	assert.Len(t, h, ManifestHashLen)

	_, err = ManifestHash(nil)
	require.Error(t, err)
}
