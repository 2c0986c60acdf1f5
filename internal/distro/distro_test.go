package distro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericToolchainCandidatesQualifiedOnly(t *testing.T) {
	d := Generic{DistroName: "lede", BaseURLFmt: "https://example.test/%s/targets/%s/%s"}
	candidates := d.ToolchainCandidates("17.01.4", "ar71xx", "generic")
	assert.Equal(t, []string{"imagebuilder-17.01.4-ar71xx-generic.Linux-x86_64"}, candidates)
}

func TestGenericToolchainCandidatesElided(t *testing.T) {
	d := Generic{DistroName: "openwrt", BaseURLFmt: "https://example.test/%s/targets/%s/%s", ElideSubtarget: true}
	candidates := d.ToolchainCandidates("21.02.0", "ath79", "generic")
	require.Len(t, candidates, 2)
	assert.Equal(t, "imagebuilder-21.02.0-ath79-generic.Linux-x86_64", candidates[0])
	assert.Equal(t, "imagebuilder-21.02.0-ath79.Linux-x86_64", candidates[1])
}

func TestGenericImagebuilderReleaseOverride(t *testing.T) {
	d := Generic{DistroName: "libremesh", ImagebuilderVersion: "1.5"}
	assert.Equal(t, "1.5", d.ImagebuilderRelease("2023.1"))

	plain := Generic{DistroName: "openwrt"}
	assert.Equal(t, "21.02.0", plain.ImagebuilderRelease("21.02.0"))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(
		Generic{DistroName: "lede", BaseURLFmt: "https://a/%s/%s/%s"},
		Generic{DistroName: "openwrt", BaseURLFmt: "https://b/%s/%s/%s", ElideSubtarget: true},
	)
	d, ok := r.Lookup("lede")
	require.True(t, ok)
	assert.Equal(t, "lede", d.Name())

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"lede", "openwrt"}, r.Names())
}
