package provision

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/.config", "CONFIG_TARGET_ar71xx=y\nCONFIG_TARGET_ARCH_PACKAGES=\"mips_24kc\"\n")

	p := &Provisioner{}
	arch, err := p.parseArch(dir)
	require.NoError(t, err)
	assert.Equal(t, "mips_24kc", arch)
}

func TestParseArchMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/.config", "CONFIG_TARGET_ar71xx=y\n")

	p := &Provisioner{}
	_, err := p.parseArch(dir)
	assert.Error(t, err)
}

const makeInfoOutput = `Current Target: "ar71xx/generic"
Default Packages: base-files libc kernel

TP-Link TL-WDR4300 v1:
    tplink_tl-wdr4300-v1
    Packages: kmod-usb2 kmod-ath9k

Generic:
    generic
` + "    Packages: \n"

func TestParseMakeInfoRegexes(t *testing.T) {
	m := defaultPackagesRe.FindStringSubmatch(makeInfoOutput)
	require.NotNil(t, m)
	assert.Equal(t, "base-files libc kernel", m[1])

	matches := profileRe.FindAllStringSubmatch(makeInfoOutput, -1)
	require.Len(t, matches, 2)
	assert.Equal(t, "TP-Link TL-WDR4300 v1", matches[0][1])
	assert.Equal(t, "tplink_tl-wdr4300-v1", matches[0][2])
	assert.Equal(t, "kmod-usb2 kmod-ath9k", matches[0][3])
}

const packageListOutput = "base-files - 1 - \n" + `busybox - 1.27.2-1 - description text here
luci - git-18.046 - web interface
`

func TestParsePackageListRegex(t *testing.T) {
	matches := packageListRe.FindAllStringSubmatch(packageListOutput, -1)
	require.Len(t, matches, 3)
	assert.Equal(t, "busybox", matches[1][1])
	assert.Equal(t, "1.27.2-1", matches[1][2])
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
