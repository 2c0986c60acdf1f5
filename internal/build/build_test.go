package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/asu/internal/store"
)

func TestDiffPackagesAddsNegativeEntries(t *testing.T) {
	requested := []string{"luci", "nano"}
	defaults := []string{"base-files", "luci", "dropbear"}
	out := diffPackages(requested, defaults)
	assert.ElementsMatch(t, []string{"luci", "nano", "-base-files", "-dropbear"}, out)
}

func TestSameSetIgnoresOrder(t *testing.T) {
	assert.True(t, sameSet([]string{"a", "b", "c"}, []string{"c", "a", "b"}))
	assert.False(t, sameSet([]string{"a", "b"}, []string{"a", "b", "c"}))
}

func TestFindSysupgradePriorityOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"lede-17.01.4-ar71xx-generic-squashfs.bin", "lede-17.01.4-ar71xx-generic-squashfs-sysupgrade.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	name, err := findSysupgrade(dir)
	require.NoError(t, err)
	assert.Equal(t, "lede-17.01.4-ar71xx-generic-squashfs-sysupgrade.bin", name)
}

func TestFindSysupgradeNoneFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lede-17.01.4.manifest"), []byte("x"), 0o644))
	_, err := findSysupgrade(dir)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestRenameOutputsReplacesTokens(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lede-abc123def456-ar71xx.bin"), []byte("x"), 0o644))
	job := &store.BuildJob{RequestHash: "abc123def456", SubtargetKey: store.SubtargetKey{Distro: "openwrt", Release: "21.02.0"}}

	renamed, err := renameOutputs(dir, job, "deadbeefcafe123", "21.02.0")
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	assert.Equal(t, "openwrt-deadbeefcafe123-ar71xx.bin", renamed[0])
}

func TestRenameOutputsReplacesToolchainRelease(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libremesh-1.5-abc123def456-ar71xx.bin"), []byte("x"), 0o644))
	job := &store.BuildJob{RequestHash: "abc123def456", SubtargetKey: store.SubtargetKey{Distro: "libremesh", Release: "2023.1"}}

	renamed, err := renameOutputs(dir, job, "deadbeefcafe123", "1.5")
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	assert.Equal(t, "libremesh-2023.1-deadbeefcafe123-ar71xx.bin", renamed[0])
}

func TestParseManifest(t *testing.T) {
	data := []byte("base-files - 1\nluci - git-18.046\n")
	packages := parseManifest(data)

	want := []store.PackageNameVersion{
		{Name: "base-files", Version: "1"},
		{Name: "luci", Version: "git-18.046"},
	}
	if diff := cmp.Diff(want, packages); diff != "" {
		t.Fatalf("parseManifest() mismatch (-want +got):\n%s", diff)
	}
}
