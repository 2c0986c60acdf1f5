// Package build implements Image Build (spec §4.7): composing the
// build-tool invocation for a claimed job, running it under a
// wall-clock timeout, locating its outputs, and packaging them for
// upload. Grounded on original_source/worker/worker.py's Image.build().
package build

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/distro"
	"github.com/openwrt/asu/internal/fingerprint"
	"github.com/openwrt/asu/internal/networkprofile"
	"github.com/openwrt/asu/internal/store"
)

// sysupgradePatterns is the priority-ordered glob list of spec §4.7
// step 7; the first non-empty match wins.
var sysupgradePatterns = []string{
	"*-squashfs-sysupgrade.bin",
	"*-squashfs-sysupgrade.tar",
	"*-squashfs.trx",
	"*-squashfs.chk",
	"*-squashfs.bin",
	"*-squashfs-sdcard.img.gz",
	"*-combined-squashfs*",
}

// ErrImageTooLarge is returned when no sysupgrade artifact is found
// (spec §4.7 step 7, §7 ImageSizeFailure).
var ErrImageTooLarge = fmt.Errorf("build: no sysupgrade artifact produced")

// ErrSigningFailed is returned when signing the sysupgrade artifact
// fails (spec §7 SigningFailure).
var ErrSigningFailed = fmt.Errorf("build: signing failed")

// Signer signs a file's bytes, returning a detached signature. It is
// satisfied directly by internal/sign's PrivateKey, so this package
// does not depend on crypto/ed25519 directly.
type Signer interface {
	Sign(data []byte) []byte
}

// Builder runs spec §4.7 for claimed build jobs.
type Builder struct {
	store           store.Store
	registry        *distro.Registry // for recovering each distro's toolchain release token
	imagebuilderDir string           // imagebuilder/<distro>/... root
	scratchDir      string           // tempdir for in-flight build directories and finished archives
	downloadDir     string           // published images root
	networkRoot     string           // network profile overlays root
	signer          Signer
	signImages      bool
	timeout         time.Duration
	log             *logrus.Entry
}

// New builds a Builder. timeout bounds the build subprocess (spec §9
// open question; this implementation fixes one rather than hanging
// forever).
func New(s store.Store, registry *distro.Registry, imagebuilderDir, scratchDir, downloadDir, networkRoot string, signer Signer, signImages bool, timeout time.Duration, log *logrus.Entry) *Builder {
	return &Builder{
		store:           s,
		registry:        registry,
		imagebuilderDir: imagebuilderDir,
		scratchDir:      scratchDir,
		downloadDir:     downloadDir,
		networkRoot:     networkRoot,
		signer:          signer,
		signImages:      signImages,
		timeout:         timeout,
		log:             log,
	}
}

// Outcome is what a successful Build produces, ready for
// internal/upload to package and a caller to persist.
type Outcome struct {
	Image      store.Image
	ZipPath    string
	Vanilla    bool
	BuildLog   []byte
	FailReason string // set (with Image zero) when the job terminated in a named failure state
	FailStatus store.ImageRequestStatus
}

// Build executes spec §4.7 for job. When the build subprocess fails,
// no sysupgrade artifact is produced, or signing yields no signature,
// it returns a non-error Outcome carrying FailStatus/FailReason/BuildLog
// so the caller can persist the failure state and log without
// inspecting Go error chains for control flow, matching the source's
// "return False, record status" shape. Every other failure (toolchain
// lookup, manifest, store or file I/O) is returned as an error.
func (b *Builder) Build(ctx context.Context, job *store.BuildJob) (Outcome, error) {
	log := b.log.WithField("request_hash", job.RequestHash)

	buildDir, err := os.MkdirTemp(b.scratchDir, "asu-build-*")
	if err != nil {
		return Outcome{}, err
	}
	defer os.RemoveAll(buildDir)

	profile, err := b.store.ResolveProfile(ctx, job.SubtargetKey, job.Profile)
	if err != nil {
		return Outcome{}, err
	}
	vanilla := sameSet(job.Packages, profile.DefaultPackages)

	netProfile, err := networkprofile.FromRoot(b.networkRoot, job.NetworkProfile)
	if err != nil {
		return Outcome{}, err
	}

	packages := append([]string(nil), job.Packages...)
	if netProfile.Path != "" {
		if extra, err := readPackagesFile(netProfile.Path); err == nil {
			packages = append(packages, extra...)
		}
	}
	if !vanilla {
		packages = diffPackages(packages, profile.DefaultPackages)
	}

	extraImageName := ""
	if !vanilla {
		extraImageName = job.RequestHash
	}
	if netProfile.Name != "" {
		extraImageName = extraImageName + "-" + networkprofile.Sanitize(netProfile.Name)
	}

	toolchainDir := filepath.Join(b.imagebuilderDir, job.Distro, job.Release, job.Target, job.Subtarget)
	toolchainRoot, err := findToolchainRoot(toolchainDir)
	if err != nil {
		return Outcome{}, err
	}

	args := []string{"image", "-j", strconv.Itoa(runtime.NumCPU()),
		"PROFILE=" + job.Profile,
		"EXTRA_IMAGE_NAME=" + extraImageName,
		"PACKAGES=" + strings.Join(packages, " "),
		"BIN_DIR=" + buildDir,
	}
	if netProfile.Path != "" {
		args = append(args, "FILES="+netProfile.Path)
	}

	env := os.Environ()
	if fresh, err := isFresh(ctx, b.store, job.SubtargetKey); err == nil && fresh {
		env = append(env, "NO_UPDATE=1")
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "make", args...)
	cmd.Dir = toolchainRoot
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}

	var logBuf bytes.Buffer
	cmd.Stdout = &logBuf
	cmd.Stderr = &logBuf
	runErr := cmd.Run()
	if runCtx.Err() != nil {
		killProcessGroup(cmd)
	}
	if runErr != nil {
		log.WithError(runErr).Warn("build subprocess failed")
		return Outcome{FailStatus: store.StatusBuildFail, FailReason: "build failed", BuildLog: logBuf.Bytes()}, nil
	}

	manifestPath, err := findOne(buildDir, "*.manifest")
	if err != nil {
		return Outcome{}, fmt.Errorf("build: %w", err)
	}
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return Outcome{}, err
	}
	manifestHash, err := fingerprint.ManifestHash(manifestBytes)
	if err != nil {
		return Outcome{}, err
	}
	manifestPackages := parseManifest(manifestBytes)

	if _, err := b.store.AddManifest(ctx, manifestHash); err != nil {
		return Outcome{}, err
	}
	if err := b.store.AddManifestPackages(ctx, manifestHash, manifestPackages); err != nil {
		return Outcome{}, err
	}

	imageHash, err := fingerprint.ImageHash(fingerprint.ImageIdentity{
		Distro: job.Distro, Release: job.Release, Target: job.Target, Subtarget: job.Subtarget,
		Profile: job.Profile, ManifestHash: manifestHash, NetworkProfile: job.NetworkProfile,
	})
	if err != nil {
		return Outcome{}, err
	}

	toolchainRelease := job.Release
	if d, ok := b.registry.Lookup(job.Distro); ok {
		toolchainRelease = d.ImagebuilderRelease(job.Release)
	}
	renamed, err := renameOutputs(buildDir, job, manifestHash, toolchainRelease)
	if err != nil {
		return Outcome{}, err
	}

	sysupgradeFile, err := findSysupgrade(buildDir)
	if err != nil {
		log.Warn("no sysupgrade artifact produced")
		return Outcome{FailStatus: store.StatusImagesizeFail, FailReason: ErrImageTooLarge.Error(), BuildLog: logBuf.Bytes()}, nil
	}

	subtargetInName := strings.Contains(sysupgradeFile, job.Subtarget)
	profileInName := strings.Contains(sysupgradeFile, job.Profile)
	if job.Profile == job.Subtarget && !strings.Contains(sysupgradeFile, job.Subtarget+"-"+job.Profile) {
		subtargetInName = false
	}

	sysupgradePath := filepath.Join(buildDir, sysupgradeFile)
	if b.signImages && b.signer != nil {
		data, err := os.ReadFile(sysupgradePath)
		if err != nil {
			return Outcome{}, err
		}
		sig := b.signer.Sign(data)
		if len(sig) == 0 {
			return Outcome{FailStatus: store.StatusSigningFail, FailReason: ErrSigningFailed.Error(), BuildLog: logBuf.Bytes()}, nil
		}
		if err := os.WriteFile(sysupgradePath+".sig", sig, 0o644); err != nil {
			return Outcome{}, err
		}
	}

	checksum, filesize, err := checksumAndSize(sysupgradePath)
	if err != nil {
		return Outcome{}, err
	}

	// zipPath lives under scratchDir, not buildDir: buildDir is removed
	// when Build returns (the deferred os.RemoveAll above), but the
	// archive must still be readable afterward so the caller can sign
	// and upload it (spec §4.7 step 11).
	zipPath := filepath.Join(b.scratchDir, job.RequestHash+".zip")
	if err := zipOutputs(zipPath, buildDir, renamed); err != nil {
		return Outcome{}, err
	}

	img := store.Image{
		ImageHash:          imageHash,
		SubtargetKey:       job.SubtargetKey,
		Profile:            job.Profile,
		ManifestHash:       manifestHash,
		NetworkProfile:     job.NetworkProfile,
		Checksum:           checksum,
		Filesize:           filesize,
		SysupgradeFilename: sysupgradeFile,
		SubtargetInName:    subtargetInName,
		ProfileInName:      profileInName,
		Vanilla:            vanilla,
		BuildDate:          time.Now(),
	}

	return Outcome{Image: img, ZipPath: zipPath, Vanilla: vanilla, BuildLog: logBuf.Bytes()}, nil
}

func findToolchainRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("build: toolchain not provisioned at %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(dir, e.Name(), "Makefile")); err == nil {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("build: no provisioned toolchain under %s", dir)
}

func isFresh(ctx context.Context, s store.Store, key store.SubtargetKey) (bool, error) {
	outdated, err := s.SubtargetOutdated(ctx, key, 24*time.Hour)
	if err != nil {
		return false, err
	}
	return !outdated, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// diffPackages implements the package diff of spec §4.7 step 2: every
// default package not explicitly requested is appended as a negative
// "-pkg" entry.
func diffPackages(requested, defaults []string) []string {
	want := map[string]bool{}
	for _, p := range requested {
		want[p] = true
	}
	out := append([]string(nil), requested...)
	for _, d := range defaults {
		if !want[d] {
			out = append(out, "-"+d)
		}
	}
	return out
}

func readPackagesFile(overlayPath string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(overlayPath, "PACKAGES"))
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

func findOne(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matching %s in %s", pattern, dir)
	}
	return matches[0], nil
}

var manifestLineRe = regexp.MustCompile(`(?m)^(\S+) - (\S+)$`)

func parseManifest(data []byte) []store.PackageNameVersion {
	var out []store.PackageNameVersion
	for _, m := range manifestLineRe.FindAllStringSubmatch(string(data), -1) {
		out = append(out, store.PackageNameVersion{Name: m[1], Version: m[2]})
	}
	return out
}

// renameOutputs implements spec §4.7 step 8: rename every output file
// from the toolchain's distribution/release/request tokens to the
// requested distro, manifest hash, and release, returning the new
// filenames. toolchainRelease is the release token the toolchain
// itself was built under (distro.Distro.ImagebuilderRelease); for
// libremesh-style distros this differs from job.Release and must be
// renamed back, per original_source/worker/worker.py's
// filename_output.replace(imagebuilder_release, release).
func renameOutputs(dir string, job *store.BuildJob, manifestHash, toolchainRelease string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var renamed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		out := strings.ReplaceAll(name, "lede", job.Distro)
		out = strings.ReplaceAll(out, job.RequestHash, manifestHash)
		if toolchainRelease != "" && toolchainRelease != job.Release {
			out = strings.ReplaceAll(out, toolchainRelease, job.Release)
		}
		if out != name {
			if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, out)); err != nil {
				return nil, err
			}
		}
		renamed = append(renamed, out)
	}
	return renamed, nil
}

func findSysupgrade(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	for _, pattern := range sysupgradePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		for _, name := range names {
			if g.Match(name) {
				return name, nil
			}
		}
	}
	return "", ErrImageTooLarge
}

func checksumAndSize(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func zipOutputs(zipPath, dir string, files []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()
	for _, name := range files {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}
