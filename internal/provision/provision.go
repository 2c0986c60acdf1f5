// Package provision implements the Imagebuilder Provisioner (spec
// §4.4): materialising a toolchain instance for a (distro, release,
// target, subtarget) on demand, then extracting its profile and
// available-package catalogues into the State Store. Grounded on
// original_source/update-server/imagebuilder.py, translated from its
// subprocess/regex shape into Go.
package provision

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/openwrt/asu/internal/apierr"
	"github.com/openwrt/asu/internal/distro"
	"github.com/openwrt/asu/internal/store"
)

// Provisioner runs spec §4.4 for a single subtarget at a time; the
// Worker Pool runner owns serializing calls per worker.
type Provisioner struct {
	store      store.Store
	registry   *distro.Registry
	imageDir   string // imagebuilder/<distro>/... root
	repoTmpl   string // repositories.conf template, with {{release}} etc. placeholders
	makefile   []byte // managed build-rules file, copied over the toolchain's own
	httpClient *retryablehttp.Client
	log        *logrus.Entry
	progress   bool
}

// New builds a Provisioner. repoTemplate and managedMakefile are the
// repository-config template and managed build-rules file content of
// spec §4.4 steps 5-6.
func New(s store.Store, registry *distro.Registry, imageDir, repoTemplate string, managedMakefile []byte, log *logrus.Entry) *Provisioner {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	return &Provisioner{
		store:      s,
		registry:   registry,
		imageDir:   imageDir,
		repoTmpl:   repoTemplate,
		makefile:   managedMakefile,
		httpClient: client,
		log:        log,
	}
}

// ShowProgress enables mpb download progress bars for interactive runs.
func (p *Provisioner) ShowProgress(enabled bool) { p.progress = enabled }

// Provision runs spec §4.4 steps 1-9 for key, returning the extracted
// toolchain's root directory on success.
func (p *Provisioner) Provision(ctx context.Context, key store.SubtargetKey) (string, error) {
	d, ok := p.registry.Lookup(key.Distro)
	if !ok {
		return "", apierr.New(apierr.UnknownDistro, "unknown distro %q", key.Distro)
	}

	root, name, err := p.downloadToolchain(ctx, d, key)
	if err != nil {
		return "", err
	}

	pkgArch, err := p.parseArch(root)
	if err != nil {
		return "", apierr.New(apierr.ProvisionError, "parse .config: %v", err)
	}

	if err := p.writeRepositories(root, key, pkgArch); err != nil {
		return "", apierr.New(apierr.ProvisionError, "write repositories.conf: %v", err)
	}
	if err := p.writeMakefile(root); err != nil {
		return "", apierr.New(apierr.ProvisionError, "write Makefile: %v", err)
	}

	defaultPackages, profiles, err := p.runMakeInfo(ctx, root)
	if err != nil {
		return "", apierr.New(apierr.ProvisionError, "make info: %v", err)
	}
	if err := p.store.InsertProfiles(ctx, key, defaultPackages, profiles); err != nil {
		return "", err
	}

	packages, err := p.runMakePackageList(ctx, root)
	if err != nil {
		return "", apierr.New(apierr.ProvisionError, "make package_list: %v", err)
	}
	if err := p.store.InsertPackagesAvailable(ctx, key, packages); err != nil {
		return "", err
	}

	p.log.WithFields(logrus.Fields{"distro": key.Distro, "target": key.Target, "subtarget": key.Subtarget, "name": name}).
		Info("provisioned imagebuilder")
	return root, nil
}

// downloadToolchain implements spec §4.4 steps 1-3: try candidate
// names in priority order, HEAD each, download and extract the first
// that resolves.
func (p *Provisioner) downloadToolchain(ctx context.Context, d distro.Distro, key store.SubtargetKey) (string, string, error) {
	dest := filepath.Join(p.imageDir, key.Distro, key.Release, key.Target, key.Subtarget)
	toolchainRelease := d.ImagebuilderRelease(key.Release)
	var tried *multierror.Error
	for _, name := range d.ToolchainCandidates(toolchainRelease, key.Target, key.Subtarget) {
		root := filepath.Join(dest, name)
		if _, err := os.Stat(filepath.Join(root, "Makefile")); err == nil {
			return root, name, nil
		}

		url := d.ArchiveBaseURL(toolchainRelease, key.Target, key.Subtarget) + "/" + name + ".tar.xz"
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return "", "", err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			tried = multierror.Append(tried, fmt.Errorf("%s: %w", name, err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			tried = multierror.Append(tried, fmt.Errorf("%s: 404 at %s", name, url))
			continue
		}

		if err := p.downloadAndExtract(ctx, url, dest, name); err != nil {
			return "", "", apierr.New(apierr.ProvisionError, "download %s: %v", url, err)
		}
		return root, name, nil
	}
	if tried.ErrorOrNil() != nil {
		return "", "", apierr.New(apierr.ProvisionError, "no toolchain archive found for %s/%s/%s/%s: %v", key.Distro, key.Release, key.Target, key.Subtarget, tried)
	}
	return "", "", apierr.New(apierr.ProvisionError, "no toolchain archive found for %s/%s/%s/%s", key.Distro, key.Release, key.Target, key.Subtarget)
}

func (p *Provisioner) downloadAndExtract(ctx context.Context, url, dest, name string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if p.progress {
		bar := mpb.New()
		pb := bar.AddBar(resp.ContentLength, mpb.PrependDecorators(decor.Name(name)))
		reader = pb.ProxyReader(resp.Body)
	}

	xzr, err := xz.NewReader(reader)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "asu-toolchain-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	if err := extractTar(xzr, tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.Rename(filepath.Join(tmpDir, name), filepath.Join(dest, name))
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

var archRe = regexp.MustCompile(`^CONFIG_TARGET_ARCH_PACKAGES="(.+)"`)

func (p *Provisioner) parseArch(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, ".config"))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if m := archRe.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("CONFIG_TARGET_ARCH_PACKAGES not found")
}

func (p *Provisioner) writeRepositories(root string, key store.SubtargetKey, pkgArch string) error {
	content := strings.NewReplacer(
		"{{release}}", key.Release,
		"{{target}}", key.Target,
		"{{subtarget}}", key.Subtarget,
		"{{pkg_arch}}", pkgArch,
	).Replace(p.repoTmpl)
	return os.WriteFile(filepath.Join(root, "repositories.conf"), []byte(content), 0o644)
}

func (p *Provisioner) writeMakefile(root string) error {
	return os.WriteFile(filepath.Join(root, "Makefile"), p.makefile, 0o644)
}

var (
	defaultPackagesRe = regexp.MustCompile(`Default Packages: (.+)`)
	profileRe         = regexp.MustCompile(`(?m)^(.+):\n    (.+)\n    Packages: (.*)$`)
)

// runMakeInfo runs `make info` and parses its output per spec §4.4
// step 7.
func (p *Provisioner) runMakeInfo(ctx context.Context, root string) ([]string, []store.ProfileDef, error) {
	out, err := runMake(ctx, root, "info")
	if err != nil {
		return nil, nil, err
	}

	m := defaultPackagesRe.FindStringSubmatch(out)
	if m == nil {
		return nil, nil, fmt.Errorf("default packages not found in make info output")
	}
	defaultPackages := strings.Fields(m[1])

	var profiles []store.ProfileDef
	for _, match := range profileRe.FindAllStringSubmatch(out, -1) {
		profiles = append(profiles, store.ProfileDef{
			ProfileName:     strings.TrimSpace(match[1]),
			ModelLabel:      strings.TrimSpace(match[2]),
			DefaultPackages: strings.Fields(match[3]),
		})
	}
	return defaultPackages, profiles, nil
}

var packageListRe = regexp.MustCompile(`(?m)^(\S+) - (\S+) - .*$`)

// runMakePackageList runs `make package_list` and parses its output
// per spec §4.4 step 8.
func (p *Provisioner) runMakePackageList(ctx context.Context, root string) ([]store.PackageNameVersion, error) {
	out, err := runMake(ctx, root, "package_list")
	if err != nil {
		return nil, err
	}
	var packages []store.PackageNameVersion
	for _, match := range packageListRe.FindAllStringSubmatch(out, -1) {
		packages = append(packages, store.PackageNameVersion{Name: match[1], Version: match[2]})
	}
	return packages, nil
}

func runMake(ctx context.Context, dir, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "make", target)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, out)
	}
	return string(out), nil
}
