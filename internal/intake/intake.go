// Package intake implements Request Intake (spec §4.3): validation,
// default resolution, deduplication and current-status lookup for
// incoming build requests. It has no HTTP dependency — internal/api's
// handlers are thin adapters over Service — matching the teacher's
// separation between its cloudapi/v2 transport layer and the
// worker/jobqueue logic it drives.
package intake

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/apierr"
	"github.com/openwrt/asu/internal/store"
)

// specialPackages are accepted without a catalogue lookup (spec §4.3
// step 6): clients submit them routinely even though the toolchain
// treats them as implicit.
var specialPackages = map[string]bool{
	"kernel":     true,
	"libc":       true,
	"base-files": true,
}

// catalogueMaxAge is the freshness window of spec §4.3 step 7.
const catalogueMaxAge = 24 * time.Hour

// RequestBody is the parsed body of upgrade-check/upgrade-request/
// build-request (spec §6).
type RequestBody struct {
	Distro         string
	Release        string
	Target         string
	Subtarget      string
	Profile        string
	Packages       []string
	NetworkProfile string
}

// Status is the JSON shape returned for a non-terminal request (spec
// §4.3 step 11, §7 NotReady).
type Status struct {
	Status      string
	RequestHash string
}

// Result is what HandleUpgradeRequest/HandleUpgradeCheck return: either
// a ready Image, or a Status for a request still in flight.
type Result struct {
	Image  *store.Image
	Status *Status
}

// Service is Request Intake, wired to the State Store.
type Service struct {
	store         store.Store
	canonicalDist string
	log           *logrus.Entry
}

// New builds a Service. canonicalDistro is the distribution substituted
// when a request omits distro (spec §4.3 step 3).
func New(s store.Store, canonicalDistro string, log *logrus.Entry) *Service {
	return &Service{store: s, canonicalDist: canonicalDistro, log: log}
}

// HandleUpgradeRequest implements spec §4.3 end to end for
// /api/upgrade-request and /api/build-request (profile required, spec
// §6's distinction between the two routes is in internal/api, not
// here: both require a resolved profile).
func (svc *Service) HandleUpgradeRequest(ctx context.Context, body RequestBody) (Result, error) {
	key, err := svc.resolveTarget(ctx, body)
	if err != nil {
		return Result{}, err
	}

	if err := svc.validatePackages(ctx, key, body.Packages); err != nil {
		return Result{}, err
	}

	stale, err := svc.store.SubtargetOutdated(ctx, key, catalogueMaxAge)
	if err != nil {
		return Result{}, err
	}
	ibStatus, err := svc.store.EnsureImagebuilder(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if stale || ibStatus != "ready" {
		return Result{Status: &Status{Status: "imagebuilder"}}, nil
	}

	profile, err := svc.store.ResolveProfile(ctx, key, body.Profile)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{}, apierr.New(apierr.UnknownProfile, "unknown profile %q", body.Profile)
		}
		return Result{}, err
	}

	packages := normalizePackages(body.Packages)
	packagesHash, err := svc.store.EnsurePackagesHash(ctx, packages)
	if err != nil {
		return Result{}, err
	}

	req := store.RequestTuple{
		SubtargetKey:   key,
		Profile:        profile.ProfileName,
		PackagesHash:   packagesHash,
		NetworkProfile: body.NetworkProfile,
	}
	requestHash, status, err := svc.store.FindOrInsertRequest(ctx, req)
	if err != nil {
		return Result{}, err
	}

	switch status {
	case store.StatusReady, store.StatusCreated:
		img, err := svc.store.LookupImageByRequest(ctx, requestHash)
		if err != nil {
			return Result{}, err
		}
		return Result{Image: img}, nil
	default:
		return Result{Status: &Status{Status: string(status), RequestHash: requestHash}}, nil
	}
}

// HandleUpgradeCheck implements /api/upgrade-check (spec §6): the same
// resolution as HandleUpgradeRequest but without requiring (or using) a
// profile, and without inserting a new request — callers may submit no
// profile at all.
func (svc *Service) HandleUpgradeCheck(ctx context.Context, body RequestBody) (Result, error) {
	key, err := svc.resolveTarget(ctx, body)
	if err != nil {
		return Result{}, err
	}
	if err := svc.validatePackages(ctx, key, body.Packages); err != nil {
		return Result{}, err
	}
	return Result{Status: &Status{Status: "requested"}}, nil
}

func (svc *Service) resolveTarget(ctx context.Context, body RequestBody) (store.SubtargetKey, error) {
	if body.Target == "" || body.Subtarget == "" {
		return store.SubtargetKey{}, apierr.New(apierr.InvalidRequest, "missing required fields: target, subtarget")
	}

	distro := body.Distro
	if distro == "" {
		distro = svc.canonicalDist
	}
	releases, err := svc.store.GetReleases(ctx, distro)
	if err != nil {
		return store.SubtargetKey{}, err
	}
	if len(releases) == 0 {
		return store.SubtargetKey{}, apierr.New(apierr.UnknownDistro, "unknown distro %q", distro)
	}

	release := body.Release
	if release == "" {
		release, err = svc.latestRelease(releases)
		if err != nil {
			return store.SubtargetKey{}, err
		}
	} else if !contains(releases, release) {
		return store.SubtargetKey{}, apierr.New(apierr.UnknownRelease, "unknown release %q for distro %q", release, distro)
	}

	key := store.SubtargetKey{Distro: distro, Release: release, Target: body.Target, Subtarget: body.Subtarget}
	sub, err := svc.store.GetSubtarget(ctx, key)
	if err == store.ErrNotFound {
		return store.SubtargetKey{}, apierr.New(apierr.UnknownTarget, "unknown target %s/%s", body.Target, body.Subtarget)
	}
	if err != nil {
		return store.SubtargetKey{}, err
	}
	if sub.Supported != store.Supported {
		return store.SubtargetKey{}, apierr.New(apierr.UnsupportedTarget, "target %s/%s currently not supported", body.Target, body.Subtarget)
	}
	return key, nil
}

// latestRelease picks the newest release token, preferring semver
// comparison and falling back to lexicographic ordering for
// non-semver tokens such as "SNAPSHOT" or date-based releases —
// grounded on original_source/server/request.py's LooseVersion-based
// release_latest.
func (svc *Service) latestRelease(releases []string) (string, error) {
	sorted := append([]string(nil), releases...)
	sort.Slice(sorted, func(i, j int) bool {
		vi, erri := semver.NewVersion(sorted[i])
		vj, errj := semver.NewVersion(sorted[j])
		if erri == nil && errj == nil {
			return vi.LessThan(*vj)
		}
		return sorted[i] < sorted[j]
	})
	return sorted[len(sorted)-1], nil
}

func (svc *Service) validatePackages(ctx context.Context, key store.SubtargetKey, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	available, err := svc.store.GetPackagesAvailable(ctx, key)
	if err != nil {
		return err
	}
	for _, pkg := range packages {
		name := strings.TrimPrefix(pkg, "-")
		if specialPackages[name] {
			continue
		}
		if _, ok := available[name]; !ok {
			return apierr.New(apierr.UnknownPackage, "could not find package '%s' for requested target", name)
		}
	}
	return nil
}

// normalizePackages sorts packages so packages_hash is order
// independent (spec §9 open question, resolved by mandated sorting).
func normalizePackages(packages []string) []string {
	out := append([]string(nil), packages...)
	sort.Strings(out)
	return out
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
