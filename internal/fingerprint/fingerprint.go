// Package fingerprint canonicalises request attributes into the stable,
// content-addressed hashes that identify requests, package sets, manifests
// and images (spec §4.1). Every hash in the system goes through this
// package so the truncation lengths stay a single source of truth.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Lengths of the truncated hex digests used for each identity, fixed by
// the identity contract in spec §4.1.
const (
	RequestHashLen  = 12
	PackagesHashLen = 12
	ManifestHashLen = 15
	ImageHashLen    = 15
)

// InvalidInputError is returned when a fingerprint cannot be computed
// because its inputs are structurally empty or incomplete.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid fingerprint input: %s", e.Reason)
}

// digestHex runs the canonical digest over s and returns its hex
// encoding truncated to n characters.
func digestHex(s string, n int) (string, error) {
	if s == "" {
		return "", &InvalidInputError{Reason: "empty input"}
	}
	d := digest.Canonical.FromBytes([]byte(s))
	hex := d.Encoded()
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n], nil
}

// RequestHash computes spec §4.1's
// digest(distro||release||target||subtarget||profile||packages_hash||network_profile)[:12].
func RequestHash(distro, release, target, subtarget, profile, packagesHash, networkProfile string) (string, error) {
	if distro == "" || release == "" || target == "" || subtarget == "" || profile == "" || packagesHash == "" {
		return "", &InvalidInputError{Reason: "request tuple has empty required field"}
	}
	joined := distro + release + target + subtarget + profile + packagesHash + networkProfile
	return digestHex(joined, RequestHashLen)
}

// PackagesHash computes digest(space_join(sorted(packages)))[:12]. The
// source computed this without sorting first (spec §9 open question);
// this implementation mandates sorting so that two requests naming the
// same packages in a different order collide on the same hash.
func PackagesHash(packages []string) (string, error) {
	sorted := make([]string, len(packages))
	copy(sorted, packages)
	sort.Strings(sorted)
	joined := strings.Join(sorted, " ")
	if joined == "" {
		// An empty package list is legitimate (vanilla build with no
		// extra packages); hash a single space in its place rather
		// than rejecting it as empty input.
		joined = " "
	}
	return digestHex(joined, PackagesHashLen)
}

// ManifestHash computes the 15-hex-char digest of the manifest file
// bytes (spec §4.1).
func ManifestHash(manifestBytes []byte) (string, error) {
	if len(manifestBytes) == 0 {
		return "", &InvalidInputError{Reason: "empty manifest"}
	}
	d := digest.Canonical.FromBytes(manifestBytes)
	return d.Encoded()[:ManifestHashLen], nil
}

// ImageIdentity is the tuple hashed to produce an image_hash (spec §4.1,
// §3 "Image"). Field order matters: it determines the joined string fed
// to the digest.
type ImageIdentity struct {
	Distro         string
	Release        string
	Target         string
	Subtarget      string
	Profile        string
	ManifestHash   string
	NetworkProfile string
}

// ImageHash computes digest(space_join(image_identity_tuple))[:15].
func ImageHash(id ImageIdentity) (string, error) {
	if id.Distro == "" || id.Release == "" || id.Target == "" || id.Subtarget == "" || id.Profile == "" || id.ManifestHash == "" {
		return "", &InvalidInputError{Reason: "image identity tuple has empty required field"}
	}
	fields := []string{id.Distro, id.Release, id.Target, id.Subtarget, id.Profile, id.ManifestHash, id.NetworkProfile}
	joined := strings.Join(fields, " ")
	return digestHex(joined, ImageHashLen)
}
