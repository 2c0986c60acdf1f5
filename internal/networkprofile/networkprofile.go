// Package networkprofile represents the optional network overlay
// directory a build request may name (spec §4.7 step 2, Glossary
// "Network profile"): a directory of files baked into the image via
// the build tool's FILES= argument. The Options+FromXxx shape mirrors
// internal/fdo's minimal options-struct idiom, adapted to a filesystem
// lookup instead of a blueprint customization.
package networkprofile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Options is the resolved overlay a build job passes to internal/build.
type Options struct {
	Name string
	Path string
}

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Sanitize converts a network profile name into the token used in
// public image filenames (spec §4.7 step 9).
func Sanitize(name string) string {
	return sanitizeRe.ReplaceAllString(name, "_")
}

// FromRoot resolves name against root, the configured network profiles
// directory, returning an error if no such overlay exists. An empty
// name is a valid "no overlay" request and returns zero Options.
func FromRoot(root, name string) (Options, error) {
	if name == "" {
		return Options{}, nil
	}
	path := filepath.Join(root, name)
	info, err := os.Stat(path)
	if err != nil {
		return Options{}, fmt.Errorf("networkprofile: unknown profile %q: %w", name, err)
	}
	if !info.IsDir() {
		return Options{}, fmt.Errorf("networkprofile: %q is not a directory", name)
	}
	return Options{Name: name, Path: path}, nil
}

// List enumerates the overlay names available under root. The
// GET /api/network_profiles endpoint does not call it: that endpoint
// reads store.Store.NetworkProfiles, which returns an empty list.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
