// Package memstore is an in-memory store.Store fake used by unit tests
// across api, intake, upload and worker, so their logic can be
// exercised without a live Postgres instance (spec §9's note that the
// State Store contract should admit a substitutable fake).
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/segmentio/ksuid"

	"github.com/openwrt/asu/internal/fingerprint"
	"github.com/openwrt/asu/internal/store"
)

// Store is a mutex-guarded, map-backed implementation of store.Store.
// All operations that the real contract requires to be atomic take the
// single mutex for their entire duration, which is sufficient for a
// test double even though it serializes what Postgres would run
// concurrently.
type Store struct {
	mu sync.Mutex

	subtargets    map[store.SubtargetKey]*store.Subtarget
	packagesAvail map[store.SubtargetKey]map[string]string
	defaultPkgs   map[store.SubtargetKey][]string
	profiles      map[store.SubtargetKey][]store.Profile
	packagesHash  map[string][]string // hash -> sorted packages
	releases      map[string][]string // distro -> releases

	requests        map[string]*store.ImageRequest // by request_hash
	nextRequestID   int64
	imagebuilderReq []*ibRequest
	workers         map[string]*store.Worker
	skills          map[string]map[store.SubtargetKey]string // workerID -> key -> status
	images          map[string]*store.Image                  // by image_hash
	manifests       map[string]*store.Manifest
}

type ibRequest struct {
	id     int64
	key    store.SubtargetKey
	status store.ImagebuilderRequestStatus
}

// New returns an empty memstore, ready for use.
func New() *Store {
	return &Store{
		subtargets:    map[store.SubtargetKey]*store.Subtarget{},
		packagesAvail: map[store.SubtargetKey]map[string]string{},
		defaultPkgs:   map[store.SubtargetKey][]string{},
		profiles:      map[store.SubtargetKey][]store.Profile{},
		packagesHash:  map[string][]string{},
		releases:      map[string][]string{},
		requests:      map[string]*store.ImageRequest{},
		workers:       map[string]*store.Worker{},
		skills:        map[string]map[store.SubtargetKey]string{},
		images:        map[string]*store.Image{},
		manifests:     map[string]*store.Manifest{},
	}
}

// SeedSubtarget registers a subtarget as supported/unsupported with a
// given package_sync timestamp, for test setup.
func (s *Store) SeedSubtarget(key store.SubtargetKey, supported store.SupportedState, packageSync time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subtargets[key] = &store.Subtarget{SubtargetKey: key, Supported: supported, PackageSync: packageSync}
	s.releases[key.Distro] = appendUnique(s.releases[key.Distro], key.Release)
}

// SeedPackagesAvailable installs the available-package catalogue for a subtarget.
func (s *Store) SeedPackagesAvailable(key store.SubtargetKey, packages map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packagesAvail[key] = packages
}

// SeedProfile installs a profile definition for a subtarget.
func (s *Store) SeedProfile(key store.SubtargetKey, p store.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.SubtargetKey = key
	s.profiles[key] = append(s.profiles[key], p)
	s.defaultPkgs[key] = p.DefaultPackages
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func (s *Store) GetSubtarget(_ context.Context, key store.SubtargetKey) (*store.Subtarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.subtargets[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	sub := store.Subtarget{SubtargetKey: row.SubtargetKey, Supported: row.Supported, PackageSync: row.PackageSync}
	return &sub, nil
}

func (s *Store) GetReleases(_ context.Context, distro string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.releases[distro]...)
	return out, nil
}

func (s *Store) GetPackagesAvailable(_ context.Context, key store.SubtargetKey) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkgs, ok := s.packagesAvail[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(pkgs))
	for k, v := range pkgs {
		out[k] = v
	}
	return out, nil
}

func (s *Store) EnsurePackagesHash(_ context.Context, packages []string) (string, error) {
	hash, err := fingerprint.PackagesHash(packages)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packagesHash[hash]; !ok {
		sorted := append([]string(nil), packages...)
		sort.Strings(sorted)
		s.packagesHash[hash] = sorted
	}
	return hash, nil
}

// ResolveProfile runs the three-pass lookup of spec §4.5: exact
// profile_name, then case-insensitive model_label, then suffix
// wildcard. The suffix pass is expressed with gobwas/glob rather than
// strings.HasSuffix so the memstore fake exercises the same matching
// primitive the production code could use outside SQL (e.g. local
// scratch-cache lookups), per SPEC_FULL §4.5.
func (s *Store) ResolveProfile(_ context.Context, key store.SubtargetKey, input string) (*store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles := s.profiles[key]

	for i := range profiles {
		if profiles[i].ProfileName == input {
			p := profiles[i]
			return &p, nil
		}
	}
	for i := range profiles {
		if strings.EqualFold(profiles[i].ModelLabel, input) {
			p := profiles[i]
			return &p, nil
		}
	}
	g, err := glob.Compile("*" + input)
	if err == nil {
		for i := range profiles {
			if g.Match(profiles[i].ProfileName) {
				p := profiles[i]
				return &p, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SubtargetOutdated(_ context.Context, key store.SubtargetKey, maxAge time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.subtargets[key]
	if !ok {
		return true, nil
	}
	if row.PackageSync.IsZero() {
		return true, nil
	}
	return time.Since(row.PackageSync) > maxAge, nil
}

func (s *Store) EnsureImagebuilder(_ context.Context, key store.SubtargetKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, skillSet := range s.skills {
		if status, ok := skillSet[key]; ok && status != "" {
			return "ready", nil
		}
	}
	for _, req := range s.imagebuilderReq {
		if req.key == key {
			return "requested", nil
		}
	}
	s.nextRequestID++
	s.imagebuilderReq = append(s.imagebuilderReq, &ibRequest{id: s.nextRequestID, key: key, status: store.IBStatusRequested})
	return "requested", nil
}

func (s *Store) ClaimNextImagebuilderRequest(_ context.Context) (*store.SubtargetKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *ibRequest
	for _, req := range s.imagebuilderReq {
		if req.status != store.IBStatusRequested {
			continue
		}
		if oldest == nil || req.id < oldest.id {
			oldest = req
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.status = store.IBStatusInitialize
	key := oldest.key
	return &key, nil
}

func (s *Store) RegisterSkill(_ context.Context, workerID string, key store.SubtargetKey, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skills[workerID]; !ok {
		s.skills[workerID] = map[store.SubtargetKey]string{}
	}
	s.skills[workerID][key] = status

	kept := s.imagebuilderReq[:0]
	for _, req := range s.imagebuilderReq {
		if req.key != key {
			kept = append(kept, req)
		}
	}
	s.imagebuilderReq = kept
	return nil
}

func (s *Store) InsertProfiles(_ context.Context, key store.SubtargetKey, defaultPackages []string, profiles []store.ProfileDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPkgs[key] = defaultPackages
	converted := make([]store.Profile, 0, len(profiles))
	for _, p := range profiles {
		converted = append(converted, store.Profile{
			SubtargetKey:    key,
			ProfileName:     p.ProfileName,
			ModelLabel:      p.ModelLabel,
			DefaultPackages: p.DefaultPackages,
		})
	}
	s.profiles[key] = converted
	return nil
}

func (s *Store) InsertPackagesAvailable(_ context.Context, key store.SubtargetKey, packages []store.PackageNameVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]string, len(packages))
	for _, p := range packages {
		m[p.Name] = p.Version
	}
	s.packagesAvail[key] = m
	if row, ok := s.subtargets[key]; ok {
		row.PackageSync = time.Now()
	} else {
		s.subtargets[key] = &store.Subtarget{SubtargetKey: key, Supported: store.Supported, PackageSync: time.Now()}
	}
	return nil
}

func (s *Store) FindOrInsertRequest(_ context.Context, req store.RequestTuple) (string, store.ImageRequestStatus, error) {
	hash, err := fingerprint.RequestHash(req.Distro, req.Release, req.Target, req.Subtarget, req.Profile, req.PackagesHash, req.NetworkProfile)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.requests[hash]; ok {
		return hash, existing.Status, nil
	}
	s.nextRequestID++
	row := &store.ImageRequest{
		ID:             s.nextRequestID,
		RequestHash:    hash,
		SubtargetKey:   req.SubtargetKey,
		Profile:        req.Profile,
		PackagesHash:   req.PackagesHash,
		NetworkProfile: req.NetworkProfile,
		Status:         store.StatusRequested,
	}
	s.requests[hash] = row
	return hash, store.StatusRequested, nil
}

func (s *Store) LookupImageByRequest(_ context.Context, requestHash string) (*store.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestHash]
	if !ok || req.ImageHash == "" {
		return nil, store.ErrNotFound
	}
	img, ok := s.images[req.ImageHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyImg := *img
	return &copyImg, nil
}

func (s *Store) RequestStatus(_ context.Context, requestHash string) (store.ImageRequestStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestHash]
	if !ok {
		return "", store.ErrNotFound
	}
	return req.Status, nil
}

func (s *Store) ClaimNextBuildJob(_ context.Context, keys []store.SubtargetKey) (*store.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[store.SubtargetKey]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	var winner *store.ImageRequest
	for _, req := range s.requests {
		if req.Status != store.StatusRequested {
			continue
		}
		if !allowed[req.SubtargetKey] {
			continue
		}
		if winner == nil || req.ID < winner.ID {
			winner = req
		}
	}
	if winner == nil {
		return nil, nil
	}
	winner.Status = store.StatusBuilding
	packages := s.packagesHash[winner.PackagesHash]
	return &store.BuildJob{
		ID:             winner.ID,
		RequestHash:    winner.RequestHash,
		SubtargetKey:   winner.SubtargetKey,
		Profile:        winner.Profile,
		Packages:       append([]string(nil), packages...),
		NetworkProfile: winner.NetworkProfile,
	}, nil
}

func (s *Store) CompleteBuildJob(_ context.Context, requestHash, imageHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestHash]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = store.StatusCreated
	req.ImageHash = imageHash
	return nil
}

func (s *Store) SetRequestStatus(_ context.Context, requestHash string, status store.ImageRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestHash]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = status
	return nil
}

func (s *Store) AddImage(_ context.Context, img store.Image) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[img.ImageHash]; !ok {
		if img.BuildDate.IsZero() {
			img.BuildDate = time.Now()
		}
		copyImg := img
		s.images[img.ImageHash] = &copyImg
	}
	return int64(len(s.images)), nil
}

func (s *Store) AddManifest(_ context.Context, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manifests[hash]; !ok {
		s.manifests[hash] = &store.Manifest{Hash: hash}
	}
	return int64(len(s.manifests)), nil
}

func (s *Store) AddManifestPackages(_ context.Context, hash string, packages []store.PackageNameVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[hash]
	if !ok {
		return store.ErrNotFound
	}
	m.Packages = append(m.Packages, packages...)
	return nil
}

func (s *Store) WorkerRegister(_ context.Context, name, address string, publicKey []byte) (string, error) {
	id := ksuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[id] = &store.Worker{ID: id, Name: name, Address: address, PublicKey: publicKey, Heartbeat: time.Now()}
	return id, nil
}

func (s *Store) WorkerHeartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Heartbeat = time.Now()
	return nil
}

func (s *Store) WorkerDestroy(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	delete(s.skills, workerID)
	return nil
}

func (s *Store) WorkerNeeded(_ context.Context) (*store.SubtargetKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.imagebuilderReq {
		if req.status == store.IBStatusRequested {
			key := req.key
			return &key, nil
		}
	}
	return nil, nil
}

func (s *Store) GetWorker(_ context.Context, workerID string) (*store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyW := *w
	return &copyW, nil
}

func (s *Store) Distros(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for key := range s.subtargets {
		if !seen[key.Distro] {
			seen[key.Distro] = true
			out = append(out, key.Distro)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Models(_ context.Context, key store.SubtargetKey, search string) ([]store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search = strings.ToLower(search)
	var out []store.Profile
	for _, p := range s.profiles[key] {
		if strings.Contains(strings.ToLower(p.ModelLabel), search) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) NetworkProfiles(_ context.Context) ([]string, error) {
	return nil, nil
}

func (s *Store) SupportedSubtargets(_ context.Context, distro, release, target string) ([]store.Subtarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(pattern, value string) bool {
		return pattern == "" || pattern == "%" || pattern == value
	}
	var out []store.Subtarget
	for _, row := range s.subtargets {
		if match(distro, row.Distro) && match(release, row.Release) && match(target, row.Target) {
			out = append(out, store.Subtarget{SubtargetKey: row.SubtargetKey, Supported: row.Supported, PackageSync: row.PackageSync})
		}
	}
	return out, nil
}

func (s *Store) PackagesHashPackages(_ context.Context, hash string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkgs, ok := s.packagesHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]string(nil), pkgs...), nil
}

func (s *Store) ManifestInfo(_ context.Context, hash string) (*store.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyM := *m
	return &copyM, nil
}

func (s *Store) FailedRequests(_ context.Context) ([]store.ImageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ImageRequest
	for _, req := range s.requests {
		switch req.Status {
		case store.StatusBuildFail, store.StatusImagesizeFail, store.StatusSigningFail:
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := store.Stats{
		ActiveWorkers:   len(s.workers),
		ImagesBuilt:     int64(len(s.images)),
		PackagesIndexed: 0,
	}
	for _, pkgs := range s.packagesAvail {
		stats.PackagesIndexed += int64(len(pkgs))
	}
	counts := map[store.SubtargetKey]int{}
	for _, img := range s.images {
		counts[img.SubtargetKey]++
	}
	stats.ImagesTotal = int64(len(s.images))
	type kv struct {
		key   store.SubtargetKey
		count int
	}
	var ranked []kv
	for k, c := range counts {
		ranked = append(ranked, kv{k, c})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })
	for _, r := range ranked {
		stats.PopularSubtargets = append(stats.PopularSubtargets, r.key)
	}
	return stats, nil
}
