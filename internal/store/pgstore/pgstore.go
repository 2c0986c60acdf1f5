// Package pgstore is the Postgres-backed store.Store implementation,
// grounded on original_source/worker/database_worker.py's SQL shapes
// and translated to pgx's placeholder/RETURNING idiom. It is the
// production State Store; internal/store/memstore is its in-memory
// twin used by the rest of the codebase's unit tests.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/fingerprint"
	"github.com/openwrt/asu/internal/store"
)

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// Open connects to Postgres using dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, log *logrus.Entry) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func intToSupported(v int16) store.SupportedState { return store.SupportedState(v) }

func (s *Store) subtargetID(ctx context.Context, tx pgx.Tx, key store.SubtargetKey) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM subtargets WHERE distro=$1 AND release=$2 AND target=$3 AND subtarget=$4`,
		key.Distro, key.Release, key.Target, key.Subtarget).Scan(&id)
	return id, mapErr(err)
}

func (s *Store) GetSubtarget(ctx context.Context, key store.SubtargetKey) (*store.Subtarget, error) {
	row := s.pool.QueryRow(ctx, `SELECT supported, package_sync FROM subtargets
		WHERE distro=$1 AND release=$2 AND target=$3 AND subtarget=$4`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	var supported int16
	var sync *time.Time
	if err := row.Scan(&supported, &sync); err != nil {
		return nil, mapErr(err)
	}
	sub := &store.Subtarget{SubtargetKey: key, Supported: intToSupported(supported)}
	if sync != nil {
		sub.PackageSync = *sync
	}
	return sub, nil
}

func (s *Store) GetReleases(ctx context.Context, distro string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT release FROM subtargets WHERE distro=$1 ORDER BY release DESC`, distro)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var release string
		if err := rows.Scan(&release); err != nil {
			return nil, err
		}
		out = append(out, release)
	}
	return out, rows.Err()
}

func (s *Store) GetPackagesAvailable(ctx context.Context, key store.SubtargetKey) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT pa.name, pa.version FROM packages_available pa
		JOIN subtargets st ON st.id = pa.subtarget_id
		WHERE st.distro=$1 AND st.release=$2 AND st.target=$3 AND st.subtarget=$4`,
		key.Distro, key.Release, key.Target, key.Subtarget)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		out[name] = version
	}
	return out, rows.Err()
}

func (s *Store) EnsurePackagesHash(ctx context.Context, packages []string) (string, error) {
	hash, err := fingerprint.PackagesHash(packages)
	if err != nil {
		return "", err
	}
	sorted := strings.Join(append([]string(nil), packages...), " ")
	_, err = s.pool.Exec(ctx, `INSERT INTO packages_hashes (hash, packages) VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING`, hash, sorted)
	return hash, err
}

// ResolveProfile runs the three-pass lookup of spec §4.5 as SQL,
// matching original_source/worker/database_worker.py's check_profile/
// check_model.
func (s *Store) ResolveProfile(ctx context.Context, key store.SubtargetKey, input string) (*store.Profile, error) {
	const base = `SELECT p.profile_name, p.model_label, p.default_packages FROM profiles p
		JOIN subtargets st ON st.id = p.subtarget_id
		WHERE st.distro=$1 AND st.release=$2 AND st.target=$3 AND st.subtarget=$4 AND %s
		LIMIT 1`

	scan := func(row pgx.Row) (*store.Profile, error) {
		var name, model, defaults string
		if err := row.Scan(&name, &model, &defaults); err != nil {
			return nil, mapErr(err)
		}
		p := &store.Profile{SubtargetKey: key, ProfileName: name, ModelLabel: model}
		if defaults != "" {
			p.DefaultPackages = strings.Split(defaults, " ")
		}
		return p, nil
	}

	p, err := scan(s.pool.QueryRow(ctx, fmt.Sprintf(base, "p.profile_name = $5"),
		key.Distro, key.Release, key.Target, key.Subtarget, input))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p, err = scan(s.pool.QueryRow(ctx, fmt.Sprintf(base, "lower(p.model_label) = lower($5)"),
		key.Distro, key.Release, key.Target, key.Subtarget, input))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p, err = scan(s.pool.QueryRow(ctx, fmt.Sprintf(base, "p.profile_name LIKE '%%' || $5"),
		key.Distro, key.Release, key.Target, key.Subtarget, input))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) SubtargetOutdated(ctx context.Context, key store.SubtargetKey, maxAge time.Duration) (bool, error) {
	var outdated bool
	err := s.pool.QueryRow(ctx, `SELECT package_sync IS NULL OR package_sync < now() - $5::interval
		FROM subtargets WHERE distro=$1 AND release=$2 AND target=$3 AND subtarget=$4`,
		key.Distro, key.Release, key.Target, key.Subtarget, maxAge.String()).Scan(&outdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	return outdated, err
}

func (s *Store) EnsureImagebuilder(ctx context.Context, key store.SubtargetKey) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	subtargetID, err := s.subtargetID(ctx, tx, key)
	if err != nil {
		return "", err
	}

	var skillCount int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM worker_skills WHERE subtarget_id=$1`, subtargetID).Scan(&skillCount)
	if err != nil {
		return "", err
	}
	if skillCount > 0 {
		return "ready", tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `INSERT INTO imagebuilder_requests (subtarget_id, status)
		SELECT $1, 'requested' WHERE NOT EXISTS (
			SELECT 1 FROM imagebuilder_requests WHERE subtarget_id=$1 AND status='requested')`,
		subtargetID)
	if err != nil {
		return "", err
	}
	return "requested", tx.Commit(ctx)
}

func (s *Store) ClaimNextImagebuilderRequest(ctx context.Context) (*store.SubtargetKey, error) {
	row := s.pool.QueryRow(ctx, `UPDATE imagebuilder_requests
		SET status = 'initialize'
		WHERE status = 'requested' AND id = (
			SELECT id FROM imagebuilder_requests WHERE status = 'requested' ORDER BY id LIMIT 1
		)
		RETURNING (SELECT distro FROM subtargets WHERE id = imagebuilder_requests.subtarget_id),
		          (SELECT release FROM subtargets WHERE id = imagebuilder_requests.subtarget_id),
		          (SELECT target FROM subtargets WHERE id = imagebuilder_requests.subtarget_id),
		          (SELECT subtarget FROM subtargets WHERE id = imagebuilder_requests.subtarget_id)`)
	var key store.SubtargetKey
	err := row.Scan(&key.Distro, &key.Release, &key.Target, &key.Subtarget)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) RegisterSkill(ctx context.Context, workerID string, key store.SubtargetKey, status string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	subtargetID, err := s.subtargetID(ctx, tx, key)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO worker_skills (worker_id, subtarget_id, status)
		VALUES ($1, $2, $3) ON CONFLICT (worker_id, subtarget_id) DO UPDATE SET status = excluded.status`,
		workerID, subtargetID, status); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM imagebuilder_requests WHERE subtarget_id=$1`, subtargetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertProfiles(ctx context.Context, key store.SubtargetKey, defaultPackages []string, profiles []store.ProfileDef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	subtargetID, err := s.subtargetID(ctx, tx, key)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO packages_default (subtarget_id, packages) VALUES ($1, $2)
		ON CONFLICT (subtarget_id) DO UPDATE SET packages = excluded.packages`,
		subtargetID, strings.Join(defaultPackages, " ")); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM profiles WHERE subtarget_id=$1`, subtargetID); err != nil {
		return err
	}
	for _, p := range profiles {
		if _, err := tx.Exec(ctx, `INSERT INTO profiles (subtarget_id, profile_name, model_label, default_packages)
			VALUES ($1, $2, $3, $4)`, subtargetID, p.ProfileName, p.ModelLabel, strings.Join(p.DefaultPackages, " ")); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertPackagesAvailable(ctx context.Context, key store.SubtargetKey, packages []store.PackageNameVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	subtargetID, err := s.subtargetID(ctx, tx, key)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM packages_available WHERE subtarget_id=$1`, subtargetID); err != nil {
		return err
	}
	for _, p := range packages {
		if _, err := tx.Exec(ctx, `INSERT INTO packages_available (subtarget_id, name, version) VALUES ($1, $2, $3)`,
			subtargetID, p.Name, p.Version); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE subtargets SET package_sync = now() WHERE id=$1`, subtargetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) FindOrInsertRequest(ctx context.Context, req store.RequestTuple) (string, store.ImageRequestStatus, error) {
	hash, err := fingerprint.RequestHash(req.Distro, req.Release, req.Target, req.Subtarget, req.Profile, req.PackagesHash, req.NetworkProfile)
	if err != nil {
		return "", "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM image_requests WHERE request_hash=$1`, hash).Scan(&status)
	if err == nil {
		return hash, store.ImageRequestStatus(status), tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", "", err
	}

	subtargetID, err := s.subtargetID(ctx, tx, req.SubtargetKey)
	if err != nil {
		return "", "", err
	}
	_, err = tx.Exec(ctx, `INSERT INTO image_requests
		(request_hash, subtarget_id, profile, packages_hash, network_profile, status)
		VALUES ($1, $2, $3, $4, $5, 'requested')`,
		hash, subtargetID, req.Profile, req.PackagesHash, req.NetworkProfile)
	if err != nil {
		return "", "", err
	}
	return hash, store.StatusRequested, tx.Commit(ctx)
}

func (s *Store) LookupImageByRequest(ctx context.Context, requestHash string) (*store.Image, error) {
	var imageHash *string
	err := s.pool.QueryRow(ctx, `SELECT image_hash FROM image_requests WHERE request_hash=$1`, requestHash).Scan(&imageHash)
	if err != nil {
		return nil, mapErr(err)
	}
	if imageHash == nil {
		return nil, store.ErrNotFound
	}
	return s.imageByHash(ctx, *imageHash)
}

func (s *Store) imageByHash(ctx context.Context, hash string) (*store.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT st.distro, st.release, st.target, st.subtarget,
		i.profile, i.manifest_hash, i.network_profile, i.checksum, i.filesize, i.build_date,
		i.sysupgrade_filename, i.subtarget_in_name, i.profile_in_name, i.vanilla
		FROM images i JOIN subtargets st ON st.id = i.subtarget_id
		WHERE i.image_hash=$1`, hash)
	img := &store.Image{ImageHash: hash}
	err := row.Scan(&img.Distro, &img.Release, &img.Target, &img.Subtarget,
		&img.Profile, &img.ManifestHash, &img.NetworkProfile, &img.Checksum, &img.Filesize, &img.BuildDate,
		&img.SysupgradeFilename, &img.SubtargetInName, &img.ProfileInName, &img.Vanilla)
	if err != nil {
		return nil, mapErr(err)
	}
	return img, nil
}

func (s *Store) RequestStatus(ctx context.Context, requestHash string) (store.ImageRequestStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM image_requests WHERE request_hash=$1`, requestHash).Scan(&status)
	if err != nil {
		return "", mapErr(err)
	}
	return store.ImageRequestStatus(status), nil
}

func (s *Store) ClaimNextBuildJob(ctx context.Context, keys []store.SubtargetKey) (*store.BuildJob, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	distros := make([]string, len(keys))
	releases := make([]string, len(keys))
	targets := make([]string, len(keys))
	subtargets := make([]string, len(keys))
	for i, k := range keys {
		distros[i], releases[i], targets[i], subtargets[i] = k.Distro, k.Release, k.Target, k.Subtarget
	}

	row := tx.QueryRow(ctx, `UPDATE image_requests ir
		SET status = 'building'
		FROM subtargets st
		WHERE ir.subtarget_id = st.id AND ir.status = 'requested' AND ir.id = (
			SELECT ir2.id FROM image_requests ir2
			JOIN subtargets st2 ON st2.id = ir2.subtarget_id
			WHERE ir2.status = 'requested' AND
			      (st2.distro, st2.release, st2.target, st2.subtarget) IN (
			          SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[])
			      )
			ORDER BY ir2.id LIMIT 1
		)
		RETURNING ir.id, ir.request_hash, st.distro, st.release, st.target, st.subtarget,
		          ir.profile, ir.packages_hash, ir.network_profile`,
		distros, releases, targets, subtargets)

	job := &store.BuildJob{}
	var packagesHash string
	err = row.Scan(&job.ID, &job.RequestHash, &job.Distro, &job.Release, &job.Target, &job.Subtarget,
		&job.Profile, &packagesHash, &job.NetworkProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var packages string
	if err := tx.QueryRow(ctx, `SELECT packages FROM packages_hashes WHERE hash=$1`, packagesHash).Scan(&packages); err != nil {
		return nil, err
	}
	if packages != "" {
		job.Packages = strings.Split(packages, " ")
	}
	return job, tx.Commit(ctx)
}

func (s *Store) CompleteBuildJob(ctx context.Context, requestHash, imageHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE image_requests SET status='created', image_hash=$2 WHERE request_hash=$1`,
		requestHash, imageHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetRequestStatus(ctx context.Context, requestHash string, status store.ImageRequestStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE image_requests SET status=$2 WHERE request_hash=$1`, requestHash, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddImage(ctx context.Context, img store.Image) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	subtargetID, err := s.subtargetID(ctx, tx, img.SubtargetKey)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO images
		(image_hash, subtarget_id, profile, manifest_hash, network_profile, checksum, filesize,
		 sysupgrade_filename, subtarget_in_name, profile_in_name, vanilla)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (image_hash) DO NOTHING`,
		img.ImageHash, subtargetID, img.Profile, img.ManifestHash, img.NetworkProfile, img.Checksum, img.Filesize,
		img.SysupgradeFilename, img.SubtargetInName, img.ProfileInName, img.Vanilla)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `SELECT subtarget_id FROM images WHERE image_hash=$1`, img.ImageHash).Scan(&id)
	return id, mapErr(err)
}

func (s *Store) AddManifest(ctx context.Context, hash string) (int64, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO manifests (hash) VALUES ($1) ON CONFLICT DO NOTHING`, hash)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Store) AddManifestPackages(ctx context.Context, hash string, packages []store.PackageNameVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, p := range packages {
		if _, err := tx.Exec(ctx, `INSERT INTO manifest_packages (manifest_hash, name, version) VALUES ($1,$2,$3)`,
			hash, p.Name, p.Version); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) WorkerRegister(ctx context.Context, name, address string, publicKey []byte) (string, error) {
	id := ksuid.New().String()
	_, err := s.pool.Exec(ctx, `INSERT INTO workers (id, name, address, public_key) VALUES ($1,$2,$3,$4)`,
		id, name, address, publicKey)
	return id, err
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET heartbeat = now() WHERE id=$1`, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) WorkerDestroy(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id=$1`, workerID)
	return err
}

func (s *Store) WorkerNeeded(ctx context.Context) (*store.SubtargetKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT distro, release, target, subtarget FROM subtargets st
		JOIN imagebuilder_requests ir ON ir.subtarget_id = st.id
		WHERE ir.status = 'requested'
		UNION
		SELECT distro, release, target, subtarget FROM subtargets st
		JOIN worker_skills ws ON ws.subtarget_id = st.id
		JOIN workers w ON w.id = ws.worker_id
		WHERE w.heartbeat < now() - interval '30 seconds'
		LIMIT 1`)
	var key store.SubtargetKey
	err := row.Scan(&key.Distro, &key.Release, &key.Target, &key.Subtarget)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*store.Worker, error) {
	w := &store.Worker{ID: workerID}
	err := s.pool.QueryRow(ctx, `SELECT name, address, public_key, heartbeat FROM workers WHERE id=$1`, workerID).
		Scan(&w.Name, &w.Address, &w.PublicKey, &w.Heartbeat)
	if err != nil {
		return nil, mapErr(err)
	}
	return w, nil
}

func (s *Store) Distros(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT distro FROM subtargets ORDER BY distro`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Models(ctx context.Context, key store.SubtargetKey, search string) ([]store.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.profile_name, p.model_label, p.default_packages FROM profiles p
		JOIN subtargets st ON st.id = p.subtarget_id
		WHERE st.distro=$1 AND st.release=$2 AND lower(p.model_label) LIKE lower('%' || $3 || '%')`,
		key.Distro, key.Release, search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Profile
	for rows.Next() {
		var p store.Profile
		var defaults string
		if err := rows.Scan(&p.ProfileName, &p.ModelLabel, &defaults); err != nil {
			return nil, err
		}
		if defaults != "" {
			p.DefaultPackages = strings.Split(defaults, " ")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) NetworkProfiles(ctx context.Context) ([]string, error) {
	// Network profile overlays are directories on disk (spec §6), not a
	// database table; this store keeps no record of them and always
	// returns an empty list.
	return nil, nil
}

func (s *Store) SupportedSubtargets(ctx context.Context, distro, release, target string) ([]store.Subtarget, error) {
	like := func(v string) string {
		if v == "" {
			return "%"
		}
		return v
	}
	rows, err := s.pool.Query(ctx, `SELECT distro, release, target, subtarget, supported, package_sync
		FROM subtargets WHERE distro LIKE $1 AND release LIKE $2 AND target LIKE $3`,
		like(distro), like(release), like(target))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Subtarget
	for rows.Next() {
		var sub store.Subtarget
		var supported int16
		var sync *time.Time
		if err := rows.Scan(&sub.Distro, &sub.Release, &sub.Target, &sub.Subtarget, &supported, &sync); err != nil {
			return nil, err
		}
		sub.Supported = intToSupported(supported)
		if sync != nil {
			sub.PackageSync = *sync
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) PackagesHashPackages(ctx context.Context, hash string) ([]string, error) {
	var packages string
	err := s.pool.QueryRow(ctx, `SELECT packages FROM packages_hashes WHERE hash=$1`, hash).Scan(&packages)
	if err != nil {
		return nil, mapErr(err)
	}
	return strings.Split(packages, " "), nil
}

func (s *Store) ManifestInfo(ctx context.Context, hash string) (*store.Manifest, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM manifests WHERE hash=$1)`, hash).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `SELECT name, version FROM manifest_packages WHERE manifest_hash=$1`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := &store.Manifest{Hash: hash}
	for rows.Next() {
		var p store.PackageNameVersion
		if err := rows.Scan(&p.Name, &p.Version); err != nil {
			return nil, err
		}
		m.Packages = append(m.Packages, p)
	}
	return m, rows.Err()
}

func (s *Store) FailedRequests(ctx context.Context) ([]store.ImageRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT ir.request_hash, st.distro, st.release, st.target, st.subtarget,
		ir.profile, ir.packages_hash, ir.network_profile, ir.status
		FROM image_requests ir JOIN subtargets st ON st.id = ir.subtarget_id
		WHERE ir.status IN ('build_fail', 'imagesize_fail', 'signing_fail')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ImageRequest
	for rows.Next() {
		var r store.ImageRequest
		var status string
		if err := rows.Scan(&r.RequestHash, &r.Distro, &r.Release, &r.Target, &r.Subtarget,
			&r.Profile, &r.PackagesHash, &r.NetworkProfile, &status); err != nil {
			return nil, err
		}
		r.Status = store.ImageRequestStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workers WHERE heartbeat > now() - interval '30 seconds'`).
		Scan(&stats.ActiveWorkers); err != nil {
		return stats, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM images`).Scan(&stats.ImagesTotal); err != nil {
		return stats, err
	}
	stats.ImagesBuilt = stats.ImagesTotal
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM packages_available`).Scan(&stats.PackagesIndexed); err != nil {
		return stats, err
	}

	rows, err := s.pool.Query(ctx, `SELECT st.distro, st.release, st.target, st.subtarget, count(*) c
		FROM images i JOIN subtargets st ON st.id = i.subtarget_id
		GROUP BY st.distro, st.release, st.target, st.subtarget ORDER BY c DESC LIMIT 10`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var key store.SubtargetKey
		var count int
		if err := rows.Scan(&key.Distro, &key.Release, &key.Target, &key.Subtarget, &count); err != nil {
			return stats, err
		}
		stats.PopularSubtargets = append(stats.PopularSubtargets, key)
	}
	return stats, rows.Err()
}
