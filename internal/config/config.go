// Package config loads the service's immutable configuration from a TOML
// file and hands out a single Config value that every component receives
// explicitly through its constructor. There is no package-global config
// singleton: the teacher kept one, we do not (see DESIGN.md).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved, immutable service configuration.
type Config struct {
	// Distributions maps a distro key (e.g. "lede") to its download
	// conventions.
	Distributions map[string]Distribution `toml:"distributions"`
	// DefaultDistro is substituted when a request omits "distro".
	DefaultDistro string `toml:"default_distro"`

	Database    DatabaseConfig `toml:"database"`
	DownloadDir string         `toml:"download_dir"`
	TempDir     string         `toml:"temp_dir"`
	ScratchDir  string         `toml:"scratch_dir"`

	SignImages   bool   `toml:"sign_images"`
	UpdateServer string `toml:"update_server"`

	ListenAddress  string        `toml:"listen_address"`
	MetricsAddress string        `toml:"metrics_address"`
	BuildTimeout   time.Duration `toml:"build_timeout"`
	HeartbeatEvery time.Duration `toml:"heartbeat_interval"`
	StaleAfter     time.Duration `toml:"worker_stale_after"`

	MaxSkillsPerWorker int `toml:"max_skills_per_worker"`

	// ImagebuilderDir is the root toolchains are extracted under (spec
	// §4.4 step 1's "imagebuilder/" tree).
	ImagebuilderDir string `toml:"imagebuilder_dir"`
	// RepositoriesTemplate is the path to the repositories.conf template
	// written into each toolchain (spec §4.4 step 5).
	RepositoriesTemplate string `toml:"repositories_template"`
	// ManagedMakefile is the path to the build-rules file copied over
	// each toolchain's own (spec §4.4 step 6).
	ManagedMakefile string `toml:"managed_makefile"`
	// NetworkProfilesDir holds the network-overlay directories of spec
	// §4.5.
	NetworkProfilesDir string `toml:"network_profiles_dir"`

	WorkerName     string `toml:"worker_name"`
	WorkerAddress  string `toml:"worker_address"`
	SigningKeyPath string `toml:"signing_key_path"`
}

// Distribution captures the per-distribution toolchain download
// conventions referenced by the Provisioner (spec §4.4 step 1).
type Distribution struct {
	// ImagebuilderURL is the base URL toolchain tarballs are published
	// under, e.g. "https://downloads.openwrt.org/releases".
	ImagebuilderURL string `toml:"imagebuilder_url"`
	// ImagebuilderVersion overrides the release used to pick a toolchain
	// version, for distros that track a separate "latest" imagebuilder
	// independent from the distro's own release cadence.
	ImagebuilderVersion string `toml:"imagebuilder_version"`
	// ElideSubtargetFirst adds the subtarget-elided archive name as a
	// second candidate, tried after the fully qualified one.
	ElideSubtargetFirst bool `toml:"elide_subtarget_first"`
}

// DatabaseConfig holds Postgres connection parameters for pgstore.
type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

func defaults() Config {
	return Config{
		DownloadDir:        "/srv/asu/downloads",
		TempDir:            "/srv/asu/tmp",
		ScratchDir:         "/srv/asu/scratch",
		ListenAddress:      ":8080",
		MetricsAddress:     ":9100",
		BuildTimeout:       30 * time.Minute,
		HeartbeatEvery:     5 * time.Second,
		StaleAfter:         30 * time.Second,
		MaxSkillsPerWorker: 0,
	}
}

// Load reads and validates a TOML config file at path.
func Load(path string) (Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if len(cfg.Distributions) == 0 {
		return Config{}, fmt.Errorf("config %s: no [distributions.*] configured", path)
	}
	if cfg.Database.DSN == "" {
		return Config{}, fmt.Errorf("config %s: database.dsn is required", path)
	}
	if cfg.DefaultDistro == "" {
		return Config{}, fmt.Errorf("config %s: default_distro is required", path)
	}
	if _, ok := cfg.Distributions[cfg.DefaultDistro]; !ok {
		return Config{}, fmt.Errorf("config %s: default_distro %q is not in [distributions.*]", path, cfg.DefaultDistro)
	}
	return cfg, nil
}

// CanonicalDistro returns the default distribution name used when a
// request omits "distro" (spec §4.3 step 3).
func (c Config) CanonicalDistro() string {
	return c.DefaultDistro
}
