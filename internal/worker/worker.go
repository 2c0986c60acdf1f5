// Package worker implements the Worker Pool (spec §4.6): a
// long-running runner that registers with the State Store, claims
// build and provisioning jobs, and executes them. Grounded on
// original_source/worker/worker.py's Worker.run() main loop.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/build"
	"github.com/openwrt/asu/internal/provision"
	"github.com/openwrt/asu/internal/sign"
	"github.com/openwrt/asu/internal/store"
)

// pollInterval is the idle sleep of spec §4.6's loop.
const pollInterval = 5 * time.Second

// Runner executes the spec §4.6 loop for a single worker identity.
type Runner struct {
	store       store.Store
	provisioner *provision.Provisioner
	builder     *build.Builder
	maxSkills   int // 0 means unlimited, matching MAX_TARGETS=0

	name         string
	address      string
	downloadDir  string // published images root; faillogs live under here (spec §6)
	updateServer string // base URL of the Upload & Verification endpoint (spec §4.8)
	signingSK    sign.PrivateKey
	httpClient   *retryablehttp.Client

	log *logrus.Entry

	id     string
	skills map[store.SubtargetKey]bool
}

// New builds a Runner. name/address identify the worker on
// registration (spec §3 Worker); signingSK is the usign-compatible
// keypair the worker signs uploads with; updateServer is the base URL
// the worker POSTs finished archives to (spec §4.7 step 11, §4.8).
func New(s store.Store, prov *provision.Provisioner, builder *build.Builder, name, address, downloadDir, updateServer string, signingSK sign.PrivateKey, maxSkills int, log *logrus.Entry) *Runner {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	return &Runner{
		store:        s,
		provisioner:  prov,
		builder:      builder,
		maxSkills:    maxSkills,
		name:         name,
		address:      address,
		downloadDir:  downloadDir,
		updateServer: updateServer,
		signingSK:    signingSK,
		httpClient:   client,
		log:          log,
		skills:       map[store.SubtargetKey]bool{},
	}
}

// Run registers the worker and executes the main loop until ctx is
// cancelled, at which point it calls worker_destroy (spec §5
// "Cancellation") and returns.
func (r *Runner) Run(ctx context.Context) error {
	id, err := r.store.WorkerRegister(ctx, r.name, r.address, r.signingSK.Public().Marshal())
	if err != nil {
		return err
	}
	r.id = id
	log := r.log.WithField("worker_id", id)
	log.Info("worker registered")

	defer func() {
		if err := r.store.WorkerDestroy(context.Background(), id); err != nil {
			log.WithError(err).Warn("worker_destroy failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return nil
		default:
		}

		if r.tick(ctx, log) {
			continue
		}

		if r.maxSkills == 0 || len(r.skills) < r.maxSkills {
			r.addImagebuilder(ctx, log)
		}
		if err := r.store.WorkerHeartbeat(ctx, id); err != nil {
			log.WithError(err).Warn("heartbeat failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// tick tries every held skill once, building the first claimable job
// it finds. Returns true if a job was claimed (and the caller should
// loop immediately instead of sleeping).
func (r *Runner) tick(ctx context.Context, log *logrus.Entry) bool {
	if len(r.skills) == 0 {
		return false
	}
	keys := make([]store.SubtargetKey, 0, len(r.skills))
	for k := range r.skills {
		keys = append(keys, k)
	}

	job, err := r.store.ClaimNextBuildJob(ctx, keys)
	if err != nil {
		log.WithError(err).Warn("claim_next_build_job failed")
		return false
	}
	if job == nil {
		return false
	}

	jobLog := log.WithField("request_hash", job.RequestHash)
	jobLog.Info("claimed build job")
	r.runBuild(ctx, job, jobLog)
	return true
}

func (r *Runner) runBuild(ctx context.Context, job *store.BuildJob, log *logrus.Entry) {
	outcome, err := r.builder.Build(ctx, job)
	if err != nil {
		log.WithError(err).Error("build errored")
		_ = r.store.SetRequestStatus(ctx, job.RequestHash, store.StatusBuildFail)
		buildOutcomes.WithLabelValues(string(store.StatusBuildFail)).Inc()
		return
	}
	if outcome.FailStatus != "" {
		log.WithField("reason", outcome.FailReason).Warn("build failed")
		_ = r.store.SetRequestStatus(ctx, job.RequestHash, outcome.FailStatus)
		r.writeFailLog(job.RequestHash, outcome.BuildLog)
		buildOutcomes.WithLabelValues(string(outcome.FailStatus)).Inc()
		return
	}

	if _, err := r.store.AddImage(ctx, outcome.Image); err != nil {
		log.WithError(err).Error("add_image failed")
		return
	}
	if err := r.store.CompleteBuildJob(ctx, job.RequestHash, outcome.Image.ImageHash); err != nil {
		log.WithError(err).Error("complete_build_job failed")
		return
	}

	// The request is now "created" (spec §3 invariant i); uploadArchive
	// POSTs the signed archive to the Update Server, which verifies the
	// signature and promotes it to "ready" (spec §4.8). A failed POST
	// leaves the request at "created" for a future upload attempt
	// rather than mapping to one of the build-time terminal states,
	// since no such state exists for upload failures (spec §3).
	if err := r.uploadArchive(ctx, job.RequestHash, outcome.ZipPath); err != nil {
		log.WithError(err).Error("upload failed")
		return
	}

	buildOutcomes.WithLabelValues(string(store.StatusReady)).Inc()
	log.WithField("image_hash", outcome.Image.ImageHash).Info("build complete")
}

func (r *Runner) writeFailLog(requestHash string, logOutput []byte) {
	// <downloaddir>/faillogs/<request_hash>.log (spec §6 persisted
	// state layout).
	if len(logOutput) == 0 {
		return
	}
	dir := filepath.Join(r.downloadDir, "faillogs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.WithError(err).Warn("failed to create faillogs dir")
		return
	}
	path := filepath.Join(dir, requestHash+".log")
	if err := os.WriteFile(path, logOutput, 0o644); err != nil {
		r.log.WithError(err).Warn("failed to persist fail log")
	}
}

// addImagebuilder implements spec §4.6's add_imagebuilder(): poll
// worker_needed; if it names a subtarget this worker already serves,
// do nothing; otherwise provision it and register the skill.
func (r *Runner) addImagebuilder(ctx context.Context, log *logrus.Entry) {
	key, err := r.store.WorkerNeeded(ctx)
	if err != nil {
		log.WithError(err).Warn("worker_needed failed")
		return
	}
	if key == nil {
		return
	}
	if r.skills[*key] {
		return
	}

	log.WithField("subtarget", *key).Info("provisioning imagebuilder")
	if _, err := r.provisioner.Provision(ctx, *key); err != nil {
		log.WithError(err).Warn("provisioning failed, will retry on next poll")
		return
	}
	if err := r.store.RegisterSkill(ctx, r.id, *key, "ready"); err != nil {
		log.WithError(err).Error("register_skill failed")
		return
	}
	r.skills[*key] = true
	log.Info("registered new skill")
}
