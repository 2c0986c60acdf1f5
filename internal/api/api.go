// Package api is the concrete HTTP façade named (but left unspecified)
// by spec §6: echo/v4 routing, request binding and JSON responses over
// internal/intake, internal/upload and the read-side store.Store
// catalogues. Grounded on the teacher's cloudapi/v2 handler shape (see
// other_examples' cloudapi v2.go) — thin handlers that convert
// transport payloads into calls against a plain Go service.
package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/apierr"
	"github.com/openwrt/asu/internal/intake"
	"github.com/openwrt/asu/internal/store"
	"github.com/openwrt/asu/internal/upload"
)

// Server wires intake, upload and the store's read-side catalogues
// into an echo.Echo instance.
type Server struct {
	echo    *echo.Echo
	intake  *intake.Service
	upload  *upload.Service
	store   store.Store
	log     *logrus.Entry
	metrics *metrics
}

type metrics struct {
	requestsTotal *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// New builds a Server with every route of spec §6 plus SPEC_FULL §9's
// supplemented read endpoints registered.
func New(intakeSvc *intake.Service, uploadSvc *upload.Service, s store.Store, downloadDir string, log *logrus.Entry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(middleware.Logger())

	srv := &Server{
		echo:   e,
		intake: intakeSvc,
		upload: uploadSvc,
		store:  s,
		log:    log,
		metrics: &metrics{
			requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asu_api_requests_total",
				Help: "Total number of API requests, labeled by route and status code.",
			}, []string{"route", "status"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "asu_queue_depth",
				Help: "Number of workers currently registered, as a proxy for build capacity.",
			}),
		},
	}
	if err := prometheus.Register(srv.metrics.requestsTotal); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		srv.metrics.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := prometheus.Register(srv.metrics.queueDepth); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		srv.metrics.queueDepth = are.ExistingCollector.(prometheus.Gauge)
	}

	e.Use(srv.instrumentRequests)
	e.HTTPErrorHandler = srv.errorHandler

	e.POST("/api/upgrade-check", srv.handleUpgradeCheck)
	e.POST("/api/upgrade-request", srv.handleUpgradeRequest)
	e.POST("/api/build-request", srv.handleUpgradeRequest)
	e.POST("/upload-image", srv.handleUploadImage)
	e.Static("/download", downloadDir)

	e.GET("/api/distros", srv.handleDistros)
	e.GET("/api/releases", srv.handleReleases)
	e.GET("/api/models", srv.handleModels)
	e.GET("/api/packages_image/:hash", srv.handlePackagesHash)
	e.GET("/api/network_profiles", srv.handleNetworkProfiles)
	e.GET("/api/stats", srv.handleStats)
	e.GET("/api/fails", srv.handleFails)
	e.GET("/api/packages_hash/:hash", srv.handlePackagesHash)
	e.GET("/api/manifest/:hash", srv.handleManifest)
	e.GET("/api/supported", srv.handleSupported)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go srv.pollActiveWorkers(context.Background())

	return srv
}

// instrumentRequests counts every request by route and response status,
// the way the teacher's cloudapi middleware chain instruments its own
// handlers ahead of business logic.
func (s *Server) instrumentRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		route := c.Path()
		if route == "" {
			route = "unknown"
		}
		status := c.Response().Status
		if apiErr, ok := err.(*apierr.Error); ok {
			status = apiErr.Status()
		}
		s.metrics.requestsTotal.WithLabelValues(route, http.StatusText(status)).Inc()
		return err
	}
}

// pollActiveWorkers refreshes the queue_depth gauge from store.Stats every
// 15s until ctx is cancelled, so /metrics reflects live fleet size without
// every request paying for a Stats query.
func (s *Server) pollActiveWorkers(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if stats, err := s.store.Stats(ctx); err == nil {
			s.metrics.queueDepth.Set(float64(stats.ActiveWorkers))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Echo exposes the underlying echo.Echo for cmd/asu-server to Start.
func (s *Server) Echo() *echo.Echo { return s.echo }

type jsonRequestBody struct {
	Distro         string   `json:"distro"`
	Version        string   `json:"version"`
	Target         string   `json:"target"`
	Subtarget      string   `json:"subtarget"`
	Profile        string   `json:"profile"`
	NetworkProfile string   `json:"network_profile"`
	Packages       []string `json:"packages"`
}

func bindRequestBody(c echo.Context) (intake.RequestBody, error) {
	var body jsonRequestBody
	if err := c.Bind(&body); err != nil {
		return intake.RequestBody{}, apierr.New(apierr.InvalidRequest, "malformed JSON body")
	}
	return intake.RequestBody{
		Distro:         body.Distro,
		Release:        body.Version,
		Target:         body.Target,
		Subtarget:      body.Subtarget,
		Profile:        body.Profile,
		NetworkProfile: body.NetworkProfile,
		Packages:       body.Packages,
	}, nil
}

func (s *Server) handleUpgradeCheck(c echo.Context) error {
	body, err := bindRequestBody(c)
	if err != nil {
		return err
	}
	res, err := s.intake.HandleUpgradeCheck(c.Request().Context(), body)
	if err != nil {
		return err
	}
	return respondResult(c, res)
}

func (s *Server) handleUpgradeRequest(c echo.Context) error {
	body, err := bindRequestBody(c)
	if err != nil {
		return err
	}
	if body.Target == "" || body.Subtarget == "" || body.Profile == "" {
		return apierr.New(apierr.InvalidRequest, "missing required fields: target, subtarget, profile")
	}
	res, err := s.intake.HandleUpgradeRequest(c.Request().Context(), body)
	if err != nil {
		return err
	}
	return respondResult(c, res)
}

func respondResult(c echo.Context, res intake.Result) error {
	if res.Image != nil {
		status := http.StatusOK
		if res.Status != nil {
			status = http.StatusCreated
		}
		return c.JSON(status, res.Image)
	}
	return c.JSON(http.StatusCreated, res.Status)
}

func (s *Server) handleUploadImage(c echo.Context) error {
	requestHash := c.FormValue("request_hash")
	workerID := c.FormValue("worker_id")

	archiveFile, err := c.FormFile("archive")
	if err != nil {
		return apierr.New(apierr.InvalidRequest, "missing archive file")
	}
	sigFile, err := c.FormFile("signature")
	if err != nil {
		return apierr.New(apierr.InvalidRequest, "missing signature file")
	}
	if archiveFile.Filename != requestHash+".zip" || sigFile.Filename != requestHash+".zip.sig" {
		return apierr.New(apierr.InvalidRequest, "filename does not match request_hash")
	}

	archive, err := readMultipartFile(archiveFile)
	if err != nil {
		return err
	}
	signature, err := readMultipartFile(sigFile)
	if err != nil {
		return err
	}

	err = s.upload.Accept(c.Request().Context(), upload.Submission{
		RequestHash: requestHash,
		WorkerID:    workerID,
		Archive:     archive,
		Signature:   signature,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleDistros(c echo.Context) error {
	distros, err := s.store.Distros(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, distros)
}

func (s *Server) handleReleases(c echo.Context) error {
	releases, err := s.store.GetReleases(c.Request().Context(), c.QueryParam("distro"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, releases)
}

func (s *Server) handleModels(c echo.Context) error {
	key := store.SubtargetKey{Distro: c.QueryParam("distro"), Release: c.QueryParam("release")}
	profiles, err := s.store.Models(c.Request().Context(), key, c.QueryParam("model_search"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, profiles)
}

func (s *Server) handlePackagesHash(c echo.Context) error {
	packages, err := s.store.PackagesHashPackages(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, packages)
}

func (s *Server) handleManifest(c echo.Context) error {
	manifest, err := s.store.ManifestInfo(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, manifest)
}

func (s *Server) handleNetworkProfiles(c echo.Context) error {
	profiles, err := s.store.NetworkProfiles(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, profiles)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleFails(c echo.Context) error {
	fails, err := s.store.FailedRequests(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fails)
}

func (s *Server) handleSupported(c echo.Context) error {
	subtargets, err := s.store.SupportedSubtargets(c.Request().Context(), c.QueryParam("distro"), c.QueryParam("release"), c.QueryParam("target"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subtargets)
}

// errorHandler maps apierr.Error values to their spec §7 HTTP status;
// anything else falls back to echo's default handler, matching the
// teacher's cloudapi error-mapping pattern.
func (s *Server) errorHandler(err error, c echo.Context) {
	if apiErr, ok := err.(*apierr.Error); ok {
		if !c.Response().Committed {
			_ = c.JSON(apiErr.Status(), map[string]string{"error": apiErr.Message})
		}
		return
	}
	s.log.WithError(err).Error("unhandled request error")
	s.echo.DefaultHTTPErrorHandler(err, c)
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
