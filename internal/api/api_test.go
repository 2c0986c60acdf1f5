package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/asu/internal/intake"
	"github.com/openwrt/asu/internal/sign"
	"github.com/openwrt/asu/internal/store"
	"github.com/openwrt/asu/internal/store/memstore"
	"github.com/openwrt/asu/internal/upload"
)

func newTestServer(t *testing.T) (*Server, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	log := logrus.NewEntry(logrus.New())
	intakeSvc := intake.New(s, "lede", log)
	uploadSvc := upload.New(s, t.TempDir(), t.TempDir(), log)
	return New(intakeSvc, uploadSvc, s, t.TempDir(), log), s
}

func seedSubtarget(s *memstore.Store, key store.SubtargetKey) {
	s.SeedSubtarget(key, store.Supported, time.Now())
	s.SeedProfile(key, store.Profile{ProfileName: "generic"})
}

func TestHandleUpgradeCheckUnknownTarget(t *testing.T) {
	srv, s := newTestServer(t)
	seedSubtarget(s, store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "x86", Subtarget: "64"})

	body, _ := json.Marshal(jsonRequestBody{
		Distro: "lede", Version: "17.01.4", Target: "ar71xx", Subtarget: "generic",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upgrade-check", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpgradeRequestMissingFieldsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(jsonRequestBody{Distro: "lede"})
	req := httptest.NewRequest(http.MethodPost, "/api/upgrade-request", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpgradeRequestHappyPathReturnsStatus(t *testing.T) {
	srv, s := newTestServer(t)
	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	seedSubtarget(s, key)

	body, _ := json.Marshal(jsonRequestBody{
		Distro: "lede", Version: "17.01.4", Target: "ar71xx", Subtarget: "generic", Profile: "generic",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upgrade-request", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleDistrosReturnsSeededDistros(t *testing.T) {
	srv, s := newTestServer(t)
	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	seedSubtarget(s, key)

	req := httptest.NewRequest(http.MethodGet, "/api/distros", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var distros []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &distros))
	assert.Contains(t, distros, "lede")
}

func TestHandleUploadImageMissingPartsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("request_hash", "deadbeef0000")
	_ = mw.WriteField("worker_id", "worker-1")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUploadImageValidSubmissionPromotesToReady(t *testing.T) {
	srv, s := newTestServer(t)
	sk, err := sign.GenerateKey()
	require.NoError(t, err)

	workerID, err := s.WorkerRegister(context.Background(), "worker-1", "", sk.Public().Marshal())
	require.NoError(t, err)

	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	seedSubtarget(s, key)
	packagesHash, err := s.EnsurePackagesHash(context.Background(), nil)
	require.NoError(t, err)
	hash, _, err := s.FindOrInsertRequest(context.Background(), store.RequestTuple{SubtargetKey: key, Profile: "generic", PackagesHash: packagesHash})
	require.NoError(t, err)
	require.NoError(t, s.SetRequestStatus(context.Background(), hash, store.StatusCreated))

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	fw, err := zw.Create(hash + "-squashfs-sysupgrade.bin")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("firmware bytes"))
	require.NoError(t, zw.Close())
	archive := zipBuf.Bytes()
	sig := sign.Sign(sk, archive)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("request_hash", hash)
	_ = mw.WriteField("worker_id", workerID)
	aw, err := mw.CreateFormFile("archive", hash+".zip")
	require.NoError(t, err)
	_, _ = aw.Write(archive)
	sw, err := mw.CreateFormFile("signature", hash+".zip.sig")
	require.NoError(t, err)
	_, _ = sw.Write(sig)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	status, err := s.RequestStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, status)
}
