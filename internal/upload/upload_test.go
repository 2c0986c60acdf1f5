package upload

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/asu/internal/sign"
	"github.com/openwrt/asu/internal/store"
	"github.com/openwrt/asu/internal/store/memstore"
)

type fixture struct {
	svc      *Service
	s        *memstore.Store
	sk       sign.PrivateKey
	workerID string
	hash     string
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func setupFixture(t *testing.T) fixture {
	t.Helper()
	s := memstore.New()
	sk, err := sign.GenerateKey()
	require.NoError(t, err)

	ctx := context.Background()
	workerID, err := s.WorkerRegister(ctx, "worker-1", "", sk.Public().Marshal())
	require.NoError(t, err)

	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	s.SeedSubtarget(key, store.Supported, time.Now())
	s.SeedProfile(key, store.Profile{ProfileName: "generic"})

	packagesHash, err := s.EnsurePackagesHash(ctx, nil)
	require.NoError(t, err)
	hash, _, err := s.FindOrInsertRequest(ctx, store.RequestTuple{SubtargetKey: key, Profile: "generic", PackagesHash: packagesHash})
	require.NoError(t, err)
	require.NoError(t, s.SetRequestStatus(ctx, hash, store.StatusCreated))

	root := t.TempDir()
	scratch := filepath.Join(root, "scratch")
	download := filepath.Join(root, "download")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.MkdirAll(download, 0o755))

	svc := New(s, download, scratch, logrus.NewEntry(logrus.New()))
	return fixture{svc: svc, s: s, sk: sk, workerID: workerID, hash: hash}
}

func TestAcceptValidUploadPromotesToReady(t *testing.T) {
	f := setupFixture(t)
	archive := makeArchive(t, map[string]string{f.hash + "-squashfs-sysupgrade.bin": "firmware bytes"})
	sig := sign.Sign(f.sk, archive)

	err := f.svc.Accept(context.Background(), Submission{
		RequestHash: f.hash, WorkerID: f.workerID, Archive: archive, Signature: sig,
	})
	require.NoError(t, err)

	status, err := f.s.RequestStatus(context.Background(), f.hash)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, status)
}

func TestAcceptRejectsBadSignature(t *testing.T) {
	f := setupFixture(t)
	archive := makeArchive(t, map[string]string{f.hash + ".bin": "firmware bytes"})
	other, err := sign.GenerateKey()
	require.NoError(t, err)
	badSig := sign.Sign(other, archive)

	err = f.svc.Accept(context.Background(), Submission{
		RequestHash: f.hash, WorkerID: f.workerID, Archive: archive, Signature: badSig,
	})
	require.Error(t, err)

	status, serr := f.s.RequestStatus(context.Background(), f.hash)
	require.NoError(t, serr)
	assert.Equal(t, store.StatusCreated, status)
}

func TestAcceptRejectsUnknownWorker(t *testing.T) {
	f := setupFixture(t)
	archive := makeArchive(t, map[string]string{f.hash + ".bin": "x"})
	sig := sign.Sign(f.sk, archive)

	err := f.svc.Accept(context.Background(), Submission{
		RequestHash: f.hash, WorkerID: "does-not-exist", Archive: archive, Signature: sig,
	})
	require.Error(t, err)
}

func TestAcceptRejectsWrongStatus(t *testing.T) {
	f := setupFixture(t)
	require.NoError(t, f.s.SetRequestStatus(context.Background(), f.hash, store.StatusBuilding))

	archive := makeArchive(t, map[string]string{f.hash + ".bin": "x"})
	sig := sign.Sign(f.sk, archive)

	err := f.svc.Accept(context.Background(), Submission{
		RequestHash: f.hash, WorkerID: f.workerID, Archive: archive, Signature: sig,
	})
	require.Error(t, err)
}
