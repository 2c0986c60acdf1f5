package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
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

func TestRunnerRegistersAndDestroysOnShutdown(t *testing.T) {
	s := memstore.New()
	sk, err := sign.GenerateKey()
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())

	r := New(s, nil, nil, "worker-1", "", t.TempDir(), "", sk, 1, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give the registration a moment to happen, then shut the worker down.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down in time")
	}

	_, err = s.GetWorker(context.Background(), r.id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTickClaimsAndCompletesNoOpWithoutSkills(t *testing.T) {
	s := memstore.New()
	log := logrus.NewEntry(logrus.New())
	r := &Runner{store: s, log: log, skills: map[store.SubtargetKey]bool{}}

	claimed := r.tick(context.Background(), log)
	assert.False(t, claimed)
}

func TestUploadArchivePostsSignedMultipart(t *testing.T) {
	sk, err := sign.GenerateKey()
	require.NoError(t, err)

	var gotRequestHash, gotWorkerID string
	var gotArchive, gotSignature []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseMultipartForm(1<<20))
		gotRequestHash = req.FormValue("request_hash")
		gotWorkerID = req.FormValue("worker_id")

		archiveFile, _, err := req.FormFile("archive")
		require.NoError(t, err)
		gotArchive = readAll(t, archiveFile)

		sigFile, _, err := req.FormFile("signature")
		require.NoError(t, err)
		gotSignature = readAll(t, sigFile)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	zipPath := filepath.Join(t.TempDir(), "abc123.zip")
	archiveContent := []byte("fake archive contents")
	require.NoError(t, os.WriteFile(zipPath, archiveContent, 0o644))

	r := New(memstore.New(), nil, nil, "worker-1", "", t.TempDir(), srv.URL, sk, 1, logrus.NewEntry(logrus.New()))
	r.id = "worker-id-1"

	err = r.uploadArchive(context.Background(), "abc123", zipPath)
	require.NoError(t, err)

	assert.Equal(t, "abc123", gotRequestHash)
	assert.Equal(t, "worker-id-1", gotWorkerID)
	assert.Equal(t, archiveContent, gotArchive)
	assert.Equal(t, sk.Sign(archiveContent), gotSignature)
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}
