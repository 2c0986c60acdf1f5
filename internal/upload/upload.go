// Package upload implements Upload & Verification (spec §4.8): accepts
// a worker's signed build archive, verifies it against the worker's
// registered public key, extracts it into the public download tree,
// and promotes the request to ready.
package upload

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/openwrt/asu/internal/apierr"
	"github.com/openwrt/asu/internal/sign"
	"github.com/openwrt/asu/internal/store"
)

// Submission is a parsed multipart upload (spec §4.8).
type Submission struct {
	RequestHash string
	WorkerID    string
	Archive     []byte // <request_hash>.zip bytes
	Signature   []byte // <request_hash>.zip.sig bytes
}

// Service verifies and extracts worker uploads.
type Service struct {
	store       store.Store
	downloadDir string
	scratchDir  string
	log         *logrus.Entry
}

// New builds an upload Service.
func New(s store.Store, downloadDir, scratchDir string, log *logrus.Entry) *Service {
	return &Service{store: s, downloadDir: downloadDir, scratchDir: scratchDir, log: log}
}

// Accept implements spec §4.8 end to end.
func (svc *Service) Accept(ctx context.Context, sub Submission) error {
	if sub.RequestHash == "" || sub.WorkerID == "" || len(sub.Archive) == 0 || len(sub.Signature) == 0 {
		return apierr.New(apierr.InvalidRequest, "missing required field")
	}

	worker, err := svc.store.GetWorker(ctx, sub.WorkerID)
	if err == store.ErrNotFound {
		return apierr.New(apierr.InvalidRequest, "unknown worker_id %q", sub.WorkerID)
	}
	if err != nil {
		return err
	}

	status, err := svc.store.RequestStatus(ctx, sub.RequestHash)
	if err == store.ErrNotFound {
		return apierr.New(apierr.InvalidRequest, "unknown request_hash %q", sub.RequestHash)
	}
	if err != nil {
		return err
	}
	if status != store.StatusCreated {
		return apierr.New(apierr.InvalidRequest, "request %q is not awaiting upload (status %s)", sub.RequestHash, status)
	}

	pk, err := sign.ParsePublicKey(worker.PublicKey)
	if err != nil {
		return apierr.New(apierr.InvalidRequest, "invalid worker public key: %v", err)
	}

	scratchZip := filepath.Join(svc.scratchDir, sub.RequestHash+".zip")
	if err := os.WriteFile(scratchZip, sub.Archive, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(scratchZip+".sig", sub.Signature, 0o644); err != nil {
		return err
	}

	ok, err := sign.Verify(pk, sub.Archive, sub.Signature)
	if err != nil {
		return apierr.New(apierr.SignatureMismatch, "signature verification error: %v", err)
	}
	if !ok {
		return apierr.New(apierr.SignatureMismatch, "signature does not match worker's registered key")
	}

	if err := svc.extract(sub.RequestHash); err != nil {
		return err
	}

	return svc.store.SetRequestStatus(ctx, sub.RequestHash, store.StatusReady)
}

func (svc *Service) extract(requestHash string) error {
	zipPath := filepath.Join(svc.scratchDir, requestHash+".zip")
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("upload: open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(svc.downloadDir, 0o755); err != nil {
		return err
	}

	for _, f := range r.File {
		destPath := filepath.Join(svc.downloadDir, filepath.Base(f.Name))
		if _, err := os.Stat(destPath); err == nil {
			svc.log.WithField("file", f.Name).Info("already_created: file exists, skipping extraction")
			continue
		}
		if err := extractOne(f, destPath); err != nil {
			return fmt.Errorf("upload: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractOne(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
