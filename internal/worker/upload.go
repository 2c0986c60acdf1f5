package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"
)

// uploadArchive implements spec §4.7 step 11 / §4.8: POST the signed
// build archive to the Update Server's upload endpoint, using the same
// multipart shape internal/api's handleUploadImage parses (request_hash,
// worker_id form fields; archive, signature files).
func (r *Runner) uploadArchive(ctx context.Context, requestHash, zipPath string) error {
	archive, err := os.ReadFile(zipPath)
	if err != nil {
		return fmt.Errorf("upload: read archive: %w", err)
	}
	signature := r.signingSK.Sign(archive)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("request_hash", requestHash); err != nil {
		return err
	}
	if err := mw.WriteField("worker_id", r.id); err != nil {
		return err
	}
	if err := writeFormFile(mw, "archive", requestHash+".zip", archive); err != nil {
		return err
	}
	if err := writeFormFile(mw, "signature", requestHash+".zip.sig", signature); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.updateServer+"/upload-image", body.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func writeFormFile(mw *multipart.Writer, field, filename string, data []byte) error {
	w, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
