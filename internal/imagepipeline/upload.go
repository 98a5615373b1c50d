package imagepipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"

	"github.com/llmbridge/gateway/internal/entity"
)

// HTTPUploader posts image bytes to a file-host endpoint as
// multipart/form-data and returns the hosted URL from its JSON
// response's "url" field.
type HTTPUploader struct {
	Client *http.Client
}

// NewHTTPUploader builds an uploader with a bounded-timeout client.
func NewHTTPUploader() *HTTPUploader {
	return &HTTPUploader{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (u *HTTPUploader) Upload(ctx context.Context, endpoint entity.FilebedEndpoint, data []byte, contentType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "upload")
	if err != nil {
		return "", errors.Wrap(err, "create multipart field")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "write multipart body")
	}
	if err := writer.Close(); err != nil {
		return "", errors.Wrap(err, "close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, &body)
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return "", errors.New("attachment too large for endpoint")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("upload endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read upload response")
	}

	url, err := extractURLField(raw)
	if err != nil {
		return "", err
	}
	return url, nil
}

// HTTPDownloader fetches a remote image URL's bytes with retry.
type HTTPDownloader struct {
	Client     *http.Client
	MaxRetries int
}

// NewHTTPDownloader builds a downloader with sane retry defaults.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{Timeout: 30 * time.Second}, MaxRetries: 3}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	retries := d.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", errors.Wrap(err, "build download request")
		}

		resp, err := d.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = errors.Errorf("download returned status %d", resp.StatusCode)
			continue
		}

		return data, resp.Header.Get("Content-Type"), nil
	}

	return nil, "", errors.Wrap(lastErr, "download failed after retries")
}

// LocalArchiver persists a diagnostic copy of downloaded images under
// downloaded_images/YYYYMMDD/<ts>.<ext>, independent of the upload
// pipeline's own encoding choice.
type LocalArchiver struct {
	BaseDir string
	Format  *LocalSaveFormat
}

func (a *LocalArchiver) Archive(ctx context.Context, data []byte, ext string) error {
	if a.Format != nil && a.Format.Format != "" {
		reencoded, _, err := reencodeForArchive(data, a.Format)
		if err == nil {
			data = reencoded
			ext = a.Format.Format
		}
	}

	day := time.Now().Format("20060102")
	dir := filepath.Join(a.BaseDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create archive directory")
	}

	name := fmt.Sprintf("%d.%s", time.Now().UnixNano(), ext)
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func reencodeForArchive(data []byte, format *LocalSaveFormat) ([]byte, string, error) {
	img, err := decode(data, "")
	if err != nil {
		return nil, "", err
	}
	q := format.Quality
	if q <= 0 {
		q = 90
	}
	out, err := encode(img, format.Format, q)
	return out, format.Format, err
}

func extractURLField(raw []byte) (string, error) {
	result := gjson.GetBytes(raw, "url")
	if !result.Exists() || result.String() == "" {
		result = gjson.GetBytes(raw, "data.url")
	}
	if !result.Exists() || result.String() == "" {
		return "", errors.New("upload response missing url field")
	}
	return result.String(), nil
}
