package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPUploader uploads media blobs to a media service with a plain POST.
// The service responds with {"url": "..."}.
type HTTPUploader struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPUploader constructs an uploader against endpoint.
func NewHTTPUploader(endpoint string) *HTTPUploader {
	return &HTTPUploader{Endpoint: endpoint, Client: http.DefaultClient}
}

// Upload sends the blob and returns its public URL.
func (u *HTTPUploader) Upload(ctx context.Context, blob MediaBlob) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, bytes.NewReader(blob.Data))
	if err != nil {
		return "", fmt.Errorf("chat: upload request: %w", err)
	}
	req.Header.Set("Content-Type", blob.ContentType)

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat: upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat: upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("chat: upload response missing url")
	}
	return out.URL, nil
}

// InlineUploader is the dev fallback: it encodes the blob as a data URL,
// so media messages work without a media service.
type InlineUploader struct{}

// Upload returns a data URL embedding the blob.
func (InlineUploader) Upload(_ context.Context, blob MediaBlob) (string, error) {
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(blob.Data), nil
}
