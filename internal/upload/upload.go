// Package upload delivers finished runs to the training host's dataset
// endpoint.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/httputil"
)

// DatasetPath is the training host's upload endpoint.
const DatasetPath = "/api/datasets/upload"

var ErrRejected = errors.New("training host rejected upload")

// Client posts runs as multipart forms: one "files" part per frame and a
// "run" field holding the run document. Frames are named by run and point so
// a retried upload overwrites rather than duplicates.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the training host at baseURL.
func NewClient(baseURL string, client httputil.HTTPClient) *Client {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: client}
}

type datasetResponse struct {
	Uploaded []string `json:"uploaded"`
	Failed   []string `json:"failed"`
}

func (c *Client) Upload(ctx context.Context, run *history.Run, images []history.Image) (string, error) {
	body, contentType, err := encode(run, images)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+DatasetPath, body)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", run.RunID)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(data))
	}

	var out datasetResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if len(out.Failed) > 0 {
		return "", fmt.Errorf("%w: %d of %d images failed: %s", ErrRejected,
			len(out.Failed), len(images), strings.Join(out.Failed, ", "))
	}
	return fmt.Sprintf("Uploaded %d images to training host", len(out.Uploaded)), nil
}

func encode(run *history.Run, images []history.Image) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	doc, err := json.Marshal(run)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode run: %w", err)
	}
	if err := w.WriteField("run", string(doc)); err != nil {
		return nil, "", err
	}

	for _, img := range images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, img.Filename))
		h.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
