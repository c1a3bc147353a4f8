package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/httputil"
)

func testRun() *history.Run {
	return &history.Run{
		RunID:    "20250301_093000",
		Metadata: history.Metadata{PartNo: "PN-1", BatchNo: "B-7", StartedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)},
		Status:   history.StatusCompleted,
		Results: []history.PointResult{
			{PointID: 1, Result: "OK"},
			{PointID: 2, Result: "NG"},
		},
	}
}

func TestClient_Upload(t *testing.T) {
	var (
		gotKey   string
		gotFiles []string
		gotData  []string
		gotRun   history.Run
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DatasetPath, r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("run")), &gotRun))
		var names []string
		for _, fh := range r.MultipartForm.File["files"] {
			gotFiles = append(gotFiles, fh.Filename)
			f, err := fh.Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			gotData = append(gotData, string(data))
			names = append(names, fh.Filename)
		}
		json.NewEncoder(w).Encode(map[string]any{"uploaded": names, "failed": []string{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	msg, err := c.Upload(context.Background(), testRun(), []history.Image{
		{PointID: 1, Filename: "20250301_093000_1.jpg", Data: []byte("one")},
		{PointID: 2, Filename: "20250301_093000_2.jpg", Data: []byte("two")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Uploaded 2 images to training host", msg)
	assert.Equal(t, "20250301_093000", gotKey)
	assert.Equal(t, []string{"20250301_093000_1.jpg", "20250301_093000_2.jpg"}, gotFiles)
	assert.Equal(t, []string{"one", "two"}, gotData)
	assert.Equal(t, "PN-1", gotRun.Metadata.PartNo)
	assert.Len(t, gotRun.Results, 2)
}

func TestClient_UploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *httputil.MockHTTPClient)
		rejected bool
	}{
		{"server error", func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusServiceUnavailable, "busy") }, true},
		{"partial failure", func(m *httputil.MockHTTPClient) {
			m.AddResponse(http.StatusOK, `{"uploaded":["a.jpg"],"failed":["b.jpg"]}`)
		}, true},
		{"bad json", func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusOK, "not json") }, false},
		{"transport", func(m *httputil.MockHTTPClient) { m.AddErrorResponse(errors.New("no route to host")) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := httputil.NewMockHTTPClient()
			tt.setup(m)
			c := NewClient("http://trainer.local", m)
			_, err := c.Upload(context.Background(), testRun(), []history.Image{{PointID: 1, Filename: "a.jpg", Data: []byte("a")}})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))

			req := m.GetRequest(0)
			require.NotNil(t, req)
			assert.Equal(t, "http://trainer.local/api/datasets/upload", req.URL.String())
		})
	}
}
