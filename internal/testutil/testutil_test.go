package testutil

import (
	"io"
	"net/http"
	"testing"

	"github.com/banshee-data/aoi.edge/internal/httputil"
)

func TestHelpers(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "application/json" {
			httputil.BadRequest(w, "want json")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	rec := Serve(h, NewJSONRequest(t, http.MethodPost, "/echo", map[string]int{"point_id": 2}))
	AssertStatusCode(t, rec, http.StatusOK)
	var got map[string]int
	DecodeJSON(t, rec, &got)
	if got["point_id"] != 2 {
		t.Errorf("echo = %v", got)
	}

	rec = Serve(h, NewJSONRequest(t, http.MethodPost, "/echo", nil))
	AssertStatusCode(t, rec, http.StatusBadRequest)
	AssertErrorCode(t, rec, "invalid_request")
}
