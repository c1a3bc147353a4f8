package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/testutil"
)

func TestNGRateSeries(t *testing.T) {
	runs := []history.Summary{
		{RunID: "20250301_100000", Metadata: history.Metadata{PartNo: "PN-2"}, Stats: history.Stats{Total: 3, NG: 1}},
		{RunID: "20250301_093000", Metadata: history.Metadata{PartNo: "PN-1"}, Stats: history.Stats{Total: 4, NG: 2}},
		{RunID: "20250301_090000", Metadata: history.Metadata{PartNo: "PN-1"}},
	}

	x, y := ngRateSeries(runs)
	if diff := cmp.Diff([]string{"20250301_090000", "20250301_093000", "20250301_100000"}, x); diff != "" {
		t.Errorf("x axis mismatch (-want +got):\n%s", diff)
	}
	got := make([]interface{}, len(y))
	for i, b := range y {
		got[i] = b.Value
	}
	if diff := cmp.Diff([]interface{}{0.0, 50.0, 33.3}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestRunsChart(t *testing.T) {
	f := newFixture(t, nil)
	f.runTwoPoints(t)

	rec := testutil.Serve(http.HandlerFunc(f.srv.handleRunsChart), httptest.NewRequest(http.MethodGet, "/debug/runs", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "NG rate per run")
}
