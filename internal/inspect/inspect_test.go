package inspect

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/motion"
)

func TestSimCamera_Frame(t *testing.T) {
	cam := NewSimCamera(0, nil)
	frame, err := cam.Capture(context.Background(), motion.Position{X: 12.5, Y: 40})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())
	assert.Equal(t, 1, cam.Frames())
}

func TestSimDetector(t *testing.T) {
	ctx := context.Background()
	frame := []byte{0xff, 0xd8}

	always := NewSimDetector(1, rand.New(rand.NewPCG(1, 2)))
	v, err := always.Detect(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, ResultNG, v.Result)
	require.Len(t, v.Detections, 1)
	assert.Equal(t, "missing_component", v.Detections[0].Label)

	never := NewSimDetector(0, nil)
	v, err = never.Detect(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, v.Result)
	assert.Empty(t, v.Detections)

	_, err = never.Detect(ctx, nil)
	assert.Error(t, err)

	// Over many frames the NG rate tracks the probability.
	d := NewSimDetector(0.3, rand.New(rand.NewPCG(7, 7)))
	ng := 0
	for i := 0; i < 2000; i++ {
		v, err := d.Detect(ctx, frame)
		require.NoError(t, err)
		if v.Result == ResultNG {
			ng++
		}
	}
	assert.InDelta(t, 600, ng, 100)
}

func TestHTTPDetector(t *testing.T) {
	var gotType string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotLen = len(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result":"NG","detections":[{"label":"solder_bridge","confidence":0.8,"box":[1,2,3,4]}]}`)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, nil)
	v, err := d.Detect(context.Background(), []byte("jpegdata"))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", gotType)
	assert.Equal(t, 8, gotLen)
	assert.Equal(t, ResultNG, v.Result)
	assert.Equal(t, [4]int{1, 2, 3, 4}, v.Detections[0].Box)
}

func TestHTTPDetector_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *httputil.MockHTTPClient)
	}{
		{"server error", func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusInternalServerError, "boom") }},
		{"bad json", func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusOK, "{") }},
		{"bad result", func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusOK, `{"result":"MAYBE"}`) }},
		{"transport", func(m *httputil.MockHTTPClient) { m.AddErrorResponse(errors.New("connection refused")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := httputil.NewMockHTTPClient()
			tt.setup(m)
			d := NewHTTPDetector("http://inference.local/detect", m)
			_, err := d.Detect(context.Background(), []byte("jpeg"))
			assert.Error(t, err)
			assert.Equal(t, 1, m.RequestCount())
		})
	}
}

type fakeCamera struct {
	calls int
	err   error
}

func (c *fakeCamera) Capture(context.Context, motion.Position) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []byte("frame"), nil
}

type fakeDetector struct {
	v   Verdict
	err error
}

func (d *fakeDetector) Detect(context.Context, []byte) (Verdict, error) { return d.v, d.err }

func TestPipeline_FlushesBeforeCapture(t *testing.T) {
	cam := NewSimCamera(0, nil)
	p := NewPipeline(cam, NewSimDetector(0, nil))

	v, frame, err := p.Inspect(context.Background(), motion.Position{X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, v.Result)
	assert.NotEmpty(t, frame)
	assert.Equal(t, DefaultFlushFrames+1, cam.Frames())
}

func TestPipeline_Failures(t *testing.T) {
	ctx := context.Background()

	p := NewPipeline(&fakeCamera{err: errors.New("usb reset")}, &fakeDetector{})
	_, _, err := p.Inspect(ctx, motion.Position{})
	assert.ErrorIs(t, err, ErrInspectionFailed)

	p = NewPipeline(&fakeCamera{}, &fakeDetector{err: errors.New("model crashed")})
	_, frame, err := p.Inspect(ctx, motion.Position{})
	assert.ErrorIs(t, err, ErrInspectionFailed)
	assert.Equal(t, []byte("frame"), frame, "frame is kept for review")

	p = NewPipeline(&fakeCamera{}, &fakeDetector{v: Verdict{Result: "??"}})
	_, _, err = p.Inspect(ctx, motion.Position{})
	assert.ErrorIs(t, err, ErrInspectionFailed)

	p = NewPipeline(&fakeCamera{}, &fakeDetector{v: Verdict{Result: ResultOK}})
	v, _, err := p.Inspect(ctx, motion.Position{})
	require.NoError(t, err)
	assert.NotNil(t, v.Detections)
}

func TestValidResult(t *testing.T) {
	assert.True(t, ValidResult("OK"))
	assert.True(t, ValidResult("NG"))
	assert.False(t, ValidResult("ok"))
	assert.False(t, ValidResult(""))
}
