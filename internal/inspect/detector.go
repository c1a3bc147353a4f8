package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
)

var errEmptyFrame = errors.New("empty frame")

// SimDetector judges frames NG with a fixed probability, reporting a
// missing component when it does.
type SimDetector struct {
	NGProbability float64
	Latency       time.Duration
	Clock         timeutil.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimDetector returns a detector drawing from rng. A nil rng is seeded
// randomly.
func NewSimDetector(ngProbability float64, rng *rand.Rand) *SimDetector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SimDetector{NGProbability: ngProbability, Clock: timeutil.RealClock{}, rng: rng}
}

func (d *SimDetector) Detect(ctx context.Context, frame []byte) (Verdict, error) {
	if len(frame) == 0 {
		return Verdict{}, errEmptyFrame
	}
	if err := timeutil.SleepContext(ctx, d.Clock, d.Latency); err != nil {
		return Verdict{}, err
	}

	d.mu.Lock()
	ng := d.rng.Float64() < d.NGProbability
	d.mu.Unlock()

	if !ng {
		return Verdict{Result: ResultOK, Detections: []Detection{}}, nil
	}
	return Verdict{
		Result: ResultNG,
		Detections: []Detection{
			{Label: "missing_component", Confidence: 0.95, Box: [4]int{100, 100, 50, 50}},
		},
	}, nil
}

// HTTPDetector posts frames to an inference service which answers with a
// Verdict document.
type HTTPDetector struct {
	URL    string
	Client httputil.HTTPClient
}

func NewHTTPDetector(url string, client httputil.HTTPClient) *HTTPDetector {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPDetector{URL: url, Client: client}
}

// maxVerdictBytes bounds the inference response read.
const maxVerdictBytes = 1 << 20

func (d *HTTPDetector) Detect(ctx context.Context, frame []byte) (Verdict, error) {
	if len(frame) == 0 {
		return Verdict{}, errEmptyFrame
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(frame))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerdictBytes))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if !ValidResult(v.Result) {
		return Verdict{}, fmt.Errorf("inference service returned result %q", v.Result)
	}
	return v, nil
}
