// Package transform fits the 2D similarity transform that maps taught
// fiducial positions onto the positions the operator re-locates them at
// before a run, and applies it to taught inspection points.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInsufficientCorrespondences = errors.New("at least two reference pairs are required")
	ErrDegenerateReferences        = errors.New("reference marks are coincident")
	ErrResidualExceedsTolerance    = errors.New("fit residual exceeds tolerance")
	ErrSingularTransform           = errors.New("transform has zero scale")
)

// degenerateEpsilon is the minimum teach-side separation in mm for a fit.
const degenerateEpsilon = 1e-3

// Point2D is a position in machine work coordinates (mm).
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pair is one fiducial correspondence: where it was taught and where it was
// found at run time.
type Pair struct {
	Teach   Point2D `json:"teach"`
	Runtime Point2D `json:"runtime"`
}

// Transform is p' = Scale * R(Rotation) * p + (TX, TY).
type Transform struct {
	Rotation float64 `json:"rotation"`
	Scale    float64 `json:"scale"`
	TX       float64 `json:"tx"`
	TY       float64 `json:"ty"`
	Residual float64 `json:"residual"`
}

// Options controls a fit.
type Options struct {
	// AllowScale lets the fit estimate a uniform scale. When false the scale
	// is pinned at 1.0 and only rotation and translation are solved.
	AllowScale bool
	// MaxResidual is the RMS tolerance in mm for fits over three or more
	// pairs. Zero disables the check.
	MaxResidual float64
}

// Identity returns the transform that leaves points where they are.
func Identity() Transform {
	return Transform{Scale: 1}
}

// Solve fits a similarity transform over the given pairs.
//
// Two pairs are solved in closed form so that the first teach point lands
// exactly on its runtime partner. Three or more pairs use a least-squares
// Procrustes fit and report the RMS error over all pairs as Residual. When
// the residual exceeds opts.MaxResidual the fitted transform is still
// returned alongside an error wrapping ErrResidualExceedsTolerance.
func Solve(pairs []Pair, opts Options) (Transform, error) {
	switch {
	case len(pairs) < 2:
		return Transform{}, fmt.Errorf("%w: got %d", ErrInsufficientCorrespondences, len(pairs))
	case len(pairs) == 2:
		return solveTwo(pairs[0], pairs[1], opts)
	}

	t, err := solveLeastSquares(pairs, opts)
	if err != nil {
		return Transform{}, err
	}
	if opts.MaxResidual > 0 && t.Residual > opts.MaxResidual {
		return t, fmt.Errorf("%w: %.4f mm > %.4f mm", ErrResidualExceedsTolerance, t.Residual, opts.MaxResidual)
	}
	return t, nil
}

func solveTwo(p0, p1 Pair, opts Options) (Transform, error) {
	dtx := p1.Teach.X - p0.Teach.X
	dty := p1.Teach.Y - p0.Teach.Y
	teachLen := math.Hypot(dtx, dty)
	if teachLen < degenerateEpsilon {
		return Transform{}, fmt.Errorf("%w: teach separation %.6f mm", ErrDegenerateReferences, teachLen)
	}

	drx := p1.Runtime.X - p0.Runtime.X
	dry := p1.Runtime.Y - p0.Runtime.Y

	t := Transform{
		Rotation: normalizeAngle(math.Atan2(dry, drx) - math.Atan2(dty, dtx)),
		Scale:    1,
	}
	if opts.AllowScale {
		t.Scale = math.Hypot(drx, dry) / teachLen
	}

	// Anchor the first teach point on its runtime partner.
	mapped := t.linear(p0.Teach)
	t.TX = p0.Runtime.X - mapped.X
	t.TY = p0.Runtime.Y - mapped.Y
	t.Residual = rmsError([]Pair{p0, p1}, t)
	return t, nil
}

func solveLeastSquares(pairs []Pair, opts Options) (Transform, error) {
	n := len(pairs)
	var ct, cr Point2D
	for _, p := range pairs {
		ct.X += p.Teach.X
		ct.Y += p.Teach.Y
		cr.X += p.Runtime.X
		cr.Y += p.Runtime.Y
	}
	ct.X /= float64(n)
	ct.Y /= float64(n)
	cr.X /= float64(n)
	cr.Y /= float64(n)

	teach := mat.NewDense(n, 2, nil)
	runtime := mat.NewDense(n, 2, nil)
	var spread, runSpread float64
	for i, p := range pairs {
		ax, ay := p.Teach.X-ct.X, p.Teach.Y-ct.Y
		bx, by := p.Runtime.X-cr.X, p.Runtime.Y-cr.Y
		teach.Set(i, 0, ax)
		teach.Set(i, 1, ay)
		runtime.Set(i, 0, bx)
		runtime.Set(i, 1, by)
		spread += ax*ax + ay*ay
		runSpread += bx*bx + by*by
	}
	if spread < degenerateEpsilon*degenerateEpsilon {
		return Transform{}, fmt.Errorf("%w: all teach points coincide", ErrDegenerateReferences)
	}

	// Cross-covariance of the centred point sets.
	var h mat.Dense
	h.Mul(teach.T(), runtime)
	dot := h.At(0, 0) + h.At(1, 1)
	cross := h.At(0, 1) - h.At(1, 0)

	t := Transform{
		Rotation: math.Atan2(cross, dot),
		Scale:    1,
	}
	if opts.AllowScale {
		// Ratio of the RMS distances from each centroid.
		t.Scale = math.Sqrt(runSpread / spread)
	}

	mapped := t.linear(ct)
	t.TX = cr.X - mapped.X
	t.TY = cr.Y - mapped.Y
	t.Residual = rmsError(pairs, t)
	return t, nil
}

// Apply maps a single point.
func (t Transform) Apply(p Point2D) Point2D {
	q := t.linear(p)
	return Point2D{X: q.X + t.TX, Y: q.Y + t.TY}
}

// Apply maps every point, preserving order.
func Apply(t Transform, points []Point2D) []Point2D {
	out := make([]Point2D, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Inverse returns the transform mapping runtime coordinates back to teach
// coordinates.
func (t Transform) Inverse() (Transform, error) {
	if t.Scale == 0 {
		return Transform{}, ErrSingularTransform
	}
	inv := Transform{
		Rotation: -t.Rotation,
		Scale:    1 / t.Scale,
		Residual: t.Residual,
	}
	back := inv.linear(Point2D{X: t.TX, Y: t.TY})
	inv.TX = -back.X
	inv.TY = -back.Y
	return inv, nil
}

// Matrix returns the 2x3 affine form [[a, b, tx], [c, d, ty]].
func (t Transform) Matrix() [2][3]float64 {
	sin, cos := math.Sincos(t.Rotation)
	return [2][3]float64{
		{t.Scale * cos, -t.Scale * sin, t.TX},
		{t.Scale * sin, t.Scale * cos, t.TY},
	}
}

func (t Transform) linear(p Point2D) Point2D {
	sin, cos := math.Sincos(t.Rotation)
	return Point2D{
		X: t.Scale * (cos*p.X - sin*p.Y),
		Y: t.Scale * (sin*p.X + cos*p.Y),
	}
}

// RMSError is the root-mean-square distance between each runtime point and
// its mapped teach point.
func RMSError(pairs []Pair, t Transform) float64 {
	return rmsError(pairs, t)
}

func rmsError(pairs []Pair, t Transform) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		q := t.Apply(p.Teach)
		dx := q.X - p.Runtime.X
		dy := q.Y - p.Runtime.Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(pairs)))
}

func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
