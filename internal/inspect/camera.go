package inspect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
)

const (
	frameWidth  = 640
	frameHeight = 480
)

var (
	crosshairColor = color.RGBA{R: 255, G: 255, A: 255}
	overlayColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	statusColor    = color.RGBA{G: 255, A: 255}
)

// SimCamera renders a synthetic frame: a fixed crosshair, a marker that
// tracks machine position and the position as text.
type SimCamera struct {
	FrameDelay time.Duration
	Clock      timeutil.Clock

	mu     sync.Mutex
	frames int
}

// NewSimCamera returns a camera taking delay per frame on clock.
func NewSimCamera(delay time.Duration, clock timeutil.Clock) *SimCamera {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimCamera{FrameDelay: delay, Clock: clock}
}

// Frames is the number of frames captured so far.
func (c *SimCamera) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *SimCamera) Capture(ctx context.Context, pos motion.Position) ([]byte, error) {
	if err := timeutil.SleepContext(ctx, c.Clock, c.FrameDelay); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	cx, cy := frameWidth/2, frameHeight/2
	for d := -10; d <= 10; d++ {
		img.Set(cx+d, cy, crosshairColor)
		img.Set(cx, cy+d, crosshairColor)
	}
	fillCircle(img, 50+int(pos.X), 400-int(pos.Y), 15, crosshairColor)

	drawText(img, 10, 30, fmt.Sprintf("POS: X%.1f Y%.1f", pos.X, pos.Y), overlayColor)
	drawText(img, 10, 50, "SIM", statusColor)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return buf.Bytes(), nil
}

func drawText(img draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.Color) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				img.Set(cx+x, cy+y, c)
			}
		}
	}
}
