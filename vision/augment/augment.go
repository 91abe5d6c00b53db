// Package augment builds the image transform chains used for training and
// evaluation. A pipeline maps a decoded image to a normalized [3,S,S]
// float32 tensor in channel-height-width order. The training chain is
// stochastic; the evaluation chain is fully deterministic so repeated
// calls on one image produce bit-identical tensors.
package augment

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"math/rand"
	"sync"

	"github.com/nfnt/resize"

	"github.com/cropwatch/leafnet/tensor"
)

// Per-channel normalization constants shared by training and inference.
// The two must match exactly or serving-time statistics drift from what
// the model saw in training.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// Mode selects the transform chain.
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// Config fixes the output size and normalization constants.
type Config struct {
	Size int
	Mean [3]float32
	Std  [3]float32
	Seed int64
}

// DefaultConfig uses a 256 pixel crop and the shared constants.
func DefaultConfig() Config {
	return Config{
		Size: 256,
		Mean: DefaultMean,
		Std:  DefaultStd,
		Seed: 1,
	}
}

const (
	flipProbability   = 0.5
	affineProbability = 0.5
	jitterProbability = 0.3
	cutoutProbability = 0.3
)

// Params holds one draw of the training chain's random parameters.
// Drawing is separated from application so a caller can fix the draw
// order up front and then apply transforms concurrently.
type Params struct {
	cropX, cropY   float64
	doFlip         bool
	flipVertical   bool
	doAffine       bool
	angle          float64
	scale          float64
	shiftX, shiftY float64
	doJitter       bool
	brightness     float64
	contrast       float64
	doCutout       bool
	cutX, cutY     float64
}

// Pipeline applies an ordered transform chain. Safe for concurrent use;
// random draws are serialized so a fixed seed yields a reproducible
// sequence of parameter blocks.
type Pipeline struct {
	mode Mode
	cfg  Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(mode Mode, cfg Config) (*Pipeline, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("augment size must be positive, got %d", cfg.Size)
	}
	for i := 0; i < 3; i++ {
		if cfg.Std[i] == 0 {
			return nil, fmt.Errorf("augment std channel %d must be non-zero", i)
		}
	}
	return &Pipeline{
		mode: mode,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (p *Pipeline) Mode() Mode { return p.mode }

// Draw consumes the next parameter block from the pipeline's random
// sequence. Eval pipelines have no random parameters and return the
// zero value.
func (p *Pipeline) Draw() Params {
	if p.mode == Eval {
		return Params{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Params{
		cropX:        p.rng.Float64(),
		cropY:        p.rng.Float64(),
		doFlip:       p.rng.Float64() < flipProbability,
		flipVertical: p.rng.Float64() < 0.5,
		doAffine:     p.rng.Float64() < affineProbability,
		angle:        (p.rng.Float64()*2 - 1) * 15 * math.Pi / 180,
		scale:        0.9 + p.rng.Float64()*0.2,
		shiftX:       (p.rng.Float64()*2 - 1) * 0.1,
		shiftY:       (p.rng.Float64()*2 - 1) * 0.1,
		doJitter:     p.rng.Float64() < jitterProbability,
		brightness:   0.9 + p.rng.Float64()*0.2,
		contrast:     0.9 + p.rng.Float64()*0.2,
		doCutout:     p.rng.Float64() < cutoutProbability,
		cutX:         p.rng.Float64(),
		cutY:         p.rng.Float64(),
	}
}

// Apply draws fresh parameters and runs the chain.
func (p *Pipeline) Apply(img image.Image) (*tensor.Tensor, error) {
	return p.ApplyWith(img, p.Draw())
}

// ApplyWith runs the chain with a previously drawn parameter block and
// returns a [3,S,S] tensor. The output is a pure function of the image
// and the block, so which goroutine runs it does not matter.
func (p *Pipeline) ApplyWith(img image.Image, ps Params) (*tensor.Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("augment requires a non-nil image")
	}
	size := p.cfg.Size

	if p.mode == Eval {
		scaled := resizeShorterEdge(img, size)
		cropped := centerCrop(toRGBA(scaled), size)
		return p.normalize(cropped)
	}

	// Oversize slightly so the random crop has room to move.
	scaled := resizeShorterEdge(img, size+size/8)
	rgba := randomCrop(toRGBA(scaled), size, ps.cropX, ps.cropY)

	if ps.doFlip {
		if ps.flipVertical {
			flipV(rgba)
		} else {
			flipH(rgba)
		}
	}
	if ps.doAffine {
		rgba = affine(rgba, ps.angle, ps.scale, ps.shiftX, ps.shiftY)
	}
	if ps.doJitter {
		jitter(rgba, ps.brightness, ps.contrast)
	}
	if ps.doCutout {
		cutout(rgba, size/4, ps.cutX, ps.cutY)
	}
	return p.normalize(rgba)
}

func (p *Pipeline) normalize(img *image.RGBA) (*tensor.Tensor, error) {
	size := p.cfg.Size
	data := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255.0
				data[c*plane+y*size+x] = (v - p.cfg.Mean[c]) / p.cfg.Std[c]
			}
		}
	}
	return tensor.New([]int{3, size, size}, tensor.Float32, data)
}

// resizeShorterEdge scales so the shorter edge equals target, preserving
// aspect ratio. Lanczos keeps lesion edges sharp at the cost of some CPU.
func resizeShorterEdge(img image.Image, target int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return img
	}
	if w < h {
		return resize.Resize(uint(target), uint(h*target/w), img, resize.Lanczos3)
	}
	return resize.Resize(uint(w*target/h), uint(target), img, resize.Lanczos3)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

func centerCrop(img *image.RGBA, size int) *image.RGBA {
	b := img.Bounds()
	x0 := (b.Dx() - size) / 2
	y0 := (b.Dy() - size) / 2
	return cropAt(img, x0, y0, size)
}

// randomCrop places the crop window using fx, fy in [0,1).
func randomCrop(img *image.RGBA, size int, fx, fy float64) *image.RGBA {
	b := img.Bounds()
	maxX := b.Dx() - size
	maxY := b.Dy() - size
	x0 := int(fx * float64(maxX+1))
	y0 := int(fy * float64(maxY+1))
	return cropAt(img, x0, y0, size)
}

func cropAt(img *image.RGBA, x0, y0, size int) *image.RGBA {
	b := img.Bounds()
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x0+size > b.Dx() {
		x0 = b.Dx() - size
	}
	if y0+size > b.Dy() {
		y0 = b.Dy() - size
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		srcY := y0 + y
		if srcY < 0 || srcY >= b.Dy() {
			continue
		}
		srcRow := img.Pix[srcY*img.Stride:]
		dstRow := out.Pix[y*out.Stride:]
		for x := 0; x < size; x++ {
			srcX := x0 + x
			if srcX < 0 || srcX >= b.Dx() {
				continue
			}
			copy(dstRow[x*4:x*4+4], srcRow[srcX*4:srcX*4+4])
		}
	}
	return out
}

func flipH(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w/2; x++ {
			l := row[x*4 : x*4+4]
			r := row[(w-1-x)*4 : (w-1-x)*4+4]
			for i := 0; i < 4; i++ {
				l[i], r[i] = r[i], l[i]
			}
		}
	}
}

func flipV(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]byte, w*4)
	for y := 0; y < h/2; y++ {
		top := img.Pix[y*img.Stride : y*img.Stride+w*4]
		bot := img.Pix[(h-1-y)*img.Stride : (h-1-y)*img.Stride+w*4]
		copy(tmp, top)
		copy(top, bot)
		copy(bot, tmp)
	}
}

// affine applies rotate, scale and shift about the image center using
// inverse mapping with bilinear sampling. Out-of-bounds samples are
// black, matching a border-constant fill.
func affine(img *image.RGBA, angle, scale, shiftX, shiftY float64) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	cx, cy := float64(w)/2, float64(h)/2
	cos, sin := math.Cos(-angle), math.Sin(-angle)
	inv := 1 / scale
	tx, ty := shiftX*float64(w), shiftY*float64(h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx - tx
			dy := float64(y) - cy - ty
			srcX := (dx*cos-dy*sin)*inv + cx
			srcY := (dx*sin+dy*cos)*inv + cy
			sampleBilinear(img, srcX, srcY, out.Pix[y*out.Stride+x*4:y*out.Stride+x*4+4])
		}
	}
	return out
}

func sampleBilinear(img *image.RGBA, x, y float64, dst []byte) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)

	pixel := func(px, py int) [4]float64 {
		if px < 0 || px >= w || py < 0 || py >= h {
			return [4]float64{0, 0, 0, 255}
		}
		p := img.Pix[py*img.Stride+px*4:]
		return [4]float64{float64(p[0]), float64(p[1]), float64(p[2]), float64(p[3])}
	}

	p00 := pixel(x0, y0)
	p10 := pixel(x0+1, y0)
	p01 := pixel(x0, y0+1)
	p11 := pixel(x0+1, y0+1)
	for i := 0; i < 4; i++ {
		top := p00[i]*(1-fx) + p10[i]*fx
		bot := p01[i]*(1-fx) + p11[i]*fx
		dst[i] = byte(top*(1-fy) + bot*fy + 0.5)
	}
}

// jitter scales brightness then contrast around the mid-gray point.
func jitter(img *image.RGBA, brightness, contrast float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c]) * brightness
			v = (v-128)*contrast + 128
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			img.Pix[i+c] = byte(v)
		}
	}
}

// cutout blanks a square patch with mid-gray, positioned by fx, fy.
func cutout(img *image.RGBA, patch int, fx, fy float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	x0 := int(fx * float64(w-patch))
	y0 := int(fy * float64(h-patch))
	for y := y0; y < y0+patch && y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := x0; x < x0+patch && x < w; x++ {
			row[x*4] = 128
			row[x*4+1] = 128
			row[x*4+2] = 128
		}
	}
}
