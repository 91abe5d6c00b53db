package tensor

import (
	"fmt"
	"math"
)

// Conv2DOutputSize computes one spatial output dimension for a convolution
// or pooling window.
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

func checkImage4D(t *Tensor, name string) error {
	if len(t.Shape) != 4 {
		return fmt.Errorf("%s requires a 4D [N,C,H,W] tensor, got shape %v", name, t.Shape)
	}
	if t.DType != Float32 {
		return fmt.Errorf("%s requires Float32 data, got %s", name, t.DType)
	}
	return nil
}

// Conv2DForward runs a direct convolution of input [N,C,H,W] with weight
// [OC,C,K,K] and optional bias [OC].
func Conv2DForward(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := checkImage4D(input, "Conv2DForward"); err != nil {
		return nil, err
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2DForward weight must be [OC,C,K,K], got shape %v", weight.Shape)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oc, wc, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if c != wc {
		return nil, fmt.Errorf("Conv2DForward channel mismatch: input has %d, weight expects %d", c, wc)
	}
	oh := Conv2DOutputSize(h, kh, stride, padding)
	ow := Conv2DOutputSize(w, kw, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Conv2DForward output would be empty for input %dx%d kernel %dx%d", h, w, kh, kw)
	}

	result, err := Zeros([]int{n, oc, oh, ow}, Float32)
	if err != nil {
		return nil, err
	}
	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	out := result.Data.([]float32)
	var bs []float32
	if bias != nil {
		if bs, err = bias.Float32s(); err != nil {
			return nil, err
		}
		if len(bs) != oc {
			return nil, fmt.Errorf("Conv2DForward bias length %d does not match %d output channels", len(bs), oc)
		}
	}

	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			base := float32(0)
			if bs != nil {
				base = bs[o]
			}
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := base
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride - padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride - padding + kx
								if ix < 0 || ix >= w {
									continue
								}
								sum += in[((b*c+ci)*h+iy)*w+ix] * wt[((o*c+ci)*kh+ky)*kw+kx]
							}
						}
					}
					out[((b*oc+o)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return result, nil
}

// conv2DInputGrad propagates gradOut back through the convolution to the
// input positions each window touched.
func conv2DInputGrad(gradOut, weight *Tensor, inputShape []int, stride, padding int) (*Tensor, error) {
	n, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	oc, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]

	result, err := Zeros(inputShape, Float32)
	if err != nil {
		return nil, err
	}
	g := gradOut.Data.([]float32)
	wt := weight.Data.([]float32)
	out := result.Data.([]float32)

	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					gv := g[((b*oc+o)*oh+oy)*ow+ox]
					if gv == 0 {
						continue
					}
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride - padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride - padding + kx
								if ix < 0 || ix >= w {
									continue
								}
								out[((b*c+ci)*h+iy)*w+ix] += gv * wt[((o*c+ci)*kh+ky)*kw+kx]
							}
						}
					}
				}
			}
		}
	}
	return result, nil
}

func conv2DWeightGrad(gradOut, input *Tensor, weightShape []int, stride, padding int) (*Tensor, error) {
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oc, kh, kw := weightShape[0], weightShape[2], weightShape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]

	result, err := Zeros(weightShape, Float32)
	if err != nil {
		return nil, err
	}
	g := gradOut.Data.([]float32)
	in := input.Data.([]float32)
	out := result.Data.([]float32)

	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					gv := g[((b*oc+o)*oh+oy)*ow+ox]
					if gv == 0 {
						continue
					}
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride - padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride - padding + kx
								if ix < 0 || ix >= w {
									continue
								}
								out[((o*c+ci)*kh+ky)*kw+kx] += gv * in[((b*c+ci)*h+iy)*w+ix]
							}
						}
					}
				}
			}
		}
	}
	return result, nil
}

func conv2DBiasGrad(gradOut *Tensor) (*Tensor, error) {
	n, oc, oh, ow := gradOut.Shape[0], gradOut.Shape[1], gradOut.Shape[2], gradOut.Shape[3]
	result, err := Zeros([]int{oc}, Float32)
	if err != nil {
		return nil, err
	}
	g := gradOut.Data.([]float32)
	out := result.Data.([]float32)
	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			for i := 0; i < oh*ow; i++ {
				out[o] += g[(b*oc+o)*oh*ow+i]
			}
		}
	}
	return result, nil
}

// MaxPool2DForward pools input [N,C,H,W] over kernel windows and records
// the flat input index of each winning element so the backward pass can
// route gradients.
func MaxPool2DForward(input *Tensor, kernel, stride int) (*Tensor, []int, error) {
	if err := checkImage4D(input, "MaxPool2DForward"); err != nil {
		return nil, nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := Conv2DOutputSize(h, kernel, stride, 0)
	ow := Conv2DOutputSize(w, kernel, stride, 0)
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("MaxPool2DForward output would be empty for input %dx%d kernel %d", h, w, kernel)
	}

	result, err := Zeros([]int{n, c, oh, ow}, Float32)
	if err != nil {
		return nil, nil, err
	}
	in := input.Data.([]float32)
	out := result.Data.([]float32)
	indices := make([]int, result.NumElems)

	for b := 0; b < n; b++ {
		for ci := 0; ci < c; ci++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					bestIdx := -1
					bestVal := float32(math.Inf(-1))
					for ky := 0; ky < kernel; ky++ {
						iy := oy*stride + ky
						if iy >= h {
							continue
						}
						for kx := 0; kx < kernel; kx++ {
							ix := ox*stride + kx
							if ix >= w {
								continue
							}
							idx := ((b*c+ci)*h+iy)*w + ix
							if in[idx] > bestVal {
								bestVal = in[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*c+ci)*oh+oy)*ow + ox
					out[outIdx] = bestVal
					indices[outIdx] = bestIdx
				}
			}
		}
	}
	return result, indices, nil
}

func maxPool2DBackward(gradOut *Tensor, indices []int, inputShape []int) (*Tensor, error) {
	result, err := Zeros(inputShape, Float32)
	if err != nil {
		return nil, err
	}
	g := gradOut.Data.([]float32)
	out := result.Data.([]float32)
	for i, idx := range indices {
		if idx >= 0 {
			out[idx] += g[i]
		}
	}
	return result, nil
}

// GlobalAvgPool2D averages each channel's spatial plane to [N,C,1,1].
func GlobalAvgPool2D(input *Tensor) (*Tensor, error) {
	if err := checkImage4D(input, "GlobalAvgPool2D"); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	result, err := Zeros([]int{n, c, 1, 1}, Float32)
	if err != nil {
		return nil, err
	}
	in := input.Data.([]float32)
	out := result.Data.([]float32)
	plane := h * w
	for i := 0; i < n*c; i++ {
		sum := float32(0)
		for j := 0; j < plane; j++ {
			sum += in[i*plane+j]
		}
		out[i] = sum / float32(plane)
	}
	return result, nil
}

// GlobalMaxPool2D keeps each channel's spatial maximum, returning the
// pooled tensor and the flat index of each maximum.
func GlobalMaxPool2D(input *Tensor) (*Tensor, []int, error) {
	if err := checkImage4D(input, "GlobalMaxPool2D"); err != nil {
		return nil, nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	result, err := Zeros([]int{n, c, 1, 1}, Float32)
	if err != nil {
		return nil, nil, err
	}
	in := input.Data.([]float32)
	out := result.Data.([]float32)
	indices := make([]int, n*c)
	plane := h * w
	for i := 0; i < n*c; i++ {
		bestIdx := i * plane
		bestVal := in[bestIdx]
		for j := 1; j < plane; j++ {
			if v := in[i*plane+j]; v > bestVal {
				bestVal = v
				bestIdx = i*plane + j
			}
		}
		out[i] = bestVal
		indices[i] = bestIdx
	}
	return result, indices, nil
}

// ConcatChannels joins two [N,C,H,W] tensors along the channel dimension.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if err := checkImage4D(a, "ConcatChannels"); err != nil {
		return nil, err
	}
	if err := checkImage4D(b, "ConcatChannels"); err != nil {
		return nil, err
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("ConcatChannels requires matching batch and spatial dims: %v vs %v", a.Shape, b.Shape)
	}
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	h, w := a.Shape[2], a.Shape[3]
	plane := h * w

	result, err := Zeros([]int{n, ca + cb, h, w}, Float32)
	if err != nil {
		return nil, err
	}
	da := a.Data.([]float32)
	db := b.Data.([]float32)
	out := result.Data.([]float32)
	for bi := 0; bi < n; bi++ {
		copy(out[bi*(ca+cb)*plane:], da[bi*ca*plane:(bi+1)*ca*plane])
		copy(out[bi*(ca+cb)*plane+ca*plane:], db[bi*cb*plane:(bi+1)*cb*plane])
	}
	return result, nil
}
