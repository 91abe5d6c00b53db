package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// BatchNormOp implements the Operation interface for batch normalization
// over 2D [N,F] or 4D [N,C,H,W] inputs, normalizing per feature or per
// channel. In training mode batch statistics are used and the running
// statistics are updated in place; in eval mode the running statistics
// normalize the input and no statistics change.
type BatchNormOp struct {
	inputs   []*Tensor
	training bool
	momentum float32
	eps      float32

	runningMean *Tensor
	runningVar  *Tensor

	xhat    []float32
	invStd  []float32
	spatial int
	count   int
}

func (op *BatchNormOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("BatchNormOp requires input, gamma and beta")
	}
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 2 && len(x.Shape) != 4 {
		panic(fmt.Sprintf("BatchNormOp requires a 2D or 4D input, got shape %v", x.Shape))
	}
	c := x.Shape[1]
	spatial := 1
	if len(x.Shape) == 4 {
		spatial = x.Shape[2] * x.Shape[3]
	}
	count := x.Shape[0] * spatial
	op.spatial = spatial
	op.count = count

	data, err := x.Float32s()
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	g := gamma.Data.([]float32)
	b := beta.Data.([]float32)
	rm := op.runningMean.Data.([]float32)
	rv := op.runningVar.Data.([]float32)

	mean := make([]float32, c)
	variance := make([]float32, c)
	if op.training {
		for i, v := range data {
			mean[(i/spatial)%c] += v
		}
		for ch := 0; ch < c; ch++ {
			mean[ch] /= float32(count)
		}
		for i, v := range data {
			ch := (i / spatial) % c
			d := v - mean[ch]
			variance[ch] += d * d
		}
		for ch := 0; ch < c; ch++ {
			variance[ch] /= float32(count)
			rm[ch] = (1-op.momentum)*rm[ch] + op.momentum*mean[ch]
			rv[ch] = (1-op.momentum)*rv[ch] + op.momentum*variance[ch]
		}
	} else {
		copy(mean, rm)
		copy(variance, rv)
	}

	invStd := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		invStd[ch] = 1 / float32(math.Sqrt(float64(variance[ch]+op.eps)))
	}

	result, err := Zeros(x.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	out := result.Data.([]float32)
	xhat := make([]float32, len(data))
	for i, v := range data {
		ch := (i / spatial) % c
		xhat[i] = (v - mean[ch]) * invStd[ch]
		out[i] = g[ch]*xhat[i] + b[ch]
	}
	op.xhat = xhat
	op.invStd = invStd

	result.creator = op
	result.requiresGrad = x.requiresGrad || gamma.requiresGrad || beta.requiresGrad
	return result
}

func (op *BatchNormOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	c := x.Shape[1]
	spatial := op.spatial
	count := float32(op.count)

	g := gradOut.Data.([]float32)
	gm := gamma.Data.([]float32)

	gradGamma, err := Zeros([]int{c}, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	gradBeta, err := Zeros([]int{c}, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	dg := gradGamma.Data.([]float32)
	db := gradBeta.Data.([]float32)
	for i, gv := range g {
		ch := (i / spatial) % c
		dg[ch] += gv * op.xhat[i]
		db[ch] += gv
	}

	gradX, err := Zeros(x.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	dx := gradX.Data.([]float32)

	if op.training {
		// dx = gamma * invStd * (dy - mean(dy) - xhat * mean(dy * xhat))
		// with the means taken per channel over the batch statistics.
		for i, gv := range g {
			ch := (i / spatial) % c
			dx[i] = gm[ch] * op.invStd[ch] * (gv - db[ch]/count - op.xhat[i]*dg[ch]/count)
		}
	} else {
		// Running statistics are constants, so the chain is elementwise.
		for i, gv := range g {
			ch := (i / spatial) % c
			dx[i] = gm[ch] * op.invStd[ch] * gv
		}
	}
	return []*Tensor{gradX, gradGamma, gradBeta}
}

func (op *BatchNormOp) Inputs() []*Tensor { return op.inputs }

// DropoutOp implements inverted dropout. In training mode elements are
// zeroed with probability p and survivors scaled by 1/(1-p); in eval mode
// the input passes through unchanged.
type DropoutOp struct {
	inputs []*Tensor
	mask   []float32
}

func (op *DropoutOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("DropoutOp requires exactly 1 input")
	}
	x := inputs[0]
	op.inputs = inputs

	result, err := Zeros(x.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	data := x.Data.([]float32)
	out := result.Data.([]float32)
	copy(out, data)
	for i := range out {
		out[i] *= op.mask[i]
	}
	result.creator = op
	result.requiresGrad = x.requiresGrad
	return result
}

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed: %v", err))
	}
	g := gradOut.Data.([]float32)
	out := grad.Data.([]float32)
	for i := range out {
		out[i] = g[i] * op.mask[i]
	}
	return []*Tensor{grad}
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

// BatchNormAutograd normalizes x with gamma and beta. runningMean and
// runningVar are updated in place when training is true.
func BatchNormAutograd(x, gamma, beta, runningMean, runningVar *Tensor, training bool, momentum, eps float32) *Tensor {
	op := &BatchNormOp{
		training:    training,
		momentum:    momentum,
		eps:         eps,
		runningMean: runningMean,
		runningVar:  runningVar,
	}
	return op.Forward(x, gamma, beta)
}

// DropoutAutograd applies inverted dropout with probability p, drawing the
// mask from rng. With training false the input is returned unchanged.
func DropoutAutograd(x *Tensor, p float32, training bool, rng *rand.Rand) *Tensor {
	if !training || p <= 0 {
		return x
	}
	mask := make([]float32, x.NumElems)
	scale := 1 / (1 - p)
	for i := range mask {
		if rng.Float32() >= p {
			mask[i] = scale
		}
	}
	op := &DropoutOp{mask: mask}
	return op.Forward(x)
}
