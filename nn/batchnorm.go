package nn

import (
	"fmt"

	"github.com/cropwatch/leafnet/tensor"
)

// BatchNorm normalizes activations per feature (2D input) or per channel
// (4D input). Training mode uses batch statistics and updates the running
// mean and variance; eval mode uses the running statistics, which keeps
// single-sample inference well defined.
type BatchNorm struct {
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	numFeatures int
	eps         float32
	momentum    float32
	training    bool
}

func NewBatchNorm(numFeatures int, eps, momentum float32) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("batchnorm feature count must be positive, got %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 || momentum >= 1 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &BatchNorm{
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		training:    true,
	}, nil
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 && len(input.Shape) != 4 {
		return nil, fmt.Errorf("batchnorm expects 2D or 4D input, got shape %v", input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("feature mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
	}
	return tensor.BatchNormAutograd(input, bn.gamma, bn.beta, bn.runningMean, bn.runningVar,
		bn.training, bn.momentum, bn.eps), nil
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm) Train() { bn.training = true }

func (bn *BatchNorm) Eval() { bn.training = false }

func (bn *BatchNorm) IsTraining() bool { return bn.training }

// Gamma exposes the scale tensor for checkpointing.
func (bn *BatchNorm) Gamma() *tensor.Tensor { return bn.gamma }

// Beta exposes the shift tensor for checkpointing.
func (bn *BatchNorm) Beta() *tensor.Tensor { return bn.beta }

// RunningMean exposes the running mean for checkpointing.
func (bn *BatchNorm) RunningMean() *tensor.Tensor { return bn.runningMean }

// RunningVar exposes the running variance for checkpointing.
func (bn *BatchNorm) RunningVar() *tensor.Tensor { return bn.runningVar }
