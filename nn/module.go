package nn

import (
	"math/rand"

	"github.com/cropwatch/leafnet/tensor"
)

// Global random source for deterministic initialization and dropout masks.
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed resets the global random source. Calling this before
// building a model makes weight initialization reproducible.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is implemented by every layer.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable tensors with requiresGrad=true
	Train()
	Eval()
	IsTraining() bool
}

// Sequential chains modules, feeding each output into the next layer.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for _, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, err
		}
		current = output
	}
	return current, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Modules() []Module {
	return s.modules
}
