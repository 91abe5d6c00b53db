// Package model assembles the leaf disease classifier: a convolutional
// backbone, a dual global pooling stage and a fully connected head that
// produces one logit per disease class.
package model

import (
	"fmt"

	"github.com/cropwatch/leafnet/nn"
	"github.com/cropwatch/leafnet/tensor"
)

// Config describes the classifier topology. The head applies Dropout
// before the hidden linear layer and the lighter DropoutHidden after
// it, so the narrow pre-logit representation is regularized less
// aggressively than the wide pooled one.
type Config struct {
	NumClasses    int
	HiddenSize    int
	Dropout       float32
	DropoutHidden float32
}

// DefaultConfig matches the cassava leaf disease setup.
func DefaultConfig() Config {
	return Config{
		NumClasses:    5,
		HiddenSize:    256,
		Dropout:       0.5,
		DropoutHidden: 0.25,
	}
}

func (c Config) validate() error {
	if c.NumClasses < 2 {
		return fmt.Errorf("model requires at least 2 classes, got %d", c.NumClasses)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1), got %v", c.Dropout)
	}
	if c.DropoutHidden < 0 || c.DropoutHidden >= 1 {
		return fmt.Errorf("hidden dropout must be in [0,1), got %v", c.DropoutHidden)
	}
	return nil
}

// Classifier maps a normalized image batch [N,3,H,W] to logits
// [N,NumClasses]. The dual pooling stage doubles the backbone's channel
// count and collapses spatial size to 1x1, so the head's input width is
// independent of the training image size.
type Classifier struct {
	config   Config
	backbone Backbone
	pool     *nn.DualPool
	flatten  *nn.Flatten
	bnPool   *nn.BatchNorm
	drop1    *nn.Dropout
	fc1      *nn.Linear
	relu     *nn.ReLU
	bnHidden *nn.BatchNorm
	drop2    *nn.Dropout
	fc2      *nn.Linear
	training bool
}

// New builds a classifier on the given backbone. Passing a nil backbone
// uses the compact three-stage backbone.
func New(cfg Config, backbone Backbone) (*Classifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if backbone == nil {
		var err error
		if backbone, err = NewCompactBackbone(); err != nil {
			return nil, err
		}
	}

	pooledWidth := 2 * backbone.OutChannels()

	bnPool, err := nn.NewBatchNorm(pooledWidth, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	drop1, err := nn.NewDropout(cfg.Dropout)
	if err != nil {
		return nil, err
	}
	fc1, err := nn.NewLinear(pooledWidth, cfg.HiddenSize, true)
	if err != nil {
		return nil, err
	}
	bnHidden, err := nn.NewBatchNorm(cfg.HiddenSize, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	drop2, err := nn.NewDropout(cfg.DropoutHidden)
	if err != nil {
		return nil, err
	}
	fc2, err := nn.NewLinear(cfg.HiddenSize, cfg.NumClasses, true)
	if err != nil {
		return nil, err
	}

	return &Classifier{
		config:   cfg,
		backbone: backbone,
		pool:     nn.NewDualPool(),
		flatten:  nn.NewFlatten(),
		bnPool:   bnPool,
		drop1:    drop1,
		fc1:      fc1,
		relu:     nn.NewReLU(),
		bnHidden: bnHidden,
		drop2:    drop2,
		fc2:      fc2,
		training: true,
	}, nil
}

func (c *Classifier) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != 3 {
		return nil, fmt.Errorf("classifier expects [batch,3,H,W] input, got shape %v", input.Shape)
	}

	x, err := c.backbone.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	for _, m := range c.headModules() {
		if x, err = m.Forward(x); err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
	}
	return x, nil
}

func (c *Classifier) headModules() []nn.Module {
	return []nn.Module{
		c.pool, c.flatten,
		c.bnPool, c.drop1, c.fc1,
		c.relu,
		c.bnHidden, c.drop2, c.fc2,
	}
}

func (c *Classifier) Parameters() []*tensor.Tensor {
	params := c.backbone.Parameters()
	for _, m := range c.headModules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

// BackboneParameters returns the feature extractor's trainable tensors,
// which train at the transfer learning rate.
func (c *Classifier) BackboneParameters() []*tensor.Tensor {
	return c.backbone.Parameters()
}

// HeadParameters returns the classification head's trainable tensors,
// which train at the classification learning rate.
func (c *Classifier) HeadParameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range c.headModules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (c *Classifier) Train() {
	c.training = true
	c.backbone.Train()
	for _, m := range c.headModules() {
		m.Train()
	}
}

func (c *Classifier) Eval() {
	c.training = false
	c.backbone.Eval()
	for _, m := range c.headModules() {
		m.Eval()
	}
}

func (c *Classifier) IsTraining() bool { return c.training }

func (c *Classifier) Config() Config { return c.config }

// NamedTensors lists every tensor the checkpoint format stores, in a
// stable order.
func (c *Classifier) NamedTensors() []NamedTensor {
	out := c.backbone.NamedTensors()
	out = append(out, batchNormTensors("head.bn_pool", c.bnPool)...)
	out = append(out,
		NamedTensor{Name: "head.fc1.weight", Tensor: c.fc1.Weight(), Trainable: true},
		NamedTensor{Name: "head.fc1.bias", Tensor: c.fc1.Bias(), Trainable: true},
	)
	out = append(out, batchNormTensors("head.bn_hidden", c.bnHidden)...)
	out = append(out,
		NamedTensor{Name: "head.fc2.weight", Tensor: c.fc2.Weight(), Trainable: true},
		NamedTensor{Name: "head.fc2.bias", Tensor: c.fc2.Bias(), Trainable: true},
	)
	return out
}
