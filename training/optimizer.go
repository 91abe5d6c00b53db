package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/cropwatch/leafnet/tensor"
)

// ParamGroup is a set of parameters sharing one learning rate. The
// backbone and classification head train at different rates, so each gets
// its own group.
type ParamGroup struct {
	Name   string
	Params []*tensor.Tensor
	BaseLR float64

	lr float64
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	Groups() []*ParamGroup
	// SetLRFactor scales every group's base learning rate; schedulers
	// call this once per epoch.
	SetLRFactor(factor float64)
}

func initGroups(groups []*ParamGroup) error {
	if len(groups) == 0 {
		return fmt.Errorf("optimizer requires at least one parameter group")
	}
	for _, g := range groups {
		if g.BaseLR <= 0 {
			return fmt.Errorf("group %q learning rate must be positive, got %v", g.Name, g.BaseLR)
		}
		g.lr = g.BaseLR
	}
	return nil
}

func zeroGroupGrads(groups []*ParamGroup) {
	for _, g := range groups {
		tensor.ZeroGrads(g.Params)
	}
}

// SGD implements stochastic gradient descent with optional momentum and
// weight decay.
type SGD struct {
	mu          sync.Mutex
	groups      []*ParamGroup
	momentum    float64
	weightDecay float64
	velocity    map[*tensor.Tensor][]float32
}

func NewSGD(groups []*ParamGroup, momentum, weightDecay float64) (*SGD, error) {
	if err := initGroups(groups); err != nil {
		return nil, err
	}
	return &SGD{
		groups:      groups,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[*tensor.Tensor][]float32),
	}, nil
}

func (s *SGD) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			data, err := p.Float32s()
			if err != nil {
				return err
			}
			gd, err := grad.Float32s()
			if err != nil {
				return err
			}

			v := s.velocity[p]
			if v == nil {
				v = make([]float32, len(data))
				s.velocity[p] = v
			}
			lr := float32(g.lr)
			wd := float32(s.weightDecay)
			mom := float32(s.momentum)
			for i := range data {
				d := gd[i] + wd*data[i]
				v[i] = mom*v[i] + d
				data[i] -= lr * v[i]
			}
		}
	}
	return nil
}

func (s *SGD) ZeroGrad() {
	zeroGroupGrads(s.groups)
}

func (s *SGD) Groups() []*ParamGroup { return s.groups }

func (s *SGD) SetLRFactor(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		g.lr = g.BaseLR * factor
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates.
type Adam struct {
	mu          sync.Mutex
	groups      []*ParamGroup
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int
	m           map[*tensor.Tensor][]float32
	v           map[*tensor.Tensor][]float32
}

func NewAdam(groups []*ParamGroup, weightDecay float64) (*Adam, error) {
	if err := initGroups(groups); err != nil {
		return nil, err
	}
	return &Adam{
		groups:      groups,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}, nil
}

func (a *Adam) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))

	for _, g := range a.groups {
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			data, err := p.Float32s()
			if err != nil {
				return err
			}
			gd, err := grad.Float32s()
			if err != nil {
				return err
			}

			m := a.m[p]
			if m == nil {
				m = make([]float32, len(data))
				a.m[p] = m
			}
			v := a.v[p]
			if v == nil {
				v = make([]float32, len(data))
				a.v[p] = v
			}

			lr := g.lr
			b1 := float32(a.beta1)
			b2 := float32(a.beta2)
			wd := float32(a.weightDecay)
			for i := range data {
				d := gd[i] + wd*data[i]
				m[i] = b1*m[i] + (1-b1)*d
				v[i] = b2*v[i] + (1-b2)*d*d
				mHat := float64(m[i]) / bc1
				vHat := float64(v[i]) / bc2
				data[i] -= float32(lr * mHat / (math.Sqrt(vHat) + a.eps))
			}
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	zeroGroupGrads(a.groups)
}

func (a *Adam) Groups() []*ParamGroup { return a.groups }

func (a *Adam) SetLRFactor(factor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		g.lr = g.BaseLR * factor
	}
}
