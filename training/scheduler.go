package training

import (
	"math"
)

// LRScheduler maps an epoch index to a multiplier applied to every
// parameter group's base learning rate.
type LRScheduler interface {
	Factor(epoch int) float64
	GetName() string
}

// ConstantLR keeps the base learning rates unchanged.
type ConstantLR struct{}

func NewConstantLR() *ConstantLR { return &ConstantLR{} }

func (s *ConstantLR) Factor(epoch int) float64 { return 1 }

func (s *ConstantLR) GetName() string { return "constant" }

// StepLR decays the rate by gamma every stepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

func NewStepLR(stepSize int, gamma float64) *StepLR {
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) Factor(epoch int) float64 {
	if s.StepSize <= 0 {
		return 1
	}
	return math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) GetName() string { return "step" }

// CosineAnnealingLR follows a half cosine from 1 down to etaMinRatio over
// tMax epochs.
type CosineAnnealingLR struct {
	TMax        int
	EtaMinRatio float64
}

func NewCosineAnnealingLR(tMax int, etaMinRatio float64) *CosineAnnealingLR {
	return &CosineAnnealingLR{TMax: tMax, EtaMinRatio: etaMinRatio}
}

func (s *CosineAnnealingLR) Factor(epoch int) float64 {
	if s.TMax <= 0 {
		return 1
	}
	e := epoch
	if e > s.TMax {
		e = s.TMax
	}
	cos := (1 + math.Cos(math.Pi*float64(e)/float64(s.TMax))) / 2
	return s.EtaMinRatio + (1-s.EtaMinRatio)*cos
}

func (s *CosineAnnealingLR) GetName() string { return "cosine" }
