package domain

import (
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/focus"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
)

// ErrInvalidConfig is returned by New for unusable construction parameters
var ErrInvalidConfig = errors.New("invalid domain configuration")

// Config holds the construction parameters of a Domain
type Config struct {
	Rank            int     `json:"rank"`
	NumRanks        int     `json:"numRanks"`
	BucketSize      uint32  `json:"bucketSize"`      // target points per global leaf
	BucketSizeFocus uint32  `json:"bucketSizeFocus"` // coarsening limit of the focus tree
	Theta           float64 `json:"theta"`           // opening angle of the focus tree
	GrowthRate      float64 `json:"growthRate"`      // array over-allocation factor
	Box             sfc.Box `json:"box"`
	UpdateBox       bool    `json:"updateBox,omitempty"` // fit the non-periodic dimensions of Box to the particles
	MaxIterations   int     `json:"maxIterations,omitempty"`
	MaxParticles    int     `json:"maxParticles,omitempty"` // 0 is unlimited
	CenterMode      string  `json:"centerMode,omitempty"`
	Verbose         bool    `json:"verbose,omitempty"`
}

// DefaultConfig returns the usual parameters for rank of numRanks in box
func DefaultConfig(rank, numRanks int, box sfc.Box) Config {
	return Config{
		Rank:            rank,
		NumRanks:        numRanks,
		BucketSize:      64,
		BucketSizeFocus: 8,
		Theta:           0.5,
		GrowthRate:      1.05,
		Box:             box,
		MaxIterations:   octree.DefaultMaxIterations,
		CenterMode:      focus.MassCenter.String(),
	}
}

// Validate returns an ErrInvalidConfig error describing the first problem
func (cfg Config) Validate() error {
	switch {
	case cfg.NumRanks < 1:
		return fmt.Errorf("%w: %d ranks", ErrInvalidConfig, cfg.NumRanks)
	case cfg.Rank < 0 || cfg.Rank >= cfg.NumRanks:
		return fmt.Errorf("%w: rank %d out of range [0,%d)", ErrInvalidConfig, cfg.Rank, cfg.NumRanks)
	case cfg.BucketSize == 0:
		return fmt.Errorf("%w: bucket size is zero", ErrInvalidConfig)
	case cfg.BucketSizeFocus == 0:
		return fmt.Errorf("%w: focus bucket size is zero", ErrInvalidConfig)
	case !(cfg.GrowthRate >= 1):
		return fmt.Errorf("%w: growth rate %g is below 1", ErrInvalidConfig, cfg.GrowthRate)
	case !(cfg.Theta >= 0):
		return fmt.Errorf("%w: theta %g is negative", ErrInvalidConfig, cfg.Theta)
	case cfg.MaxIterations < 0:
		return fmt.Errorf("%w: %d max iterations", ErrInvalidConfig, cfg.MaxIterations)
	case cfg.MaxParticles < 0:
		return fmt.Errorf("%w: max particles %d", ErrInvalidConfig, cfg.MaxParticles)
	}
	if err := cfg.Box.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := focus.ParseCenterMode(cfg.CenterMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (cfg Config) focusParams() focus.Params {
	mode, _ := focus.ParseCenterMode(cfg.CenterMode)
	return focus.Params{
		Theta:           cfg.Theta,
		BucketSizeFocus: cfg.BucketSizeFocus,
		CenterMode:      mode,
	}
}

func (cfg Config) maxIterations() int {
	if cfg.MaxIterations == 0 {
		return octree.DefaultMaxIterations
	}
	return cfg.MaxIterations
}
