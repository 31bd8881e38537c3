// Package config reads the YAML run description used by the command line
package config

import (
	"fmt"
	"github.com/ghodss/yaml"
	"github.com/notargets/sfcdomain/domain"
	"github.com/notargets/sfcdomain/sfc"
	"os"
	"time"
)

// Parameters obtained from the YAML input file
type Parameters struct {
	Title            string    `json:"Title"`
	NumRanks         int       `json:"NumRanks"`
	ParticlesPerRank int       `json:"ParticlesPerRank"`
	Steps            int       `json:"Steps"`
	Seed             int64     `json:"Seed"`
	SmoothingLength  float64   `json:"SmoothingLength"`
	Spread           float64   `json:"Spread"` // std deviation of the initial gaussian blob
	Velocity         float64   `json:"Velocity"`
	TimeStep         float64   `json:"TimeStep"`
	Backend          string    `json:"Backend"` // host or occa
	DeviceMode       string    `json:"DeviceMode"`
	Threads          int       `json:"Threads"`
	CommTimeout      string    `json:"CommTimeout"`
	BucketSize       uint32    `json:"BucketSize"`
	BucketSizeFocus  uint32    `json:"BucketSizeFocus"`
	Theta            float64   `json:"Theta"`
	GrowthRate       float64   `json:"GrowthRate"`
	MaxParticles     int       `json:"MaxParticles"`
	MaxIterations    int       `json:"MaxIterations"`
	CenterMode       string    `json:"CenterMode"`
	BoxLo            []float64 `json:"BoxLo"`
	BoxHi            []float64 `json:"BoxHi"`
	Periodic         []bool    `json:"Periodic"`
	UpdateBox        bool      `json:"UpdateBox"` // refit the non-periodic box dimensions every step
	Verbose          bool      `json:"Verbose"`
}

// Example is a complete input file
const Example = `
########################################
Title: "Gaussian blob"
NumRanks: 4
ParticlesPerRank: 1000
Steps: 3
Seed: 1
SmoothingLength: 0.01
Spread: 0.15
Velocity: 0.1
TimeStep: 0.01
Backend: host # or occa
DeviceMode: OpenMP
CommTimeout: 30s
BucketSize: 64
BucketSizeFocus: 8
Theta: 0.5
GrowthRate: 1.05
BoxLo: [0, 0, 0]
BoxHi: [1, 1, 1]
Periodic: [false, false, false]
UpdateBox: false
########################################
`

// Default returns the parameters of Example
func Default() *Parameters {
	return &Parameters{
		Title:            "Gaussian blob",
		NumRanks:         4,
		ParticlesPerRank: 1000,
		Steps:            3,
		Seed:             1,
		SmoothingLength:  0.01,
		Spread:           0.15,
		Velocity:         0.1,
		TimeStep:         0.01,
		Backend:          "host",
		DeviceMode:       "OpenMP",
		CommTimeout:      "30s",
		BucketSize:       64,
		BucketSizeFocus:  8,
		Theta:            0.5,
		GrowthRate:       1.05,
		BoxLo:            []float64{0, 0, 0},
		BoxHi:            []float64{1, 1, 1},
		Periodic:         []bool{false, false, false},
	}
}

func (ip *Parameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, ip)
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ip := Default()
	if err = ip.Parse(data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ip, nil
}

// Box assembles the bounding box
func (ip *Parameters) Box() (sfc.Box, error) {
	if len(ip.BoxLo) != 3 || len(ip.BoxHi) != 3 {
		return sfc.Box{}, fmt.Errorf("%w: BoxLo and BoxHi need three values", sfc.ErrInvalidBox)
	}
	box := sfc.NewBox(ip.BoxLo[0], ip.BoxHi[0], ip.BoxLo[1], ip.BoxHi[1], ip.BoxLo[2], ip.BoxHi[2])
	switch len(ip.Periodic) {
	case 0:
	case 3:
		box = box.WithPeriodic(ip.Periodic[0], ip.Periodic[1], ip.Periodic[2])
	default:
		return sfc.Box{}, fmt.Errorf("%w: Periodic needs three values", sfc.ErrInvalidBox)
	}
	return box, box.Validate()
}

// Timeout parses CommTimeout, empty means no timeout
func (ip *Parameters) Timeout() (time.Duration, error) {
	if ip.CommTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(ip.CommTimeout)
	if err != nil {
		return 0, fmt.Errorf("CommTimeout: %w", err)
	}
	return d, nil
}

// DomainConfig returns the construction parameters of rank
func (ip *Parameters) DomainConfig(rank int) (domain.Config, error) {
	box, err := ip.Box()
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	cfg := domain.Config{
		Rank:            rank,
		NumRanks:        ip.NumRanks,
		BucketSize:      ip.BucketSize,
		BucketSizeFocus: ip.BucketSizeFocus,
		Theta:           ip.Theta,
		GrowthRate:      ip.GrowthRate,
		Box:             box,
		UpdateBox:       ip.UpdateBox,
		MaxIterations:   ip.MaxIterations,
		MaxParticles:    ip.MaxParticles,
		CenterMode:      ip.CenterMode,
		Verbose:         ip.Verbose,
	}
	return cfg, cfg.Validate()
}

// Validate checks the parameters that do not belong to the domain
func (ip *Parameters) Validate() error {
	switch {
	case ip.ParticlesPerRank < 0:
		return fmt.Errorf("ParticlesPerRank %d is negative", ip.ParticlesPerRank)
	case ip.Steps < 1:
		return fmt.Errorf("Steps must be at least 1, got %d", ip.Steps)
	case !(ip.SmoothingLength > 0):
		return fmt.Errorf("SmoothingLength must be positive, got %g", ip.SmoothingLength)
	case ip.Backend != "host" && ip.Backend != "occa":
		return fmt.Errorf("unknown Backend %q", ip.Backend)
	}
	if _, err := ip.Timeout(); err != nil {
		return err
	}
	_, err := ip.DomainConfig(0)
	return err
}

func (ip *Parameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", ip.Title)
	fmt.Printf("[%d]\t\t\t\t= Ranks\n", ip.NumRanks)
	fmt.Printf("[%d]\t\t\t\t= Particles per Rank\n", ip.ParticlesPerRank)
	fmt.Printf("[%d]\t\t\t\t= Steps\n", ip.Steps)
	fmt.Printf("%8.5f\t\t= Smoothing Length\n", ip.SmoothingLength)
	fmt.Printf("[%s]\t\t\t= Backend\n", ip.Backend)
	fmt.Printf("[%d/%d]\t\t\t= Bucket Size/Focus\n", ip.BucketSize, ip.BucketSizeFocus)
	fmt.Printf("%8.5f\t\t= Theta\n", ip.Theta)
	fmt.Printf("%8.5f\t\t= Growth Rate\n", ip.GrowthRate)
	fmt.Printf("%v - %v periodic %v\t= Box\n", ip.BoxLo, ip.BoxHi, ip.Periodic)
}
