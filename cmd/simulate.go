package cmd

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/config"
	"github.com/notargets/sfcdomain/domain"
	"github.com/notargets/sfcdomain/halos"
	"github.com/notargets/sfcdomain/neighbors"
	"github.com/notargets/sfcdomain/occa"
	"github.com/notargets/sfcdomain/particles"
	"github.com/notargets/sfcdomain/sfc"
	"github.com/spf13/viper"
	"math"
	"math/rand"
)

// Particle fields besides the coordinates and smoothing length
const (
	fieldVX  = "vx"
	fieldVY  = "vy"
	fieldVZ  = "vz"
	fieldID  = "id"
	fieldRho = "rho"
)

// loadParameters merges the config file, environment and flags
func loadParameters() (*config.Parameters, error) {
	ip := config.Default()
	if cfgFile != "" {
		var err error
		if ip, err = config.Load(cfgFile); err != nil {
			return nil, err
		}
	}
	if viper.IsSet("ranks") {
		ip.NumRanks = viper.GetInt("ranks")
	}
	if viper.IsSet("particles") {
		ip.ParticlesPerRank = viper.GetInt("particles")
	}
	if viper.IsSet("steps") {
		ip.Steps = viper.GetInt("steps")
	}
	if viper.IsSet("backend") {
		ip.Backend = viper.GetString("backend")
	}
	if viper.IsSet("h") {
		ip.SmoothingLength = viper.GetFloat64("h")
	}
	if viper.GetBool("verbose") {
		ip.Verbose = true
	}
	return ip, ip.Validate()
}

func newBackend(ip *config.Parameters) (backend.Accelerator, error) {
	if ip.Backend == "occa" {
		acc, err := occa.NewFromProps(occa.ModeProps(ip.DeviceMode))
		if err != nil {
			return nil, err
		}
		return acc, nil
	}
	return backend.NewHost(ip.Threads), nil
}

// fold maps v back into [lo,hi], wrapping in periodic dimensions
func fold(v, lo, hi float64, periodic bool) float64 {
	if periodic {
		l := hi - lo
		v = lo + math.Mod(v-lo, l)
		if v < lo {
			v += l
		}
		return v
	}
	return math.Min(math.Max(v, lo), hi)
}

// blob is the global initial particle set, generated once for all ranks so
// that the result does not depend on the number of ranks
type blob struct {
	x, y, z, h, vx, vy, vz []float64
}

func newBlob(ip *config.Parameters, box sfc.Box) *blob {
	n := ip.NumRanks * ip.ParticlesPerRank
	r := rand.New(rand.NewSource(ip.Seed))
	b := &blob{}
	for _, p := range []*[]float64{&b.x, &b.y, &b.z, &b.h, &b.vx, &b.vy, &b.vz} {
		*p = make([]float64, n)
	}
	pos := []*[]float64{&b.x, &b.y, &b.z}
	vel := []*[]float64{&b.vx, &b.vy, &b.vz}
	for i := 0; i < n; i++ {
		for d := 0; d < 3; d++ {
			center := 0.5 * (box.Lo[d] + box.Hi[d])
			(*pos[d])[i] = fold(center+ip.Spread*box.Length(d)*r.NormFloat64(), box.Lo[d], box.Hi[d], box.Periodic[d])
			(*vel[d])[i] = ip.Velocity * r.NormFloat64()
		}
		b.h[i] = ip.SmoothingLength * (0.5 + r.Float64())
	}
	return b
}

// store returns the share of rank in a particle store
func (b *blob) store(rank, numRanks int) *particles.Store {
	n := len(b.x)
	lo, hi := rank*n/numRanks, (rank+1)*n/numRanks
	st := particles.NewStore()
	st.SetConserved(particles.FieldX, particles.FieldY, particles.FieldZ, particles.FieldH,
		fieldVX, fieldVY, fieldVZ, fieldID)
	st.SetDependent(fieldRho)
	st.Resize(hi - lo)
	copy(st.Field(particles.FieldX), b.x[lo:hi])
	copy(st.Field(particles.FieldY), b.y[lo:hi])
	copy(st.Field(particles.FieldZ), b.z[lo:hi])
	copy(st.Field(particles.FieldH), b.h[lo:hi])
	copy(st.Field(fieldVX), b.vx[lo:hi])
	copy(st.Field(fieldVY), b.vy[lo:hi])
	copy(st.Field(fieldVZ), b.vz[lo:hi])
	id := st.Field(fieldID)
	for i := range id {
		id[i] = float64(lo + i)
	}
	return st
}

func (b *blob) points() neighbors.Points {
	return neighbors.Points{X: b.x, Y: b.y, Z: b.z}
}

// rankRun is the state of one rank
type rankRun struct {
	d  *domain.Domain
	st *particles.Store
}

func syncStore(ctx context.Context, d *domain.Domain, st *particles.Store) error {
	x, y, z, h, conserved, dependent, err := st.SyncArgs()
	if err != nil {
		return err
	}
	if err = d.Sync(ctx, &st.Keys, x, y, z, h, conserved, dependent); err != nil {
		return err
	}
	st.SetSize(d.NParticlesWithHalos())
	return nil
}

// ownedPoints returns the owned particles of a synced store and their search radii
func ownedPoints(d *domain.Domain, st *particles.Store) (neighbors.Points, []float64) {
	s, e := d.StartIndex(), d.EndIndex()
	q := neighbors.Points{
		X: st.Field(particles.FieldX)[s:e],
		Y: st.Field(particles.FieldY)[s:e],
		Z: st.Field(particles.FieldZ)[s:e],
	}
	radius := make([]float64, e-s)
	for i, h := range st.Field(particles.FieldH)[s:e] {
		radius[i] = halos.SearchFactor * h
	}
	return q, radius
}

func allPoints(st *particles.Store) neighbors.Points {
	return neighbors.Points{
		X: st.Field(particles.FieldX),
		Y: st.Field(particles.FieldY),
		Z: st.Field(particles.FieldZ),
	}
}

// density sets rho of the owned particles to their neighbor count and
// refreshes the halo copies
func density(ctx context.Context, d *domain.Domain, st *particles.Store) error {
	q, radius := ownedPoints(d, st)
	rho := st.Field(fieldRho)
	for i, n := range neighbors.Count(d.Box(), q, radius, allPoints(st)) {
		rho[d.StartIndex()+i] = float64(n)
	}
	return d.ExchangeHalos(ctx, st.Ptr(fieldRho))
}

// drift moves the owned particles by one time step. Particles may leave a
// box that is refitted at every sync, otherwise they are folded back.
func drift(d *domain.Domain, st *particles.Store, dt float64) {
	box := d.Box()
	free := d.Config().UpdateBox
	pos := []string{particles.FieldX, particles.FieldY, particles.FieldZ}
	vel := []string{fieldVX, fieldVY, fieldVZ}
	for k := 0; k < 3; k++ {
		p, v := st.Field(pos[k]), st.Field(vel[k])
		for i := d.StartIndex(); i < d.EndIndex(); i++ {
			p[i] += v[i] * dt
			if box.Periodic[k] || !free {
				p[i] = fold(p[i], box.Lo[k], box.Hi[k], box.Periodic[k])
			}
		}
	}
}

// runRanks creates a domain per rank and calls step after setting it up.
// The returned runs are only valid when the error is nil.
func runRanks(ctx context.Context, ip *config.Parameters, b *blob,
	body func(ctx context.Context, r *rankRun) error) ([]*rankRun, error) {
	timeout, err := ip.Timeout()
	if err != nil {
		return nil, err
	}
	runs := make([]*rankRun, ip.NumRanks)
	err = comm.Run(ctx, ip.NumRanks, timeout, func(ctx context.Context, c comm.Comm) error {
		rank := c.Rank()
		cfg, err := ip.DomainConfig(rank)
		if err != nil {
			return err
		}
		acc, err := newBackend(ip)
		if err != nil {
			return fmt.Errorf("rank %d backend: %w", rank, err)
		}
		defer acc.Close()
		d, err := domain.New(cfg, c, acc)
		if err != nil {
			return err
		}
		runs[rank] = &rankRun{d: d, st: b.store(rank, ip.NumRanks)}
		return body(ctx, runs[rank])
	})
	return runs, err
}
