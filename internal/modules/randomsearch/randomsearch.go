// ============================================================================
// hive-exec Random Search Module
// ============================================================================
//
// Package: internal/modules/randomsearch
// File: randomsearch.go
// Purpose: Uniform random search over a test function's search interval
//
// Capability:
//   randomsearch.run   payload State (a fresh job only sets function,
//                      dimensions, iterations and seed; a resumed job is a
//                      snapshot sent back as payload)
//                      result  State with Iteration == Iterations
//
// Every iteration ends at a checkpoint, so a snapshot is at most one
// evaluation old. The generator is reseeded from Seed and Iteration, which
// makes a resumed run draw the same points as an uninterrupted one.
//
// ============================================================================

package randomsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/modules/testfunctions"
)

const (
	Name    = "Algorithms.RandomSearch"
	Version = "3.3.0.0"

	// Run is the capability name of the search job
	Run = "randomsearch.run"
)

var ErrInvalidPayload = errors.New("invalid random search payload")

// State is both the payload and the result of a search job
type State struct {
	Function   string    `json:"function"`
	Dimensions int       `json:"dimensions"`
	Iterations int       `json:"iterations"`
	Seed       int64     `json:"seed"`
	Iteration  int       `json:"iteration"`
	BestValue  float64   `json:"best_value"`
	BestPoint  []float64 `json:"best_point,omitempty"`
}

// Manifest describes the module to the resolver
func Manifest() module.Manifest {
	return module.Manifest{
		Name:        Name,
		Version:     Version,
		Description: "Random search over real vectors",
		Files:       []module.ManifestFile{{Name: "randomsearch.lib", Kind: "library"}},
		Dependencies: []module.ManifestDependency{
			{Name: testfunctions.Name, Version: "3.3"},
		},
		Provides: []string{Run},
	}
}

type Module struct{}

func New() module.Module { return &Module{} }

func (*Module) OnLoad() error { return nil }
func (*Module) OnUnload()     {}

func (*Module) Capabilities() map[string]module.JobFactory {
	return map[string]module.JobFactory{Run: newSearch}
}

type search struct {
	fn    testfunctions.Function
	state State
}

func newSearch(payload []byte) (module.Runnable, error) {
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	fn, err := testfunctions.Lookup(st.Function)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Dimensions <= 0:
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidPayload)
	case st.Iterations <= 0:
		return nil, fmt.Errorf("%w: iterations must be positive", ErrInvalidPayload)
	case st.Iteration < 0 || st.Iteration > st.Iterations:
		return nil, fmt.Errorf("%w: iteration %d out of range", ErrInvalidPayload, st.Iteration)
	case st.Iteration > 0 && len(st.BestPoint) != st.Dimensions:
		return nil, fmt.Errorf("%w: resumed state has no best point", ErrInvalidPayload)
	}
	if st.Iteration == 0 {
		st.BestValue = math.Inf(1)
		st.BestPoint = nil
	}
	return &search{fn: fn, state: st}, nil
}

func (s *search) Run(ctx context.Context, env module.Environment) ([]byte, error) {
	st := &s.state
	for st.Iteration < st.Iterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rng := rand.New(rand.NewSource(st.Seed + int64(st.Iteration)))
		x := make([]float64, st.Dimensions)
		for i := range x {
			x[i] = s.fn.Lower + rng.Float64()*(s.fn.Upper-s.fn.Lower)
		}
		if v := s.fn.Eval(x); v < st.BestValue {
			st.BestValue = v
			st.BestPoint = x
		}
		st.Iteration++

		env.SetProgress(100 * float64(st.Iteration) / float64(st.Iterations))
		env.Checkpoint(func() ([]byte, error) { return json.Marshal(st) })
	}
	return json.Marshal(st)
}
