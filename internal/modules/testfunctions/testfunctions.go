// ============================================================================
// hive-exec Test Functions Module
// ============================================================================
//
// Package: internal/modules/testfunctions
// File: testfunctions.go
// Purpose: Benchmark objective functions for real-vector optimization
//
// Capability:
//   testfunctions.evaluate   payload {"function": "rastrigin", "points": [[..], ..]}
//                            result  {"function": "rastrigin", "values": [..]}
//
// Other modules use the functions directly through Lookup.
//
// ============================================================================

package testfunctions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ChuLiYu/hive-exec/internal/module"
)

const (
	Name    = "Problems.TestFunctions"
	Version = "3.3.0.0"

	// Evaluate is the capability name of the evaluation job
	Evaluate = "testfunctions.evaluate"
)

var (
	ErrUnknownFunction = errors.New("unknown test function")
	ErrDimension       = errors.New("point has wrong dimension")
)

// Function is a minimization benchmark
type Function struct {
	Name    string
	Lower   float64 // search interval per dimension
	Upper   float64
	Optimum float64 // best value, reached at BestPoint
	Eval    func(x []float64) float64
}

var functions = map[string]Function{
	"sphere":     {Name: "sphere", Lower: -5.12, Upper: 5.12, Eval: sphere},
	"rastrigin":  {Name: "rastrigin", Lower: -5.12, Upper: 5.12, Eval: rastrigin},
	"rosenbrock": {Name: "rosenbrock", Lower: -2.048, Upper: 2.048, Eval: rosenbrock},
	"ackley":     {Name: "ackley", Lower: -32.768, Upper: 32.768, Eval: ackley},
	"griewank":   {Name: "griewank", Lower: -600, Upper: 600, Eval: griewank},
}

// Lookup returns the function registered under name
func Lookup(name string) (Function, error) {
	f, ok := functions[name]
	if !ok {
		return Function{}, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return f, nil
}

// Names returns the known function names, sorted
func Names() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BestPoint returns where f reaches its optimum in dims dimensions
func (f Function) BestPoint(dims int) []float64 {
	x := make([]float64, dims)
	if f.Name == "rosenbrock" {
		for i := range x {
			x[i] = 1
		}
	}
	return x
}

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}

func rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i < len(x)-1; i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

func ackley(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	n := float64(len(x))
	var squares, cosines float64
	for _, v := range x {
		squares += v * v
		cosines += math.Cos(2 * math.Pi * v)
	}
	return -20*math.Exp(-0.2*math.Sqrt(squares/n)) - math.Exp(cosines/n) + 20 + math.E
}

func griewank(x []float64) float64 {
	var sum float64
	prod := 1.0
	for i, v := range x {
		sum += v * v / 4000
		prod *= math.Cos(v / math.Sqrt(float64(i+1)))
	}
	return sum - prod + 1
}

// ============================================================================
// Module
// ============================================================================

// Manifest describes the module to the resolver
func Manifest() module.Manifest {
	return module.Manifest{
		Name:        Name,
		Version:     Version,
		Description: "Benchmark functions for real-vector optimization",
		Files:       []module.ManifestFile{{Name: "testfunctions.lib", Kind: "library"}},
		Provides:    []string{Evaluate},
	}
}

// Module is the module instance; it holds no state
type Module struct{}

// New is the registry factory
func New() module.Module { return &Module{} }

func (*Module) OnLoad() error { return nil }
func (*Module) OnUnload()     {}

func (*Module) Capabilities() map[string]module.JobFactory {
	return map[string]module.JobFactory{Evaluate: newEvaluateJob}
}

// EvaluatePayload is the payload of an evaluation job
type EvaluatePayload struct {
	Function string      `json:"function"`
	Points   [][]float64 `json:"points"`
}

// EvaluateResult is the finished evaluation job
type EvaluateResult struct {
	Function string    `json:"function"`
	Values   []float64 `json:"values"`
}

type evaluateJob struct {
	fn     Function
	points [][]float64
}

func newEvaluateJob(payload []byte) (module.Runnable, error) {
	var p EvaluatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode evaluate payload: %w", err)
	}
	fn, err := Lookup(p.Function)
	if err != nil {
		return nil, err
	}
	for i, x := range p.Points {
		if len(x) == 0 {
			return nil, fmt.Errorf("%w: point %d is empty", ErrDimension, i)
		}
	}
	return &evaluateJob{fn: fn, points: p.Points}, nil
}

func (j *evaluateJob) Run(ctx context.Context, env module.Environment) ([]byte, error) {
	values := make([]float64, 0, len(j.points))
	for i, x := range j.points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values = append(values, j.fn.Eval(x))
		env.SetProgress(100 * float64(i+1) / float64(len(j.points)))
		env.Checkpoint(func() ([]byte, error) {
			return json.Marshal(EvaluateResult{Function: j.fn.Name, Values: values})
		})
	}
	return json.Marshal(EvaluateResult{Function: j.fn.Name, Values: values})
}
