// ============================================================================
// hive-exec Execution Context
// ============================================================================
//
// Package: internal/sandbox
// File: context.go
// Purpose: A revocable boundary that hosts exactly one job
//
// A Context owns its own module instances: Create instantiates every module
// of the job's load order from the registry and runs their OnLoad hooks, so
// state a module keeps between calls is never shared with another job.
// Destroy cancels the job, runs OnUnload in reverse load order and drops all
// references. Nothing created inside one context is reachable from another.
//
// Lifecycle:
//   Create ──> Instantiate(entry) ──> Executor.Start ──> ... ──> Destroy
//                                                                  │
//                                   any call after this ─> ErrDestroyed
//
// ============================================================================

package sandbox

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/control"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Context hosts the modules and the executor of one job
type Context struct {
	jobID  types.JobID
	sink   control.Sink
	logger zerolog.Logger

	mu           sync.Mutex
	modules      []module.Module // load order
	capabilities map[string]module.JobFactory
	executors    []*Executor
	destroyed    bool
}

// Create builds a context for jobID from a bottom-up module load order.
// Executors created in the context post their completions to sink.
func Create(jobID types.JobID, order []*module.Descriptor, registry *module.Registry, sink control.Sink) (*Context, error) {
	c := &Context{
		jobID:        jobID,
		sink:         sink,
		logger:       log.WithJobID(string(jobID)).With().Str("component", "sandbox").Logger(),
		capabilities: make(map[string]module.JobFactory),
	}

	for _, d := range order {
		m, err := registry.New(d.Library)
		if err != nil {
			c.unload()
			return nil, fmt.Errorf("create context for job %s: %w", jobID, err)
		}
		if err := guard(jobID, m.OnLoad); err != nil {
			c.unload()
			return nil, fmt.Errorf("create context for job %s: load %s: %w", jobID, d.ID(), err)
		}
		c.modules = append(c.modules, m)

		// modules later in the order depend on earlier ones and may override their entries
		for entry, factory := range m.Capabilities() {
			c.capabilities[entry] = factory
		}
	}

	c.logger.Debug().Int("modules", len(c.modules)).Msg("Execution context created")
	return c, nil
}

// JobID returns the job the context belongs to
func (c *Context) JobID() types.JobID {
	return c.jobID
}

// Instantiate creates an executor for the job kind entry
func (c *Context) Instantiate(entry string) (*Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}
	factory, ok := c.capabilities[entry]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entry)
	}

	exec := newExecutor(c.jobID, factory, c.sink, c.logger)
	c.executors = append(c.executors, exec)
	return exec, nil
}

// Destroy tears the context down. It is safe to call more than once.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	executors := c.executors
	c.executors = nil
	c.capabilities = nil
	c.mu.Unlock()

	for _, exec := range executors {
		exec.Abort()
	}
	c.unload()
	c.logger.Debug().Msg("Execution context destroyed")
}

// Destroyed reports whether Destroy was called
func (c *Context) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// unload releases module instances in reverse load order
func (c *Context) unload() {
	modules := c.modules
	c.modules = nil
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		if err := guard(c.jobID, func() error { m.OnUnload(); return nil }); err != nil {
			c.logger.Warn().Err(err).Msg("Module unload hook failed")
		}
	}
}

// guard runs fn and converts a panic into a FaultError
func guard(jobID types.JobID, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{JobID: jobID, Err: fmt.Errorf("%v", r), Panic: true, Stack: debug.Stack()}
		}
	}()
	return fn()
}
